package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/becomeliminal/x402-facilitator"
	"google.golang.org/grpc/metadata"
)

// V2 metadata keys.
const (
	MetadataKeyPaymentSignature = "payment-signature"
	MetadataKeyPaymentResponse  = "payment-response"
	MetadataKeyPaymentRequired  = "payment-required"

	// V1 legacy metadata keys.
	MetadataKeyLegacyPayment         = "x402-payment"
	MetadataKeyLegacyPaymentResponse = "x402-payment-response"
)

// EncodePaymentRequirements encodes a PaymentRequiredResponse to base64 JSON.
// An empty reason is sent as "payment required".
func EncodePaymentRequirements(accepts []x402.PaymentRequirements, reason string) (string, error) {
	if reason == "" {
		reason = "payment required"
	}
	response := x402.PaymentRequiredResponse{
		X402Version: x402.X402Version,
		Error:       reason,
		Accepts:     accepts,
	}

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentRequirements decodes base64 JSON payment requirements.
func DecodePaymentRequirements(encoded string) (*x402.PaymentRequiredResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.PaymentRequiredResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}

	return &response, nil
}

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for metadata.
func EncodePaymentPayload(payload *x402.PaymentPayload) (string, error) {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentPayload decodes a base64 JSON V2 payment payload from metadata.
func DecodePaymentPayload(encoded string) (*x402.PaymentPayload, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal(jsonBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}

	if payload.X402Version < 2 {
		return nil, fmt.Errorf("payment-signature requires x402Version >= 2, got %d", payload.X402Version)
	}
	if len(payload.Payload) == 0 || string(payload.Payload) == "null" {
		return nil, fmt.Errorf("payload is required")
	}

	return &payload, nil
}

// DecodeLegacyPayment decodes a V1 x402-payment metadata value.
func DecodeLegacyPayment(encoded string) (*x402.LegacyPayment, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var legacy x402.LegacyPayment
	if err := json.Unmarshal(jsonBytes, &legacy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal legacy payment: %w", err)
	}

	if legacy.X402Version == 0 {
		return nil, fmt.Errorf("x402Version is required")
	}
	if legacy.Scheme == "" {
		return nil, fmt.Errorf("scheme is required")
	}
	if legacy.Network == "" {
		return nil, fmt.Errorf("network is required")
	}
	if len(legacy.Payload) == 0 || string(legacy.Payload) == "null" {
		return nil, fmt.Errorf("payload is required")
	}

	return &legacy, nil
}

// EncodePaymentResponse encodes a SettleResponse to base64 JSON.
func EncodePaymentResponse(response *x402.SettleResponse) (string, error) {
	jsonBytes, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentResponse decodes a base64 JSON payment response.
func DecodePaymentResponse(encoded string) (*x402.SettleResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.SettleResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment response: %w", err)
	}

	return &response, nil
}

// errNoMatchingRequirement means the payer signed for requirements this method does not advertise.
var errNoMatchingRequirement = fmt.Errorf("payment does not match any advertised requirement")

// ExtractPaymentFromMetadata extracts the payment from gRPC metadata and
// selects the advertised requirement it pays for. It tries the V2 key
// (payment-signature) first and falls back to V1 (x402-payment).
func ExtractPaymentFromMetadata(md metadata.MD, accepts []x402.PaymentRequirements) (*x402.PaymentPayload, *x402.PaymentRequirements, bool, error) {
	if values := md.Get(MetadataKeyPaymentSignature); len(values) > 0 {
		payload, err := DecodePaymentPayload(values[0])
		if err != nil {
			return nil, nil, true, err
		}
		req, ok := x402.SelectRequirements(accepts, &payload.Accepted)
		if !ok {
			return nil, nil, true, errNoMatchingRequirement
		}
		return payload, req, true, nil
	}

	if values := md.Get(MetadataKeyLegacyPayment); len(values) > 0 {
		legacy, err := DecodeLegacyPayment(values[0])
		if err != nil {
			return nil, nil, false, err
		}
		req, ok := x402.SelectLegacyRequirements(accepts, legacy.Scheme, legacy.Network)
		if !ok {
			return nil, nil, false, errNoMatchingRequirement
		}
		accepted := *req
		accepted.Scheme = legacy.Scheme
		accepted.Network = legacy.Network
		return &x402.PaymentPayload{
			X402Version: legacy.X402Version,
			Accepted:    accepted,
			Payload:     legacy.Payload,
		}, req, false, nil
	}

	return nil, nil, false, fmt.Errorf("no payment found in metadata")
}

func responseKey(isV2 bool) string {
	if isV2 {
		return MetadataKeyPaymentResponse
	}
	return MetadataKeyLegacyPaymentResponse
}
