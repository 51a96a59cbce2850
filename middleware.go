package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// V2 header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"

	// V1 legacy header names.
	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It detects V2 headers (PAYMENT-SIGNATURE) first and falls back to V1 (X-PAYMENT).
//
// A verified request runs the protected handler into a buffer. The buffered
// response is released only after settlement succeeds; a handler status of
// 400 or above is returned as-is and nothing is settled.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			rule, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}
			accepts := rule.Accepts(cfg.ValidityDuration)

			// Detect protocol version from headers.
			// V2: PAYMENT-SIGNATURE, V1 fallback: X-PAYMENT
			paymentHeader := r.Header.Get(HeaderPaymentSignature)
			isV2 := true
			if paymentHeader == "" {
				paymentHeader = r.Header.Get(HeaderLegacyPayment)
				isV2 = false
			}

			if paymentHeader == "" {
				sendPaymentRequired(w, r, rule, accepts, "Payment required", &cfg)
				return
			}

			var payload *PaymentPayload
			var requirements *PaymentRequirements
			var err error
			if isV2 {
				payload, err = parsePaymentPayload(paymentHeader)
				if err == nil {
					var ok bool
					if requirements, ok = SelectRequirements(accepts, &payload.Accepted); !ok {
						sendPaymentRequired(w, r, rule, accepts, "Accepted requirements do not match this resource", &cfg)
						return
					}
				}
			} else {
				payload, requirements, err = parseLegacyPayment(paymentHeader, accepts)
			}
			if err != nil {
				sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payment header: %v", err))
				return
			}

			verifyResult, err := cfg.Facilitator.Verify(ctx, payload, requirements)
			if err != nil {
				sendError(w, http.StatusBadGateway, fmt.Sprintf("Payment verification error: %v", err))
				return
			}
			if !verifyResult.IsValid {
				sendPaymentRequired(w, r, rule, accepts, string(verifyResult.InvalidReason), &cfg)
				return
			}

			ctx = context.WithValue(ctx, PaymentContextKey, &PaymentContext{
				Verified: true,
				Payer:    verifyResult.Payer,
				Amount:   requirements.Amount,
				Asset:    requirements.Asset,
				Network:  requirements.Network,
			})

			buf := newResponseBuffer()
			next.ServeHTTP(buf, r.WithContext(ctx))
			if buf.status >= http.StatusBadRequest {
				buf.flushTo(w)
				return
			}

			settlement, err := cfg.Facilitator.Settle(ctx, payload, requirements)
			if err != nil {
				sendError(w, http.StatusBadGateway, fmt.Sprintf("Payment settlement error: %v", err))
				return
			}
			if !settlement.Success {
				setPaymentResponse(w, settlement, isV2)
				sendPaymentRequired(w, r, rule, accepts, string(settlement.ErrorReason), &cfg)
				return
			}

			setPaymentResponse(w, settlement, isV2)
			buf.flushTo(w)
		})
	}
}

// responseBuffer holds a handler's response until settlement decides its fate.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header), status: http.StatusOK}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(status int) {
	if b.wrote {
		return
	}
	b.wrote = true
	b.status = status
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}

func (b *responseBuffer) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

func setPaymentResponse(w http.ResponseWriter, settlement *SettleResponse, isV2 bool) {
	encoded, err := EncodePaymentResponse(settlement)
	if err != nil {
		return
	}
	if isV2 {
		w.Header().Set(HeaderPaymentResponse, encoded)
	} else {
		w.Header().Set(HeaderLegacyPaymentResponse, encoded)
	}
}

// sendPaymentRequired sends a 402 Payment Required response with V2 format.
func sendPaymentRequired(w http.ResponseWriter, r *http.Request, rule *PricingRule, accepts []PaymentRequirements, reason string, cfg *Config) {
	if cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(cfg.CustomPaywallHTML))
		return
	}

	response := PaymentRequiredResponse{
		X402Version: X402Version,
		Error:       reason,
		Resource: &ResourceInfo{
			URL:         r.URL.String(),
			Description: rule.Description,
			MimeType:    rule.MimeType,
		},
		Accepts: accepts,
	}

	// Set PAYMENT-REQUIRED header with base64-encoded requirements.
	if responseJSON, err := json.Marshal(response); err == nil {
		w.Header().Set(HeaderPaymentRequired, base64.StdEncoding.EncodeToString(responseJSON))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// parsePaymentPayload decodes a V2 PAYMENT-SIGNATURE header into a PaymentPayload.
func parsePaymentPayload(header string) (*PaymentPayload, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if payload.X402Version < 2 {
		return nil, fmt.Errorf("PAYMENT-SIGNATURE header requires x402Version >= 2, got %d", payload.X402Version)
	}

	if len(payload.Payload) == 0 || string(payload.Payload) == "null" {
		return nil, fmt.Errorf("payload is required")
	}

	return &payload, nil
}

// parseLegacyPayment decodes a V1 X-PAYMENT header and converts it to a V2
// PaymentPayload against the advertised requirement for its network.
func parseLegacyPayment(header string, accepts []PaymentRequirements) (*PaymentPayload, *PaymentRequirements, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var legacy LegacyPayment
	if err := json.Unmarshal(payloadBytes, &legacy); err != nil {
		return nil, nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if legacy.X402Version == 0 {
		return nil, nil, fmt.Errorf("x402Version is required")
	}
	if legacy.Scheme == "" {
		return nil, nil, fmt.Errorf("scheme is required")
	}
	if legacy.Network == "" {
		return nil, nil, fmt.Errorf("network is required")
	}
	if len(legacy.Payload) == 0 || string(legacy.Payload) == "null" {
		return nil, nil, fmt.Errorf("payload is required")
	}

	requirements, ok := SelectLegacyRequirements(accepts, legacy.Scheme, legacy.Network)
	if !ok {
		return nil, nil, fmt.Errorf("no %s requirement for network %s", legacy.Scheme, legacy.Network)
	}

	accepted := *requirements
	accepted.Scheme = legacy.Scheme
	accepted.Network = legacy.Network

	return &PaymentPayload{
		X402Version: legacy.X402Version,
		Accepted:    accepted,
		Payload:     legacy.Payload,
	}, requirements, nil
}

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadJSON), nil
}

// EncodePaymentResponse encodes a SettleResponse for the PAYMENT-RESPONSE header.
func EncodePaymentResponse(resp *SettleResponse) (string, error) {
	responseJSON, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(responseJSON), nil
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*SettleResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response SettleResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequirements extracts payment requirements from a 402 response.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	// Try PAYMENT-REQUIRED header first (V2).
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err == nil {
			var paymentReq PaymentRequiredResponse
			if err := json.Unmarshal(decoded, &paymentReq); err == nil {
				return &paymentReq, nil
			}
		}
	}

	// Fall back to body.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
