package grpc

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-facilitator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
// Detects V2 metadata (payment-signature) first, falls back to V1 (x402-payment).
//
// The payment is verified before the handler runs and settled after it
// succeeds. The handler's response is returned only if settlement succeeds.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}
		accepts := rule.Accepts(cfg.ValidityDuration)

		md, _ := metadata.FromIncomingContext(ctx)
		payload, requirements, isV2, err := ExtractPaymentFromMetadata(md, accepts)
		if err != nil {
			return nil, paymentRequired(accepts, err.Error())
		}

		paymentCtx, err := verify(ctx, &cfg, accepts, payload, requirements)
		if err != nil {
			return nil, err
		}
		ctx = context.WithValue(ctx, x402.PaymentContextKey, paymentCtx)

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		settlement, err := cfg.Facilitator.Settle(ctx, payload, requirements)
		if err != nil {
			return nil, status.Error(codes.Unavailable, fmt.Sprintf("payment settlement failed: %v", err))
		}
		setPaymentResponseTrailer(ctx, settlement, isV2)
		if !settlement.Success {
			return nil, paymentRequired(accepts, string(settlement.ErrorReason))
		}

		return resp, nil
	}
}

// verify checks the payment with the facilitator and returns the context
// handed to the protected handler.
func verify(ctx context.Context, cfg *x402.Config, accepts []x402.PaymentRequirements, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.PaymentContext, error) {
	result, err := cfg.Facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, status.Error(codes.Unavailable, fmt.Sprintf("payment verification error: %v", err))
	}
	if !result.IsValid {
		return nil, paymentRequired(accepts, string(result.InvalidReason))
	}
	return &x402.PaymentContext{
		Verified: true,
		Payer:    result.Payer,
		Amount:   requirements.Amount,
		Asset:    requirements.Asset,
		Network:  requirements.Network,
	}, nil
}

func setPaymentResponseTrailer(ctx context.Context, settlement *x402.SettleResponse, isV2 bool) {
	encoded, err := EncodePaymentResponse(settlement)
	if err != nil {
		return
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(responseKey(isV2), encoded))
}

// paymentRequired is the gRPC form of HTTP 402: ResourceExhausted carrying the
// encoded requirements as its message.
func paymentRequired(accepts []x402.PaymentRequirements, reason string) error {
	encoded, err := EncodePaymentRequirements(accepts, reason)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}

	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
