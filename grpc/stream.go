package grpc

import (
	"context"
	"fmt"
	"time"

	x402 "github.com/becomeliminal/x402-facilitator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// A stream cannot be held back, so payment is verified and settled before it begins.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
		}
		accepts := rule.Accepts(cfg.ValidityDuration)

		md, _ := metadata.FromIncomingContext(ctx)
		payload, requirements, isV2, err := ExtractPaymentFromMetadata(md, accepts)
		if err != nil {
			return paymentRequired(accepts, err.Error())
		}

		paymentCtx, err := verify(ctx, &cfg, accepts, payload, requirements)
		if err != nil {
			return err
		}

		settlement, err := cfg.Facilitator.Settle(ctx, payload, requirements)
		if err != nil {
			return status.Error(codes.Unavailable, fmt.Sprintf("payment settlement failed: %v", err))
		}
		if encoded, encErr := EncodePaymentResponse(settlement); encErr == nil {
			ss.SetTrailer(metadata.Pairs(responseKey(isV2), encoded))
		}
		if !settlement.Success {
			return paymentRequired(accepts, string(settlement.ErrorReason))
		}

		paymentCtx.Transaction = settlement.Transaction
		paymentCtx.SettledAt = time.Now()

		return handler(srv, &paymentServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, x402.PaymentContextKey, paymentCtx),
		})
	}
}

type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
