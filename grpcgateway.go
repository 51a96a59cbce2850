package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys carrying a verified payment from the gateway to gRPC handlers.
const (
	mdPaymentVerified = "x-payment-verified"
	mdPaymentPayer    = "x-payment-payer"
	mdPaymentAmount   = "x-payment-amount"
	mdPaymentAsset    = "x-payment-asset"
	mdPaymentNetwork  = "x-payment-network"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers.
// Settlement happens after the handler returns, so no transaction is forwarded.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(paymentMetadata)
}

func paymentMetadata(ctx context.Context, _ *http.Request) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil || !payment.Verified {
		return md
	}

	md.Set(mdPaymentVerified, "true")
	md.Set(mdPaymentPayer, payment.Payer)
	md.Set(mdPaymentAmount, payment.Amount)
	md.Set(mdPaymentAsset, payment.Asset)
	md.Set(mdPaymentNetwork, payment.Network)

	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get(mdPaymentVerified)
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	first := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return values[0]
		}
		return ""
	}

	return &PaymentContext{
		Verified: true,
		Payer:    first(mdPaymentPayer),
		Amount:   first(mdPaymentAmount),
		Asset:    first(mdPaymentAsset),
		Network:  first(mdPaymentNetwork),
	}, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if you need to make payment decisions based on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
