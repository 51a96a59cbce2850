package x402

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// X402Version is the protocol version produced by this module.
const X402Version = 2

// SchemeExact is the only settlement scheme family the facilitator implements.
const SchemeExact = "exact"

// TransferMethod selects the asset-transfer mechanism used to settle an "exact" payment.
type TransferMethod string

const (
	// TransferMethodEIP3009 settles through the token's transferWithAuthorization.
	TransferMethodEIP3009 TransferMethod = "eip3009"

	// TransferMethodPermit2 settles through a Permit2 witness transfer that binds the recipient.
	TransferMethodPermit2 TransferMethod = "permit2"
)

// Keys read from PaymentRequirements.Extra.
const (
	ExtraName                = "name"
	ExtraVersion             = "version"
	ExtraAssetTransferMethod = "assetTransferMethod"
	ExtraSettlementContract  = "settlementContract"
)

// PaymentRequirements describes what payment is required for a resource.
// Uses CAIP-2 network identifiers (e.g., "eip155:8453").
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`           // CAIP-2: "eip155:8453"
	Amount            string                 `json:"amount"`            // atomic units
	Asset             string                 `json:"asset"`             // token contract address
	PayTo             string                 `json:"payTo"`             // recipient address
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// ExtraString returns a string value from Extra, or "" when absent.
func (r *PaymentRequirements) ExtraString(key string) string {
	if r == nil || r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

// TransferMethod returns the declared asset transfer method. Requirements that
// do not declare one settle through EIP-3009.
func (r *PaymentRequirements) TransferMethod() TransferMethod {
	m := strings.ToLower(r.ExtraString(ExtraAssetTransferMethod))
	if m == "" {
		return TransferMethodEIP3009
	}
	return TransferMethod(m)
}

// MaxTimeout returns MaxTimeoutSeconds as a duration.
func (r *PaymentRequirements) MaxTimeout() time.Duration {
	return time.Duration(r.MaxTimeoutSeconds) * time.Second
}

// PaymentPayload wraps accepted requirements and the scheme-specific signed authorization.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     json.RawMessage        `json:"payload"` // variant selected by Accepted/requirements transfer method
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// Scheme returns the scheme the payer signed for.
func (p *PaymentPayload) Scheme() string { return p.Accepted.Scheme }

// Network returns the network the payer signed for.
func (p *PaymentPayload) Network() string { return p.Accepted.Network }

// VerifyResponse is the outcome of Facilitator.Verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason Reason `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the outcome of Facilitator.Settle. It is also sent,
// base64-encoded, in the PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason Reason `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"` // CAIP-2
	Payer       string `json:"payer,omitempty"`
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"` // CAIP-2
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by the facilitator's supported endpoint.
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions"`
	Signers    map[string][]string `json:"signers"` // CAIP-2 network -> facilitator addresses
}

// ResourceInfo describes the resource a 402 response is guarding.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequiredResponse is the 402 response body.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Facilitator verifies and settles payments. It is implemented by the local
// engine (package facilitator) and by the HTTP client for a remote facilitator.
type Facilitator interface {
	// Verify checks a payment without touching replay state or the ledger.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle re-verifies the payment and executes it on the ledger.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)

	// Supported lists the scheme+network pairs the facilitator can settle.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// PaymentContext contains payment information that can be extracted in handlers.
type PaymentContext struct {
	Verified    bool
	Payer       string
	Amount      string
	Asset       string
	Network     string // CAIP-2
	Transaction string
	SettledAt   time.Time
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"
)

// V1 compatibility types for parsing legacy X-PAYMENT headers.

// LegacyPayment represents a parsed V1 X-PAYMENT header.
type LegacyPayment struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}
