package x402

import (
	"fmt"
	"math/big"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds the middleware configuration.
type Config struct {
	// Facilitator verifies and settles payments: the local engine
	// (facilitator.New) or a remote one (facilitator.NewClient).
	Facilitator Facilitator

	// EndpointPricing maps URL patterns to pricing rules.
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	// Used by HTTP middleware (grpc-gateway).
	EndpointPricing map[string]PricingRule

	// MethodPricing maps gRPC method names to pricing rules.
	// Methods are full names like "/package.Service/Method".
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	// Used by native gRPC interceptors.
	MethodPricing map[string]PricingRule

	// DefaultPricing is used when no pattern matches (optional).
	// If nil, unmatched endpoints don't require payment.
	DefaultPricing *PricingRule

	// ValidityDuration bounds how long a payer's authorization may stay valid.
	// It is advertised as maxTimeoutSeconds. Defaults to 5 minutes.
	ValidityDuration time.Duration

	// SkipPaths lists paths that should bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks.
	SkipMethods []string

	// CustomPaywallHTML is custom HTML to return for browser requests (optional).
	CustomPaywallHTML string
}

// PricingRule defines payment requirements for an endpoint.
type PricingRule struct {
	// AcceptedTokens lists the payment options for this endpoint.
	// Each token specifies its own Amount in atomic units.
	AcceptedTokens []TokenRequirement

	// Description explains what this payment is for.
	Description string

	// MimeType of the resource being sold (optional).
	MimeType string
}

// TokenRequirement specifies a payment option (network + token).
type TokenRequirement struct {
	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	// Legacy names such as "base-sepolia" are accepted.
	Network string

	// AssetContract is the token contract address.
	AssetContract string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Recipient is the address that will receive payment.
	Recipient string

	// Amount is the payment amount required in atomic units for this token.
	Amount string

	// TokenName and TokenVersion are the token's EIP-712 domain name and
	// version. Required for EIP-3009; TokenVersion defaults to "2".
	TokenName    string
	TokenVersion string

	// TokenDecimals is the number of decimals for this token (optional).
	TokenDecimals int

	// TransferMethod selects how the payer authorizes the transfer.
	// Defaults to TransferMethodEIP3009.
	TransferMethod TransferMethod

	// SettlementContract is advertised to payers signing Permit2 orders,
	// which name it as the spender.
	SettlementContract string
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return fmt.Errorf("facilitator is required")
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = 5 * time.Minute
	}

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid.
func (p *PricingRule) Validate() error {
	if len(p.AcceptedTokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}

	for i, token := range p.AcceptedTokens {
		if err := token.Validate(); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
	}

	return nil
}

// Validate checks if the token requirement is valid.
func (t *TokenRequirement) Validate() error {
	if t.Network == "" {
		return fmt.Errorf("network is required")
	}
	if _, err := ChainID(t.Network); err != nil {
		return err
	}

	if t.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}

	if !common.IsHexAddress(t.Recipient) {
		return fmt.Errorf("recipient %q is not an address", t.Recipient)
	}

	if !common.IsHexAddress(t.AssetContract) {
		return fmt.Errorf("asset contract %q is not an address", t.AssetContract)
	}

	if t.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	if amount, ok := new(big.Int).SetString(t.Amount, 10); !ok || amount.Sign() <= 0 {
		return fmt.Errorf("amount %q must be a positive integer in atomic units", t.Amount)
	}

	switch t.method() {
	case TransferMethodEIP3009:
		if t.TokenName == "" {
			return fmt.Errorf("token name is required for %s", TransferMethodEIP3009)
		}
	case TransferMethodPermit2:
		if !common.IsHexAddress(t.SettlementContract) {
			return fmt.Errorf("settlement contract is required for %s", TransferMethodPermit2)
		}
	default:
		return fmt.Errorf("unknown transfer method %q", t.TransferMethod)
	}

	return nil
}

func (t *TokenRequirement) method() TransferMethod {
	if t.TransferMethod == "" {
		return TransferMethodEIP3009
	}
	return TransferMethod(strings.ToLower(string(t.TransferMethod)))
}

// Requirements converts the token option into the requirements advertised to payers.
func (t *TokenRequirement) Requirements(validity time.Duration) PaymentRequirements {
	version := t.TokenVersion
	if version == "" {
		version = "2"
	}

	extra := map[string]interface{}{
		ExtraAssetTransferMethod: string(t.method()),
	}
	if t.TokenName != "" {
		extra[ExtraName] = t.TokenName
		extra[ExtraVersion] = version
	}
	if t.SettlementContract != "" {
		extra[ExtraSettlementContract] = t.SettlementContract
	}

	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           NormalizeNetwork(t.Network),
		Amount:            t.Amount,
		Asset:             t.AssetContract,
		PayTo:             t.Recipient,
		MaxTimeoutSeconds: int(validity.Seconds()),
		Extra:             extra,
	}
}

// Accepts lists the requirements for every accepted token, in order.
func (p *PricingRule) Accepts(validity time.Duration) []PaymentRequirements {
	accepts := make([]PaymentRequirements, 0, len(p.AcceptedTokens))
	for i := range p.AcceptedTokens {
		accepts = append(accepts, p.AcceptedTokens[i].Requirements(validity))
	}
	return accepts
}

// MatchEndpoint finds the pricing rule for a given path.
func (c *Config) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	for _, skipPath := range c.SkipPaths {
		if matchPath(requestPath, skipPath) {
			return nil, false
		}
	}
	return c.match(c.EndpointPricing, requestPath)
}

// MatchMethod finds the pricing rule for a given gRPC method.
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	for _, skipMethod := range c.SkipMethods {
		if matchPath(fullMethod, skipMethod) {
			return nil, false
		}
	}
	return c.match(c.MethodPricing, fullMethod)
}

// match returns the exact rule, else the longest matching pattern, else the default.
func (c *Config) match(rules map[string]PricingRule, key string) (*PricingRule, bool) {
	if rule, ok := rules[key]; ok {
		return &rule, true
	}

	var bestMatch string
	var bestRule *PricingRule

	for pattern, rule := range rules {
		if matchPath(key, pattern) {
			if len(pattern) > len(bestMatch) {
				bestMatch = pattern
				ruleCopy := rule
				bestRule = &ruleCopy
			}
		}
	}

	if bestRule != nil {
		return bestRule, true
	}

	if c.DefaultPricing != nil {
		return c.DefaultPricing, true
	}

	return nil, false
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

// SelectRequirements returns the advertised requirement the payer signed for:
// same scheme, network, asset and recipient.
func SelectRequirements(accepts []PaymentRequirements, accepted *PaymentRequirements) (*PaymentRequirements, bool) {
	for i := range accepts {
		req := &accepts[i]
		if req.Scheme == accepted.Scheme &&
			SameNetwork(req.Network, accepted.Network) &&
			strings.EqualFold(req.Asset, accepted.Asset) &&
			strings.EqualFold(req.PayTo, accepted.PayTo) {
			return req, true
		}
	}
	return nil, false
}

// SelectLegacyRequirements picks the first requirement with the scheme and network
// a V1 payer named.
func SelectLegacyRequirements(accepts []PaymentRequirements, scheme, network string) (*PaymentRequirements, bool) {
	for i := range accepts {
		req := &accepts[i]
		if req.Scheme == scheme && SameNetwork(req.Network, network) {
			return req, true
		}
	}
	return nil, false
}
