package facilitator

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// validator checks a decoded authorization against payment requirements.
// Checks run in a fixed order and the first failure is reported.
type validator struct {
	now func() time.Time
}

func newValidator(now func() time.Time) *validator {
	if now == nil {
		now = time.Now
	}
	return &validator{now: now}
}

// checkKind compares the scheme and network the payer signed for with the requirements.
func (v *validator) checkKind(accepted, req *x402.PaymentRequirements) error {
	if accepted.Scheme != req.Scheme {
		return x402.NewPaymentError(x402.ReasonSchemeMismatch,
			"payload scheme "+accepted.Scheme+" does not match "+req.Scheme, nil)
	}
	if !x402.SameNetwork(accepted.Network, req.Network) {
		return x402.NewPaymentError(x402.ReasonNetworkMismatch,
			"payload network "+accepted.Network+" does not match "+req.Network, nil)
	}
	return nil
}

// validate runs the authorization checks: scheme and network, recipient,
// amount, timing and asset.
func (v *validator) validate(accepted, req *x402.PaymentRequirements, a *authorization) error {
	if err := v.checkKind(accepted, req); err != nil {
		return err
	}

	if !common.IsHexAddress(req.PayTo) || common.HexToAddress(req.PayTo) != a.recipient {
		return x402.NewPaymentError(x402.ReasonRecipientMismatch,
			"payment recipient "+a.recipient.Hex()+" is not "+req.PayTo, nil)
	}

	required, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || required.Sign() < 0 {
		return x402.NewPaymentError(x402.ReasonMalformedPayload, "requirements amount is not an integer: "+req.Amount, nil)
	}
	if a.amount.Cmp(required) < 0 {
		return x402.NewPaymentError(x402.ReasonAmountInsufficient,
			"authorized "+a.amount.String()+" is less than required "+required.String(), nil)
	}

	now := big.NewInt(v.now().Unix())
	if a.validAfter != nil && now.Cmp(a.validAfter) < 0 {
		return x402.NewPaymentError(x402.ReasonNotYetValid, "authorization is valid after "+a.validAfter.String(), nil)
	}
	if now.Cmp(a.expires) > 0 {
		return x402.NewPaymentError(x402.ReasonExpired, "authorization expired at "+a.expires.String(), nil)
	}
	if req.MaxTimeoutSeconds > 0 {
		remaining := new(big.Int).Sub(a.expires, now)
		if remaining.Cmp(big.NewInt(int64(req.MaxTimeoutSeconds))) > 0 {
			return x402.NewPaymentError(x402.ReasonTimeoutWindowExceeded,
				"authorization stays valid for "+remaining.String()+"s, more than the allowed window", nil)
		}
	}

	if !common.IsHexAddress(req.Asset) || common.HexToAddress(req.Asset) != a.token {
		return x402.NewPaymentError(x402.ReasonAssetMismatch, "payment asset "+a.token.Hex()+" is not "+req.Asset, nil)
	}
	if accepted.Asset != "" && !sameAddress(accepted.Asset, req.Asset) {
		return x402.NewPaymentError(x402.ReasonAssetMismatch, "payload asset "+accepted.Asset+" is not "+req.Asset, nil)
	}
	return nil
}

func sameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) && common.HexToAddress(a) == common.HexToAddress(b)
}
