package evm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// ErrMalformedPayload is returned when a payload cannot be decoded into its variant.
var ErrMalformedPayload = errors.New("evm: malformed payload")

// EIP3009Payload represents the EVM payload for the eip3009 transfer method.
// Following the EIP-3009 transferWithAuthorization specification.
type EIP3009Payload struct {
	Signature     string                `json:"signature"`
	Authorization *EIP3009Authorization `json:"authorization"`
}

// EIP3009Authorization contains the EIP-3009 authorization parameters.
// Numeric fields are decimal strings; Nonce is a 0x-prefixed 32-byte hex string.
type EIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Permit2Payload represents the EVM payload for the permit2 transfer method.
// Recipient and PaymentID are signed as the witness of the Permit2 transfer.
type Permit2Payload struct {
	Signature string `json:"signature"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Nonce     string `json:"nonce"`
	Deadline  string `json:"deadline"`
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
	PaymentID string `json:"paymentId"`
}

// TransferAuthorization is the canonical, typed form of an EIP-3009 authorization.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// WitnessTransfer is the canonical, typed form of a Permit2 witnessed transfer order.
type WitnessTransfer struct {
	Token     common.Address
	Amount    *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
	Owner     common.Address
	Recipient common.Address
	PaymentID [32]byte
}

// DetectTransferMethod derives the variant from the payload's shape alone.
// An "authorization" object marks eip3009; token, owner, deadline, recipient
// and paymentId together mark permit2.
func DetectTransferMethod(raw json.RawMessage) (x402.TransferMethod, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	_, hasAuth := fields["authorization"]
	hasOrder := true
	for _, k := range []string{"token", "owner", "deadline", "recipient", "paymentId"} {
		if _, ok := fields[k]; !ok {
			hasOrder = false
			break
		}
	}

	switch {
	case hasAuth && !hasOrder:
		return x402.TransferMethodEIP3009, nil
	case hasOrder && !hasAuth:
		return x402.TransferMethodPermit2, nil
	case hasAuth && hasOrder:
		return "", fmt.Errorf("%w: payload carries both authorization variants", ErrMalformedPayload)
	default:
		return "", fmt.Errorf("%w: payload carries no authorization", ErrMalformedPayload)
	}
}

// ParseEIP3009 decodes and canonicalizes an eip3009 payload.
func ParseEIP3009(raw json.RawMessage) (*TransferAuthorization, []byte, error) {
	var p EIP3009Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Authorization == nil {
		return nil, nil, fmt.Errorf("%w: authorization is required", ErrMalformedPayload)
	}

	a := p.Authorization
	var auth TransferAuthorization
	var err error
	if auth.From, err = parseAddress("from", a.From); err != nil {
		return nil, nil, err
	}
	if auth.To, err = parseAddress("to", a.To); err != nil {
		return nil, nil, err
	}
	if auth.Value, err = parseUint256("value", a.Value); err != nil {
		return nil, nil, err
	}
	if auth.ValidAfter, err = parseUint256("validAfter", a.ValidAfter); err != nil {
		return nil, nil, err
	}
	if auth.ValidBefore, err = parseUint256("validBefore", a.ValidBefore); err != nil {
		return nil, nil, err
	}
	if auth.Nonce, err = parseBytes32("nonce", a.Nonce); err != nil {
		return nil, nil, err
	}

	sig, err := parseSignatureHex(p.Signature)
	if err != nil {
		return nil, nil, err
	}
	return &auth, sig, nil
}

// ParsePermit2 decodes and canonicalizes a permit2 payload.
func ParsePermit2(raw json.RawMessage) (*WitnessTransfer, []byte, error) {
	var p Permit2Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var order WitnessTransfer
	var err error
	if order.Token, err = parseAddress("token", p.Token); err != nil {
		return nil, nil, err
	}
	if order.Amount, err = parseUint256("amount", p.Amount); err != nil {
		return nil, nil, err
	}
	if order.Nonce, err = parseUint256("nonce", p.Nonce); err != nil {
		return nil, nil, err
	}
	if order.Deadline, err = parseUint256("deadline", p.Deadline); err != nil {
		return nil, nil, err
	}
	if order.Owner, err = parseAddress("owner", p.Owner); err != nil {
		return nil, nil, err
	}
	if order.Recipient, err = parseAddress("recipient", p.Recipient); err != nil {
		return nil, nil, err
	}
	if order.PaymentID, err = parseBytes32("paymentId", p.PaymentID); err != nil {
		return nil, nil, err
	}

	sig, err := parseSignatureHex(p.Signature)
	if err != nil {
		return nil, nil, err
	}
	return &order, sig, nil
}

// Payload renders the authorization in its wire form.
func (a *TransferAuthorization) Payload(signature []byte) *EIP3009Payload {
	return &EIP3009Payload{
		Signature: hexutil.Encode(signature),
		Authorization: &EIP3009Authorization{
			From:        a.From.Hex(),
			To:          a.To.Hex(),
			Value:       a.Value.String(),
			ValidAfter:  a.ValidAfter.String(),
			ValidBefore: a.ValidBefore.String(),
			Nonce:       hexutil.Encode(a.Nonce[:]),
		},
	}
}

// Payload renders the order in its wire form.
func (o *WitnessTransfer) Payload(signature []byte) *Permit2Payload {
	return &Permit2Payload{
		Signature: hexutil.Encode(signature),
		Token:     o.Token.Hex(),
		Amount:    o.Amount.String(),
		Nonce:     o.Nonce.String(),
		Deadline:  o.Deadline.String(),
		Owner:     o.Owner.Hex(),
		Recipient: o.Recipient.Hex(),
		PaymentID: hexutil.Encode(o.PaymentID[:]),
	}
}

// NonceBytes returns the order nonce as a 32-byte big-endian word.
func (o *WitnessTransfer) NonceBytes() [32]byte {
	var b [32]byte
	o.Nonce.FillBytes(b[:])
	return b
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address: %q", ErrMalformedPayload, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseUint256(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrMalformedPayload, field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %s is not a uint256: %q", ErrMalformedPayload, field, s)
	}
	return v, nil
}

func parseBytes32(field, s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: %s must be 32 bytes of 0x hex", ErrMalformedPayload, field)
	}
	copy(out[:], b)
	return out, nil
}

// parseSignatureHex decodes the hex only; length and value checks belong to RecoverSigner.
func parseSignatureHex(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: signature is required", ErrMalformedPayload)
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not 0x hex", ErrMalformedPayload)
	}
	return b, nil
}
