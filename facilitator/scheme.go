package facilitator

import (
	"encoding/json"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/becomeliminal/x402-facilitator"
	"github.com/becomeliminal/x402-facilitator/evm"
	"github.com/becomeliminal/x402-facilitator/ledger"
	"github.com/becomeliminal/x402-facilitator/replay"
)

// network is the engine's view of one configured chain.
type network struct {
	id         string
	chainID    *big.Int
	permit2    common.Address
	settlement common.Address
	executor   *ledger.Executor
	signers    []string
	methods    []x402.TransferMethod
}

func (n *network) supports(m x402.TransferMethod) bool {
	for _, have := range n.methods {
		if have == m {
			return true
		}
	}
	return false
}

// authorization is a decoded payment of either transfer method, reduced to
// the fields the validator and executor work on.
type authorization struct {
	method    x402.TransferMethod
	payer     common.Address
	recipient common.Address
	token     common.Address
	amount    *big.Int

	validAfter *big.Int // nil when the method has no start time
	expires    *big.Int

	instr *ledger.Instruction
	key   replay.Key // Kind is filled from the method's capability row
}

// transferScheme is one row of the capability table: how a transfer method
// decodes, authenticates and settles.
type transferScheme struct {
	replayKind replay.Kind

	// decode parses raw and checks its signature under the network's domain.
	// The returned authorization is non-nil whenever raw parsed, even if the
	// signature is invalid, so the payer can be reported.
	decode func(n *network, req *x402.PaymentRequirements, raw json.RawMessage) (*authorization, error)
}

var transferSchemes = map[x402.TransferMethod]transferScheme{
	x402.TransferMethodEIP3009: {replayKind: replay.KindSparse, decode: decodeEIP3009},
	x402.TransferMethodPermit2: {replayKind: replay.KindBitmap, decode: decodePermit2},
}

// supportedMethods lists the capability table in a stable order.
func supportedMethods() []x402.TransferMethod {
	return []x402.TransferMethod{x402.TransferMethodEIP3009, x402.TransferMethodPermit2}
}

func malformed(msg string, cause error) error {
	return x402.NewPaymentError(x402.ReasonMalformedPayload, msg, cause)
}

func invalidSignature(cause error) error {
	return x402.NewPaymentError(x402.ReasonSignatureInvalid, "signature does not authorize this transfer", cause)
}

func decodeEIP3009(n *network, req *x402.PaymentRequirements, raw json.RawMessage) (*authorization, error) {
	auth, sig, err := evm.ParseEIP3009(raw)
	if err != nil {
		return nil, malformed("invalid eip3009 payload", err)
	}
	if !common.IsHexAddress(req.Asset) {
		return nil, malformed("requirements asset is not an address", nil)
	}
	asset := common.HexToAddress(req.Asset)

	name, version := req.ExtraString(x402.ExtraName), req.ExtraString(x402.ExtraVersion)
	if name == "" || version == "" {
		return nil, malformed("requirements extra must carry the token's EIP-712 name and version", nil)
	}

	a := &authorization{
		method:     x402.TransferMethodEIP3009,
		payer:      auth.From,
		recipient:  auth.To,
		token:      asset,
		amount:     auth.Value,
		validAfter: auth.ValidAfter,
		expires:    auth.ValidBefore,
		instr: &ledger.Instruction{
			Network:     n.id,
			Method:      x402.TransferMethodEIP3009,
			Token:       asset,
			From:        auth.From,
			To:          auth.To,
			Amount:      auth.Value,
			ValidAfter:  auth.ValidAfter,
			ValidBefore: auth.ValidBefore,
			Nonce:       auth.Nonce,
			Signature:   sig,
		},
		key: replay.Key{
			Scope: scope(n.id, asset, auth.From),
			Nonce: auth.Nonce,
		},
	}

	if _, err := evm.VerifyAuthorization(evm.TokenDomain(n.chainID, asset, name, version), auth, sig); err != nil {
		return a, signatureError(err)
	}
	return a, nil
}

func decodePermit2(n *network, _ *x402.PaymentRequirements, raw json.RawMessage) (*authorization, error) {
	order, sig, err := evm.ParsePermit2(raw)
	if err != nil {
		return nil, malformed("invalid permit2 payload", err)
	}
	if n.settlement == (common.Address{}) {
		return nil, x402.NewPaymentError(x402.ReasonUnsupportedTransferMethod, "network has no settlement contract", nil)
	}

	nonce := order.NonceBytes()
	a := &authorization{
		method:    x402.TransferMethodPermit2,
		payer:     order.Owner,
		recipient: order.Recipient,
		token:     order.Token,
		amount:    order.Amount,
		expires:   order.Deadline,
		instr: &ledger.Instruction{
			Network:   n.id,
			Method:    x402.TransferMethodPermit2,
			Token:     order.Token,
			From:      order.Owner,
			To:        order.Recipient,
			Amount:    order.Amount,
			Nonce:     nonce,
			Deadline:  order.Deadline,
			PaymentID: order.PaymentID,
			Signature: sig,
		},
		key: replay.Key{
			Scope: scope(n.id, n.permit2, order.Owner),
			Nonce: nonce,
		},
	}

	if _, err := evm.VerifyWitnessTransfer(evm.Permit2Domain(n.chainID, n.permit2), n.settlement, order, sig); err != nil {
		return a, signatureError(err)
	}
	return a, nil
}

// signatureError keeps undecodable typed data distinct from a bad signature.
func signatureError(err error) error {
	if errors.Is(err, evm.ErrMalformedPayload) {
		return malformed("payload cannot be hashed", err)
	}
	return invalidSignature(err)
}

// scope names the nonce space a replay key lives in.
func scope(networkID string, contract, owner common.Address) string {
	return strings.ToLower(networkID + "|" + contract.Hex() + "|" + owner.Hex())
}
