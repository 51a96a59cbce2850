package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// CanonicalPermit2 is the Permit2 deployment address shared by all EVM chains.
var CanonicalPermit2 = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

const (
	primaryTransferWithAuthorization = "TransferWithAuthorization"
	primaryPermitWitnessTransferFrom = "PermitWitnessTransferFrom"
)

// Domain is the EIP-712 domain a signature is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// TokenDomain is the domain of an EIP-3009 token: the asset's own name and
// version on a specific chain.
func TokenDomain(chainID *big.Int, asset common.Address, name, version string) Domain {
	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: asset,
	}
}

// Permit2Domain is the domain of the Permit2 contract on a specific chain.
// Permit2 has no version in its domain.
func Permit2Domain(chainID *big.Int, permit2 common.Address) Domain {
	return Domain{
		Name:              "Permit2",
		ChainID:           chainID,
		VerifyingContract: permit2,
	}
}

func (d Domain) types() []apitypes.Type {
	t := []apitypes.Type{{Name: "name", Type: "string"}}
	if d.Version != "" {
		t = append(t, apitypes.Type{Name: "version", Type: "string"})
	}
	return append(t,
		apitypes.Type{Name: "chainId", Type: "uint256"},
		apitypes.Type{Name: "verifyingContract", Type: "address"},
	)
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// TypedData builds the EIP-712 structure signed for an EIP-3009 authorization.
func (a *TransferAuthorization) TypedData(d Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": d.types(),
			primaryTransferWithAuthorization: []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: primaryTransferWithAuthorization,
		Domain:      d.typed(),
		Message: apitypes.TypedDataMessage{
			"from":        a.From.Hex(),
			"to":          a.To.Hex(),
			"value":       (*math.HexOrDecimal256)(a.Value),
			"validAfter":  (*math.HexOrDecimal256)(a.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(a.ValidBefore),
			"nonce":       hexutil.Encode(a.Nonce[:]),
		},
	}
}

// TypedData builds the EIP-712 structure signed for a Permit2 witness transfer.
// The recipient and payment id are the witness, so they are covered by the
// same signature that authorizes the token movement. spender is the settlement
// contract allowed to execute the transfer.
func (o *WitnessTransfer) TypedData(d Domain, spender common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": d.types(),
			primaryPermitWitnessTransferFrom: []apitypes.Type{
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "witness", Type: "PaymentWitness"},
			},
			"TokenPermissions": []apitypes.Type{
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
			"PaymentWitness": []apitypes.Type{
				{Name: "recipient", Type: "address"},
				{Name: "paymentId", Type: "bytes32"},
			},
		},
		PrimaryType: primaryPermitWitnessTransferFrom,
		Domain:      d.typed(),
		Message: apitypes.TypedDataMessage{
			// Nested structs must be plain maps for apitypes' encoder.
			"permitted": map[string]interface{}{
				"token":  o.Token.Hex(),
				"amount": (*math.HexOrDecimal256)(o.Amount),
			},
			"spender":  spender.Hex(),
			"nonce":    (*math.HexOrDecimal256)(o.Nonce),
			"deadline": (*math.HexOrDecimal256)(o.Deadline),
			"witness": map[string]interface{}{
				"recipient": o.Recipient.Hex(),
				"paymentId": hexutil.Encode(o.PaymentID[:]),
			},
		},
	}
}

// Digest returns the EIP-712 digest keccak256(0x1901 || domainSeparator || hashStruct(message)).
func Digest(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}
