package evm

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// VerifyTypedData recovers the signer of td and checks it against the claimed
// signer. It is a pure function of its inputs.
func VerifyTypedData(td apitypes.TypedData, sig []byte, claimed common.Address) (common.Address, error) {
	digest, err := Digest(td)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return common.Address{}, err
	}

	if signer != claimed {
		return signer, fmt.Errorf("%w: recovered %s, claimed %s", ErrInvalidSignature, signer.Hex(), claimed.Hex())
	}
	return signer, nil
}

// VerifyAuthorization checks that auth was signed by auth.From under d.
func VerifyAuthorization(d Domain, auth *TransferAuthorization, sig []byte) (common.Address, error) {
	return VerifyTypedData(auth.TypedData(d), sig, auth.From)
}

// VerifyWitnessTransfer checks that order was signed by order.Owner under d
// for the given spender.
func VerifyWitnessTransfer(d Domain, spender common.Address, order *WitnessTransfer, sig []byte) (common.Address, error) {
	return VerifyTypedData(order.TypedData(d, spender), sig, order.Owner)
}

// SignAuthorization signs an EIP-3009 authorization under d.
func SignAuthorization(key *ecdsa.PrivateKey, d Domain, auth *TransferAuthorization) ([]byte, error) {
	return SignTypedData(key, auth.TypedData(d))
}

// SignWitnessTransfer signs a Permit2 witness transfer under d for spender.
func SignWitnessTransfer(key *ecdsa.PrivateKey, d Domain, spender common.Address, order *WitnessTransfer) ([]byte, error) {
	return SignTypedData(key, order.TypedData(d, spender))
}
