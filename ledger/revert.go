package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RevertError is a transfer the ledger refused, with its decoded reason.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// Unwrap classifies the revert as ErrNonceUsed or ErrRejected.
func (e *RevertError) Unwrap() error {
	if e.NonceUsed() {
		return ErrNonceUsed
	}
	return ErrRejected
}

// NonceUsed reports whether the revert means the nonce was already consumed.
func (e *RevertError) NonceUsed() bool {
	r := strings.ToLower(e.Reason)
	return strings.Contains(r, "authorization is used") ||
		strings.Contains(r, "nonce already used") ||
		e.Reason == "InvalidNonce()"
}

// customErrors are the Permit2 and settlement contract custom errors we decode.
var customErrors = func() map[[4]byte]string {
	m := make(map[[4]byte]string)
	for _, sig := range []string{
		"InvalidNonce()",
		"SignatureExpired(uint256)",
		"InvalidSigner()",
		"InvalidSignature()",
		"InvalidSignatureLength()",
		"InvalidAmount(uint256)",
		"InvalidContractSignature()",
		"LengthMismatch()",
	} {
		var sel [4]byte
		copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
		m[sel] = sig
	}
	return m
}()

// DecodeRevert turns raw revert data into a RevertError. It understands
// Error(string), Panic(uint256) and the known custom errors; anything else
// keeps its raw selector as the reason.
func DecodeRevert(data []byte) *RevertError {
	if len(data) == 0 {
		return &RevertError{}
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return &RevertError{Reason: reason, Data: data}
	}
	if len(data) >= 4 {
		var sel [4]byte
		copy(sel[:], data[:4])
		if name, ok := customErrors[sel]; ok {
			return &RevertError{Reason: name, Data: data}
		}
		return &RevertError{Reason: fmt.Sprintf("custom error %s", hexutil.Encode(sel[:])), Data: data}
	}
	return &RevertError{Reason: "malformed revert data " + hexutil.Encode(data), Data: data}
}
