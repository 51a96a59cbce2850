package evm

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SignatureLength is the length of an r || s || v secp256k1 signature.
const SignatureLength = 65

var (
	// ErrMalformedSignature indicates a signature of the wrong length or recovery id.
	ErrMalformedSignature = errors.New("evm: malformed signature")

	// ErrInvalidSignature indicates a signature that does not recover to the claimed signer.
	ErrInvalidSignature = errors.New("evm: invalid signature")
)

// RecoverSigner recovers the address that produced sig over digest.
// It rejects wrong-length signatures, unknown recovery ids, high-s values
// and signatures that recover to the zero address.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("%w: digest must be 32 bytes, got %d", ErrMalformedSignature, len(digest))
	}
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	v := normalized[64]
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, sig[64])
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: signature values out of range", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	addr := crypto.PubkeyToAddress(*pub)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: recovered zero address", ErrInvalidSignature)
	}
	return addr, nil
}

// SignTypedData signs td with key and returns a 65-byte signature with v in {27, 28}.
func SignTypedData(key *ecdsa.PrivateKey, td apitypes.TypedData) ([]byte, error) {
	digest, err := Digest(td)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
