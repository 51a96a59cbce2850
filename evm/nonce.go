package evm

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// GenerateNonce returns a random 32-byte EIP-3009 nonce.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// GeneratePermit2Nonce returns a random 256-bit Permit2 nonce.
func GeneratePermit2Nonce() (*big.Int, error) {
	b, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b[:]), nil
}

// NonceBitmapPosition splits a Permit2 nonce into its bitmap word index and
// the bit offset inside that 256-bit word.
func NonceBitmapPosition(nonce *big.Int) (word *big.Int, bit uint8) {
	word = new(big.Int).Rsh(nonce, 8)
	bit = uint8(new(big.Int).And(nonce, big.NewInt(0xff)).Uint64())
	return word, bit
}

// NewTransferAuthorization builds an authorization valid from ten seconds ago
// until timeout from now.
func NewTransferAuthorization(from, to common.Address, value *big.Int, timeout time.Duration) (*TransferAuthorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	return &TransferAuthorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now - 10),
		ValidBefore: big.NewInt(now + int64(timeout.Seconds())),
		Nonce:       nonce,
	}, nil
}
