// Package replay tracks authorization nonces so that each signed payment
// settles at most once per facilitator.
//
// A nonce moves through two phases. Reserve marks it pending for a single
// settlement attempt; Commit marks it used once the ledger has accepted the
// transfer; Release returns it to unused when the attempt failed before the
// ledger consumed it. Used nonces never become usable again.
package replay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// Kind is the layout of the nonce space a key lives in.
type Kind uint8

const (
	// KindSparse is an arbitrary 32-byte nonce, as used by EIP-3009.
	KindSparse Kind = iota + 1

	// KindBitmap is a 256-bit nonce addressed as (word, bit), as used by
	// Permit2's unordered nonce bitmap.
	KindBitmap
)

func (k Kind) String() string {
	switch k {
	case KindSparse:
		return "sparse"
	case KindBitmap:
		return "bitmap"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies one nonce. Scope names the nonce space (for example
// network, contract and owner) so that equal nonces in different spaces
// do not collide.
type Key struct {
	Kind  Kind
	Scope string
	Nonce [32]byte
}

// Word returns the bitmap word index bytes of a KindBitmap key.
func (k Key) Word() [31]byte {
	var w [31]byte
	copy(w[:], k.Nonce[:31])
	return w
}

// Bit returns the bit position of a KindBitmap key inside its word.
func (k Key) Bit() uint8 {
	return k.Nonce[31]
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/0x%s", k.Kind, k.Scope, hex.EncodeToString(k.Nonce[:]))
}

var (
	// ErrAlreadyReserved is returned by Reserve when another attempt holds the nonce.
	ErrAlreadyReserved = x402.NewPaymentError(x402.ReasonAlreadyReserved, "nonce is held by an in-flight settlement", nil)

	// ErrAlreadyUsed is returned by Reserve when the nonce has been committed.
	ErrAlreadyUsed = x402.NewPaymentError(x402.ReasonAlreadyUsed, "nonce has already been used", nil)

	// ErrNotReserved is returned by Release when the caller does not hold the reservation.
	ErrNotReserved = errors.New("replay: nonce is not reserved by this owner")

	// ErrInvalidKey is returned for keys with an unknown kind.
	ErrInvalidKey = errors.New("replay: invalid key")
)

// Guard is the replay state shared by every settlement attempt of a facilitator.
// Implementations must make Reserve atomic: of any number of concurrent
// Reserve calls for the same key, at most one succeeds.
type Guard interface {
	// Reserve marks key pending for owner. It fails with ErrAlreadyUsed or
	// ErrAlreadyReserved.
	Reserve(ctx context.Context, key Key, owner string) error

	// Commit marks key used. It succeeds even when owner's reservation has
	// lapsed, since the ledger has consumed the nonce either way.
	Commit(ctx context.Context, key Key, owner string) error

	// Release drops owner's reservation, leaving key unused.
	Release(ctx context.Context, key Key, owner string) error
}

func validate(key Key) error {
	if key.Kind != KindSparse && key.Kind != KindBitmap {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key.Kind)
	}
	return nil
}
