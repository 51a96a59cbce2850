// Package ledger defines the settlement ledger a facilitator submits
// transfers to, and the executor that drives a submission to finality.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// Instruction is one transfer to execute on the ledger. It carries the
// canonical authorization fields of its transfer method; fields that do not
// apply to the method are left zero.
type Instruction struct {
	// ID is the settlement attempt id, used for logging and correlation.
	ID      string
	Network string
	Method  x402.TransferMethod

	Token  common.Address
	From   common.Address
	To     common.Address // the payee; for permit2 this is the witness recipient
	Amount *big.Int

	// eip3009
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte

	// permit2
	Deadline  *big.Int
	PaymentID [32]byte

	Signature []byte
}

// TxStatus is the observed state of a submitted transfer.
type TxStatus int

const (
	// TxPending means the transfer is not yet final.
	TxPending TxStatus = iota
	// TxConfirmed means the transfer executed and is final.
	TxConfirmed
	// TxReverted means the transfer was included but did not execute.
	TxReverted
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Receipt is the result of a Status query.
type Receipt struct {
	TxID        string
	Status      TxStatus
	BlockNumber uint64
	Revert      *RevertError // set when Status is TxReverted
}

// Ledger is the external system of record that consumes nonces and moves funds.
type Ledger interface {
	// Submit hands the transfer to the ledger and returns its transaction id.
	// A rejection detected before submission is returned as *RevertError.
	// A non-empty id returned with an error means the transfer may have been
	// broadcast and its outcome must be observed through Status.
	Submit(ctx context.Context, instr *Instruction) (string, error)

	// Status reports the state of a submitted transfer.
	Status(ctx context.Context, txID string) (*Receipt, error)

	// NonceConsumed reports whether the ledger has already consumed the
	// instruction's nonce.
	NonceConsumed(ctx context.Context, instr *Instruction) (bool, error)
}

var (
	// ErrUnavailable means the ledger could not be reached. Retryable.
	ErrUnavailable = x402.NewPaymentError(x402.ReasonLedgerUnavailable, "ledger unavailable", nil)

	// ErrTimeout means the transfer did not reach finality in time. Retryable.
	ErrTimeout = x402.NewPaymentError(x402.ReasonLedgerTimeout, "ledger did not finalize in time", nil)

	// ErrRejected means the ledger refused the transfer. Terminal.
	ErrRejected = x402.NewPaymentError(x402.ReasonLedgerRejected, "ledger rejected the transfer", nil)

	// ErrNonceUsed means the ledger reports the nonce as already consumed.
	ErrNonceUsed = x402.NewPaymentError(x402.ReasonAlreadyUsed, "ledger reports nonce already consumed", nil)
)
