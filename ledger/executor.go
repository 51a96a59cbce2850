package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often Executor polls for finality.
const DefaultPollInterval = time.Second

// Result describes how far an Execute call got.
type Result struct {
	TxID string

	// Submitted is true once the ledger accepted the transfer for execution.
	// A submitted transfer may still consume the nonce after Execute returns.
	Submitted bool

	// Final is true when the transfer reached a final state.
	Final bool

	BlockNumber uint64
}

// Executor submits instructions to a Ledger and waits for finality.
type Executor struct {
	ledger       Ledger
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewExecutor creates an Executor. A zero pollInterval uses DefaultPollInterval.
func NewExecutor(l Ledger, pollInterval time.Duration, logger *slog.Logger) *Executor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ledger: l, pollInterval: pollInterval, logger: logger.With("component", "executor")}
}

// Ledger returns the ledger the executor drives.
func (e *Executor) Ledger() Ledger { return e.ledger }

// Execute submits instr and waits until it is final or ctx ends.
//
// The returned error is classified: ErrNonceUsed and ErrRejected (through
// *RevertError), ErrUnavailable, or ErrTimeout. On ErrTimeout with
// Result.Submitted set, the outcome is unknown and must be resolved with Wait.
func (e *Executor) Execute(ctx context.Context, instr *Instruction) (*Result, error) {
	txID, err := e.ledger.Submit(ctx, instr)
	switch {
	case err != nil && txID == "":
		return &Result{}, classify(ctx, err)
	case err != nil:
		e.logger.Warn("transfer submission outcome unknown",
			"id", instr.ID, "network", instr.Network, "tx", txID, "error", err)
	default:
		e.logger.Info("transfer submitted",
			"id", instr.ID, "network", instr.Network, "method", instr.Method, "tx", txID)
	}

	res, err := e.Wait(ctx, txID)
	res.Submitted = true
	return res, err
}

// Wait polls the ledger until txID is final or ctx ends.
func (e *Executor) Wait(ctx context.Context, txID string) (*Result, error) {
	res := &Result{TxID: txID, Submitted: true}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.ledger.Status(ctx, txID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return res, fmt.Errorf("%w: tx %s: %v", ErrTimeout, txID, ctx.Err())
			}
			e.logger.Warn("transfer status unavailable", "tx", txID, "error", err)
		case receipt.Status == TxConfirmed:
			res.Final = true
			res.BlockNumber = receipt.BlockNumber
			return res, nil
		case receipt.Status == TxReverted:
			res.Final = true
			res.BlockNumber = receipt.BlockNumber
			revert := receipt.Revert
			if revert == nil {
				revert = &RevertError{}
			}
			return res, revert
		}

		select {
		case <-ctx.Done():
			return res, fmt.Errorf("%w: tx %s: %v", ErrTimeout, txID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// classify maps a Submit error onto the ledger sentinels.
func classify(ctx context.Context, err error) error {
	var revert *RevertError
	switch {
	case errors.As(err, &revert):
		return err
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRejected), errors.Is(err, ErrNonceUsed):
		return err
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
