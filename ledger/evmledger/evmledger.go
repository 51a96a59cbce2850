// Package evmledger settles transfers on an EVM chain through JSON-RPC.
package evmledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	x402 "github.com/becomeliminal/x402-facilitator"
	"github.com/becomeliminal/x402-facilitator/evm"
	"github.com/becomeliminal/x402-facilitator/ledger"
)

// Backend is the subset of *ethclient.Client the ledger needs.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Ledger submits transfers from a facilitator-owned account.
type Ledger struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	permit2    common.Address
	settlement common.Address

	confirmations uint64
	gasMargin     uint64 // percent added to the gas estimate
	logger        *slog.Logger

	mu        sync.Mutex
	nextNonce uint64
	calls     map[common.Hash]ethereum.CallMsg
}

var _ ledger.Ledger = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithConfirmations sets the number of blocks, including the inclusion block,
// a transfer must be buried under before it is reported final.
func WithConfirmations(n uint64) Option {
	return func(l *Ledger) { l.confirmations = n }
}

// WithContracts sets the Permit2 and settlement contract addresses.
func WithContracts(permit2, settlement common.Address) Option {
	return func(l *Ledger) {
		l.permit2 = permit2
		l.settlement = settlement
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger that signs with key on chainID.
func New(backend Backend, chainID *big.Int, key *ecdsa.PrivateKey, opts ...Option) *Ledger {
	l := &Ledger{
		backend:       backend,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		permit2:       evm.CanonicalPermit2,
		confirmations: 1,
		gasMargin:     20,
		logger:        slog.Default(),
		calls:         make(map[common.Hash]ethereum.CallMsg),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "evmledger", "chain_id", chainID.String())
	return l
}

// Address returns the account that submits and pays for transfers.
func (l *Ledger) Address() common.Address { return l.from }

// Submit implements ledger.Ledger.
func (l *Ledger) Submit(ctx context.Context, instr *ledger.Instruction) (string, error) {
	msg, err := l.callMsg(instr)
	if err != nil {
		return "", err
	}

	gas, err := l.backend.EstimateGas(ctx, msg)
	if err != nil {
		if revert := revertFromError(err); revert != nil {
			return "", revert
		}
		return "", fmt.Errorf("%w: estimate gas: %v", ledger.ErrUnavailable, err)
	}
	msg.Gas = gas + gas*l.gasMargin/100

	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: suggest gas tip: %v", ledger.ErrUnavailable, err)
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: latest header: %v", ledger.ErrUnavailable, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return "", fmt.Errorf("%w: pending nonce: %v", ledger.ErrUnavailable, err)
	}
	if l.nextNonce > nonce {
		nonce = l.nextNonce
	}

	tx, err := types.SignNewTx(l.key, types.LatestSignerForChainID(l.chainID), &types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       msg.Gas,
		To:        msg.To,
		Data:      msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := l.backend.SendTransaction(ctx, tx); err != nil {
		if ctx.Err() != nil {
			// The node may have accepted it before the deadline.
			l.track(tx, nonce, msg)
			return tx.Hash().Hex(), fmt.Errorf("%w: send transaction: %v", ledger.ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: send transaction: %v", ledger.ErrUnavailable, err)
	}

	l.track(tx, nonce, msg)
	l.logger.Debug("transaction sent", "id", instr.ID, "tx", tx.Hash().Hex(), "nonce", nonce, "gas", msg.Gas)
	return tx.Hash().Hex(), nil
}

func (l *Ledger) track(tx *types.Transaction, nonce uint64, msg ethereum.CallMsg) {
	l.nextNonce = nonce + 1
	l.calls[tx.Hash()] = msg
}

// Status implements ledger.Ledger.
func (l *Ledger) Status(ctx context.Context, txID string) (*ledger.Receipt, error) {
	hash := common.HexToHash(txID)

	receipt, err := l.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &ledger.Receipt{TxID: txID, Status: ledger.TxPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: transaction receipt: %v", ledger.ErrUnavailable, err)
	}

	block := receipt.BlockNumber.Uint64()
	if l.confirmations > 1 {
		head, err := l.backend.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: block number: %v", ledger.ErrUnavailable, err)
		}
		if head+1 < block+l.confirmations {
			return &ledger.Receipt{TxID: txID, Status: ledger.TxPending, BlockNumber: block}, nil
		}
	}

	l.mu.Lock()
	msg, known := l.calls[hash]
	delete(l.calls, hash)
	l.mu.Unlock()

	if receipt.Status == types.ReceiptStatusSuccessful {
		return &ledger.Receipt{TxID: txID, Status: ledger.TxConfirmed, BlockNumber: block}, nil
	}

	revert := &ledger.RevertError{}
	if known {
		revert = l.replay(ctx, msg, receipt.BlockNumber)
	}
	return &ledger.Receipt{TxID: txID, Status: ledger.TxReverted, BlockNumber: block, Revert: revert}, nil
}

// replay re-executes a failed call against the parent block to recover its revert reason.
func (l *Ledger) replay(ctx context.Context, msg ethereum.CallMsg, block *big.Int) *ledger.RevertError {
	parent := new(big.Int).Sub(block, big.NewInt(1))
	_, err := l.backend.CallContract(ctx, msg, parent)
	if revert := revertFromError(err); revert != nil {
		return revert
	}
	return &ledger.RevertError{}
}

// NonceConsumed implements ledger.Ledger.
func (l *Ledger) NonceConsumed(ctx context.Context, instr *ledger.Instruction) (bool, error) {
	switch instr.Method {
	case x402.TransferMethodPermit2:
		word, bit := evm.NonceBitmapPosition(new(big.Int).SetBytes(instr.Nonce[:]))
		data, err := permit2ABI.Pack("nonceBitmap", instr.From, word)
		if err != nil {
			return false, err
		}
		out, err := l.call(ctx, l.permit2, data)
		if err != nil {
			return false, err
		}
		vals, err := permit2ABI.Unpack("nonceBitmap", out)
		if err != nil {
			return false, fmt.Errorf("decode nonceBitmap: %w", err)
		}
		bitmap, ok := vals[0].(*big.Int)
		if !ok {
			return false, fmt.Errorf("decode nonceBitmap: unexpected %T", vals[0])
		}
		return bitmap.Bit(int(bit)) == 1, nil

	case x402.TransferMethodEIP3009:
		data, err := tokenABI.Pack("authorizationState", instr.From, instr.Nonce)
		if err != nil {
			return false, err
		}
		out, err := l.call(ctx, instr.Token, data)
		if err != nil {
			return false, err
		}
		vals, err := tokenABI.Unpack("authorizationState", out)
		if err != nil {
			return false, fmt.Errorf("decode authorizationState: %w", err)
		}
		used, ok := vals[0].(bool)
		if !ok {
			return false, fmt.Errorf("decode authorizationState: unexpected %T", vals[0])
		}
		return used, nil

	default:
		return false, fmt.Errorf("evmledger: unsupported transfer method %q", instr.Method)
	}
}

func (l *Ledger) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", ledger.ErrUnavailable, to.Hex(), err)
	}
	return out, nil
}

// callMsg encodes the contract call that executes instr.
func (l *Ledger) callMsg(instr *ledger.Instruction) (ethereum.CallMsg, error) {
	var (
		to   common.Address
		data []byte
		err  error
	)
	switch instr.Method {
	case x402.TransferMethodEIP3009:
		to = instr.Token
		data, err = tokenABI.Pack("transferWithAuthorization",
			instr.From, instr.To, instr.Amount, instr.ValidAfter, instr.ValidBefore, instr.Nonce, instr.Signature)
	case x402.TransferMethodPermit2:
		if l.settlement == (common.Address{}) {
			return ethereum.CallMsg{}, fmt.Errorf("evmledger: no settlement contract configured for permit2")
		}
		to = l.settlement
		data, err = settlementABI.Pack("settle",
			instr.Token, instr.Amount, new(big.Int).SetBytes(instr.Nonce[:]), instr.Deadline,
			instr.From, instr.To, instr.PaymentID, instr.Signature)
	default:
		return ethereum.CallMsg{}, fmt.Errorf("evmledger: unsupported transfer method %q", instr.Method)
	}
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("encode %s call: %w", instr.Method, err)
	}
	return ethereum.CallMsg{From: l.from, To: &to, Data: data}, nil
}

// revertFromError extracts revert data carried by a JSON-RPC error.
func revertFromError(err error) *ledger.RevertError {
	var dataErr rpc.DataError
	if err == nil || !errors.As(err, &dataErr) {
		return nil
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		raw, decodeErr := hexutil.Decode(data)
		if decodeErr != nil {
			return &ledger.RevertError{Reason: data}
		}
		return ledger.DecodeRevert(raw)
	case []byte:
		return ledger.DecodeRevert(data)
	default:
		return &ledger.RevertError{Reason: dataErr.Error()}
	}
}
