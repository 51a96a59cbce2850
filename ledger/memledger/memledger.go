// Package memledger is an in-memory Ledger that enforces the same rules as
// the on-chain EIP-3009 token and Permit2 settlement contracts. It backs the
// "memory" ledger option and the facilitator's tests.
package memledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/becomeliminal/x402-facilitator"
	"github.com/becomeliminal/x402-facilitator/evm"
	"github.com/becomeliminal/x402-facilitator/ledger"
)

// Revert reasons, matching the deployed contracts.
const (
	RevertAuthorizationUsed     = "FiatTokenV2: authorization is used or canceled"
	RevertAuthorizationNotValid = "FiatTokenV2: authorization is not yet valid"
	RevertAuthorizationExpired  = "FiatTokenV2: authorization is expired"
	RevertInvalidSignature      = "FiatTokenV2: invalid signature"
	RevertInsufficientBalance   = "ERC20: transfer amount exceeds balance"
	RevertInvalidNonce          = "InvalidNonce()"
	RevertSignatureExpired      = "SignatureExpired(uint256)"
	RevertInvalidSigner         = "InvalidSigner()"
	RevertUnknownToken          = "unknown token"
)

type token struct {
	name     string
	version  string
	balances map[common.Address]*big.Int
	used     map[authKey]bool
}

type authKey struct {
	from  common.Address
	nonce [32]byte
}

type bitmapKey struct {
	owner common.Address
	word  string
}

type tx struct {
	instr   *ledger.Instruction
	polls   int
	receipt *ledger.Receipt
}

// Ledger is an in-memory ledger for one chain.
type Ledger struct {
	mu sync.Mutex

	chainID    *big.Int
	permit2    common.Address
	settlement common.Address

	tokens  map[common.Address]*token
	bitmaps map[bitmapKey]*big.Int
	txs     map[string]*tx

	confirmAfter int
	unavailable  bool
	submissions  int
	block        uint64
	now          func() time.Time
}

var _ ledger.Ledger = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithConfirmAfter sets how many Status polls a transfer stays pending.
// A negative value keeps transfers pending until Mine is called.
func WithConfirmAfter(polls int) Option {
	return func(l *Ledger) { l.confirmAfter = polls }
}

// WithContracts sets the Permit2 and settlement contract addresses.
func WithContracts(permit2, settlement common.Address) Option {
	return func(l *Ledger) {
		l.permit2 = permit2
		l.settlement = settlement
	}
}

// New creates an empty ledger for chainID.
func New(chainID *big.Int, opts ...Option) *Ledger {
	l := &Ledger{
		chainID: chainID,
		permit2: evm.CanonicalPermit2,
		tokens:  make(map[common.Address]*token),
		bitmaps: make(map[bitmapKey]*big.Int),
		txs:     make(map[string]*tx),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddToken registers an EIP-3009 token with its EIP-712 name and version.
func (l *Ledger) AddToken(addr common.Address, name, version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[addr] = &token{
		name:     name,
		version:  version,
		balances: make(map[common.Address]*big.Int),
		used:     make(map[authKey]bool),
	}
}

// Mint credits amount of tok to holder.
func (l *Ledger) Mint(tok, holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[tok]
	if !ok {
		return
	}
	t.balances[holder] = new(big.Int).Add(t.balance(holder), amount)
}

// BalanceOf returns holder's balance of tok.
func (l *Ledger) BalanceOf(tok, holder common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[tok]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(t.balance(holder))
}

// SetUnavailable makes every call fail as a transport error.
func (l *Ledger) SetUnavailable(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = down
}

// Submissions returns how many transfers were accepted by Submit.
func (l *Ledger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions
}

// Mine finalizes every pending transfer.
func (l *Ledger) Mine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.txs {
		if t.receipt.Status == ledger.TxPending {
			l.mine(t)
		}
	}
}

// Submit implements ledger.Ledger. Rules are checked at submission, like a
// gas estimate, and again when the transfer is mined.
func (l *Ledger) Submit(_ context.Context, instr *ledger.Instruction) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unavailable {
		return "", fmt.Errorf("%w: memledger is down", ledger.ErrUnavailable)
	}
	if revert := l.check(instr); revert != nil {
		return "", revert
	}

	l.submissions++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(l.submissions))
	id := hexutil.Encode(crypto.Keccak256(l.chainID.Bytes(), seq[:]))

	t := &tx{instr: instr, receipt: &ledger.Receipt{TxID: id, Status: ledger.TxPending}}
	l.txs[id] = t
	if l.confirmAfter == 0 {
		l.mine(t)
	}
	return id, nil
}

// Status implements ledger.Ledger.
func (l *Ledger) Status(_ context.Context, txID string) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unavailable {
		return nil, fmt.Errorf("%w: memledger is down", ledger.ErrUnavailable)
	}
	t, ok := l.txs[txID]
	if !ok {
		return nil, fmt.Errorf("memledger: unknown transaction %s", txID)
	}
	if t.receipt.Status == ledger.TxPending {
		t.polls++
		if l.confirmAfter >= 0 && t.polls >= l.confirmAfter {
			l.mine(t)
		}
	}
	r := *t.receipt
	return &r, nil
}

// NonceConsumed implements ledger.Ledger.
func (l *Ledger) NonceConsumed(_ context.Context, instr *ledger.Instruction) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unavailable {
		return false, fmt.Errorf("%w: memledger is down", ledger.ErrUnavailable)
	}
	return l.consumed(instr), nil
}

func (l *Ledger) consumed(instr *ledger.Instruction) bool {
	switch instr.Method {
	case x402.TransferMethodPermit2:
		word, bit := evm.NonceBitmapPosition(new(big.Int).SetBytes(instr.Nonce[:]))
		bm, ok := l.bitmaps[bitmapKey{owner: instr.From, word: word.String()}]
		return ok && bm.Bit(int(bit)) == 1
	default:
		t, ok := l.tokens[instr.Token]
		return ok && t.used[authKey{from: instr.From, nonce: instr.Nonce}]
	}
}

func (l *Ledger) mine(t *tx) {
	l.block++
	t.receipt.BlockNumber = l.block
	if revert := l.check(t.instr); revert != nil {
		t.receipt.Status = ledger.TxReverted
		t.receipt.Revert = revert
		return
	}
	l.apply(t.instr)
	t.receipt.Status = ledger.TxConfirmed
}

// check applies the contract's rules and returns the revert it would raise.
func (l *Ledger) check(instr *ledger.Instruction) *ledger.RevertError {
	tok, ok := l.tokens[instr.Token]
	if !ok {
		return &ledger.RevertError{Reason: RevertUnknownToken}
	}
	now := big.NewInt(l.now().Unix())

	switch instr.Method {
	case x402.TransferMethodPermit2:
		if l.consumed(instr) {
			return &ledger.RevertError{Reason: RevertInvalidNonce}
		}
		if instr.Deadline == nil || now.Cmp(instr.Deadline) > 0 {
			return &ledger.RevertError{Reason: RevertSignatureExpired}
		}
		order := &evm.WitnessTransfer{
			Token:     instr.Token,
			Amount:    instr.Amount,
			Nonce:     new(big.Int).SetBytes(instr.Nonce[:]),
			Deadline:  instr.Deadline,
			Owner:     instr.From,
			Recipient: instr.To,
			PaymentID: instr.PaymentID,
		}
		if _, err := evm.VerifyWitnessTransfer(evm.Permit2Domain(l.chainID, l.permit2), l.settlement, order, instr.Signature); err != nil {
			return &ledger.RevertError{Reason: RevertInvalidSigner}
		}
	default:
		if l.consumed(instr) {
			return &ledger.RevertError{Reason: RevertAuthorizationUsed}
		}
		if instr.ValidAfter == nil || now.Cmp(instr.ValidAfter) <= 0 {
			return &ledger.RevertError{Reason: RevertAuthorizationNotValid}
		}
		if instr.ValidBefore == nil || now.Cmp(instr.ValidBefore) >= 0 {
			return &ledger.RevertError{Reason: RevertAuthorizationExpired}
		}
		auth := &evm.TransferAuthorization{
			From:        instr.From,
			To:          instr.To,
			Value:       instr.Amount,
			ValidAfter:  instr.ValidAfter,
			ValidBefore: instr.ValidBefore,
			Nonce:       instr.Nonce,
		}
		if _, err := evm.VerifyAuthorization(evm.TokenDomain(l.chainID, instr.Token, tok.name, tok.version), auth, instr.Signature); err != nil {
			return &ledger.RevertError{Reason: RevertInvalidSignature}
		}
	}

	if tok.balance(instr.From).Cmp(instr.Amount) < 0 {
		return &ledger.RevertError{Reason: RevertInsufficientBalance}
	}
	return nil
}

func (l *Ledger) apply(instr *ledger.Instruction) {
	tok := l.tokens[instr.Token]
	tok.balances[instr.From] = new(big.Int).Sub(tok.balance(instr.From), instr.Amount)
	tok.balances[instr.To] = new(big.Int).Add(tok.balance(instr.To), instr.Amount)

	if instr.Method == x402.TransferMethodPermit2 {
		word, bit := evm.NonceBitmapPosition(new(big.Int).SetBytes(instr.Nonce[:]))
		key := bitmapKey{owner: instr.From, word: word.String()}
		bm, ok := l.bitmaps[key]
		if !ok {
			bm = new(big.Int)
		}
		l.bitmaps[key] = new(big.Int).SetBit(bm, int(bit), 1)
		return
	}
	tok.used[authKey{from: instr.From, nonce: instr.Nonce}] = true
}

func (t *token) balance(holder common.Address) *big.Int {
	if b, ok := t.balances[holder]; ok {
		return b
	}
	return new(big.Int)
}
