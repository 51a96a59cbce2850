// Package facilitator verifies and settles x402 "exact" payments.
//
// Verify is read-only and safe to call concurrently. Settle re-verifies the
// payment, reserves its nonce in a replay.Guard, executes the transfer on the
// network's ledger and then commits or releases the reservation. A nonce has
// at most one settlement in flight per guard.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	x402 "github.com/becomeliminal/x402-facilitator"
	"github.com/becomeliminal/x402-facilitator/evm"
	"github.com/becomeliminal/x402-facilitator/ledger"
	"github.com/becomeliminal/x402-facilitator/replay"
)

// Defaults for Settle.
const (
	DefaultSettleTimeout    = 60 * time.Second
	DefaultReconcileTimeout = 2 * time.Minute

	// guardTimeout bounds a commit or release issued after the caller has gone.
	guardTimeout = 5 * time.Second
)

// Network configures one chain the facilitator settles on.
type Network struct {
	// ID is the CAIP-2 identifier, e.g. "eip155:8453".
	ID     string
	Ledger ledger.Ledger

	// Permit2 defaults to evm.CanonicalPermit2.
	Permit2 common.Address
	// SettlementContract executes Permit2 witness transfers. Without it the
	// network only supports eip3009.
	SettlementContract common.Address

	// Signers are the addresses that submit transfers, reported by Supported.
	Signers []string

	// Methods restricts the transfer methods offered on this network.
	// Empty means every method the network can settle.
	Methods []x402.TransferMethod
}

// Facilitator is the verification and settlement engine.
type Facilitator struct {
	networks  map[string]*network
	guard     replay.Guard
	validator *validator

	logger  *slog.Logger
	now     func() time.Time
	hooks   Hooks
	metrics *metrics
	tracer  trace.Tracer

	settleTimeout    time.Duration
	pollInterval     time.Duration
	reconcileTimeout time.Duration
	meter            metric.Meter

	// background resolves reservations whose transfer outlived the caller.
	background context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

var _ x402.Facilitator = (*Facilitator)(nil)

// Option configures a Facilitator.
type Option func(*Facilitator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facilitator) { f.logger = logger }
}

// WithClock sets the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) { f.now = now }
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(f *Facilitator) { f.hooks = h }
}

// WithMeter sets the OpenTelemetry meter. The global meter provider is used by default.
func WithMeter(m metric.Meter) Option {
	return func(f *Facilitator) { f.meter = m }
}

// WithSettleTimeout bounds one ledger submission plus finality wait. A
// requirement's maxTimeoutSeconds lowers it further.
func WithSettleTimeout(d time.Duration) Option {
	return func(f *Facilitator) { f.settleTimeout = d }
}

// WithPollInterval sets how often finality is polled.
func WithPollInterval(d time.Duration) Option {
	return func(f *Facilitator) { f.pollInterval = d }
}

// WithReconcileTimeout bounds how long a transfer that outlived its Settle
// call is watched before its outcome is given up on.
func WithReconcileTimeout(d time.Duration) Option {
	return func(f *Facilitator) { f.reconcileTimeout = d }
}

// New creates a Facilitator for networks sharing guard.
func New(networks []Network, guard replay.Guard, opts ...Option) (*Facilitator, error) {
	if guard == nil {
		return nil, errors.New("facilitator: replay guard is required")
	}

	f := &Facilitator{
		networks:         make(map[string]*network, len(networks)),
		guard:            guard,
		logger:           slog.Default(),
		now:              time.Now,
		settleTimeout:    DefaultSettleTimeout,
		pollInterval:     ledger.DefaultPollInterval,
		reconcileTimeout: DefaultReconcileTimeout,
		tracer:           otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "facilitator")
	f.validator = newValidator(f.now)

	m, err := newMetrics(f.meter)
	if err != nil {
		return nil, fmt.Errorf("facilitator: metrics: %w", err)
	}
	f.metrics = m

	for _, cfg := range networks {
		n, err := f.newNetwork(cfg)
		if err != nil {
			return nil, err
		}
		if _, dup := f.networks[n.id]; dup {
			return nil, fmt.Errorf("facilitator: network %s configured twice", n.id)
		}
		f.networks[n.id] = n
	}

	f.background, f.stop = context.WithCancel(context.Background())
	return f, nil
}

func (f *Facilitator) newNetwork(cfg Network) (*network, error) {
	id := x402.NormalizeNetwork(cfg.ID)
	chainID, err := x402.ChainID(id)
	if err != nil {
		return nil, fmt.Errorf("facilitator: %w", err)
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("facilitator: network %s has no ledger", id)
	}

	n := &network{
		id:         id,
		chainID:    chainID,
		permit2:    cfg.Permit2,
		settlement: cfg.SettlementContract,
		executor:   ledger.NewExecutor(cfg.Ledger, f.pollInterval, f.logger.With("network", id)),
		signers:    cfg.Signers,
		methods:    cfg.Methods,
	}
	if n.permit2 == (common.Address{}) {
		n.permit2 = evm.CanonicalPermit2
	}
	if len(n.methods) == 0 {
		for _, m := range supportedMethods() {
			if m == x402.TransferMethodPermit2 && n.settlement == (common.Address{}) {
				continue
			}
			n.methods = append(n.methods, m)
		}
	}
	for _, m := range n.methods {
		if _, ok := transferSchemes[m]; !ok {
			return nil, fmt.Errorf("facilitator: network %s: unknown transfer method %q", id, m)
		}
	}
	return n, nil
}

// verified is the outcome of a successful verification.
type verified struct {
	network *network
	auth    *authorization
}

// Verify implements x402.Facilitator. Failures are reported in the response,
// never as an error.
func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	ctx, span := f.tracer.Start(ctx, "x402.verify")
	defer span.End()

	hc := HookContext{AttemptID: uuid.NewString(), Payload: payload, Requirements: req}
	f.runHook(ctx, "BeforeVerification", f.hooks.BeforeVerification, hc)

	start := time.Now()
	resp, _ := f.verify(payload, req)
	hc.Verify = resp
	hc.Duration = time.Since(start)

	network := ""
	if req != nil {
		network = req.Network
	}
	f.metrics.recordVerify(ctx, network, resp)
	span.SetAttributes(attribute.Bool("x402.valid", resp.IsValid), attribute.String("x402.reason", string(resp.InvalidReason)))

	if resp.IsValid {
		f.runHook(ctx, "AfterVerification", f.hooks.AfterVerification, hc)
	} else {
		f.logger.Debug("payment invalid", "network", network, "payer", resp.Payer, "reason", resp.InvalidReason)
		f.runHook(ctx, "OnVerificationFailure", f.hooks.OnVerificationFailure, hc)
	}
	return resp, nil
}

func (f *Facilitator) verify(payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, *verified) {
	invalid := func(err error, payer string) (*x402.VerifyResponse, *verified) {
		return &x402.VerifyResponse{InvalidReason: x402.ReasonOf(err, x402.ReasonMalformedPayload), Payer: payer}, nil
	}

	if payload == nil || req == nil || len(payload.Payload) == 0 {
		return invalid(malformed("payload and requirements are required", nil), "")
	}
	if req.Scheme != x402.SchemeExact {
		return invalid(x402.NewPaymentError(x402.ReasonUnsupportedScheme, "unsupported scheme "+req.Scheme, nil), "")
	}
	n, ok := f.networks[x402.NormalizeNetwork(req.Network)]
	if !ok {
		return invalid(x402.NewPaymentError(x402.ReasonUnsupportedNetwork, "unsupported network "+req.Network, nil), "")
	}
	method := req.TransferMethod()
	ts, ok := transferSchemes[method]
	if !ok || !n.supports(method) {
		return invalid(x402.NewPaymentError(x402.ReasonUnsupportedTransferMethod, "unsupported transfer method "+string(method), nil), "")
	}

	// The signing domain is chosen by the network, so a payload signed for
	// another scheme or network is reported as such rather than as a bad signature.
	if err := f.validator.checkKind(&payload.Accepted, req); err != nil {
		return invalid(err, "")
	}

	shape, err := evm.DetectTransferMethod(payload.Payload)
	if err != nil {
		return invalid(malformed("unrecognized payload", err), "")
	}
	if shape != method {
		return invalid(malformed(fmt.Sprintf("payload is %s but requirements declare %s", shape, method), nil), "")
	}

	auth, err := ts.decode(n, req, payload.Payload)
	payer := ""
	if auth != nil {
		payer = auth.payer.Hex()
		auth.key.Kind = ts.replayKind
	}
	if err != nil {
		return invalid(err, payer)
	}

	if err := f.validator.validate(&payload.Accepted, req, auth); err != nil {
		return invalid(err, payer)
	}
	return &x402.VerifyResponse{IsValid: true, Payer: payer}, &verified{network: n, auth: auth}
}

// Settle implements x402.Facilitator. Failures are reported in the response,
// never as an error.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	ctx, span := f.tracer.Start(ctx, "x402.settle")
	defer span.End()

	hc := HookContext{AttemptID: uuid.NewString(), Payload: payload, Requirements: req}
	f.runHook(ctx, "BeforeSettlement", f.hooks.BeforeSettlement, hc)

	start := time.Now()
	resp, method := f.settle(ctx, hc.AttemptID, payload, req)
	hc.Settle = resp
	hc.Duration = time.Since(start)

	f.metrics.recordSettle(ctx, method, resp, hc.Duration)
	span.SetAttributes(
		attribute.String("x402.attempt", hc.AttemptID),
		attribute.Bool("x402.success", resp.Success),
		attribute.String("x402.reason", string(resp.ErrorReason)),
		attribute.String("x402.tx", resp.Transaction),
	)

	if resp.Success {
		f.runHook(ctx, "AfterSettlement", f.hooks.AfterSettlement, hc)
	} else {
		span.SetStatus(codes.Error, string(resp.ErrorReason))
		f.runHook(ctx, "OnSettlementFailure", f.hooks.OnSettlementFailure, hc)
	}
	return resp, nil
}

func (f *Facilitator) settle(ctx context.Context, id string, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, x402.TransferMethod) {
	vr, v := f.verify(payload, req)
	resp := &x402.SettleResponse{Payer: vr.Payer}
	if req != nil {
		resp.Network = req.Network
	}
	if !vr.IsValid {
		resp.ErrorReason = vr.InvalidReason
		return resp, ""
	}

	n, a := v.network, v.auth
	a.instr.ID = id
	logger := f.logger.With("attempt", id, "network", n.id, "method", a.method, "payer", vr.Payer, "nonce", a.key.String())

	fail := func(reason x402.Reason, err error) (*x402.SettleResponse, x402.TransferMethod) {
		resp.ErrorReason = reason
		logger.Warn("settlement failed", "reason", reason, "tx", resp.Transaction, "error", err)
		return resp, a.method
	}

	if err := f.guard.Reserve(ctx, a.key, id); err != nil {
		return fail(x402.ReasonOf(err, x402.ReasonLedgerUnavailable), err)
	}
	f.metrics.settleInflight.Add(ctx, 1)
	defer f.metrics.settleInflight.Add(context.WithoutCancel(ctx), -1)

	// The ledger is the system of record: a nonce it has consumed is used
	// whatever the local guard remembers.
	consumed, err := n.executor.Ledger().NonceConsumed(ctx, a.instr)
	if err != nil {
		f.release(ctx, logger, a.key, id)
		return fail(x402.ReasonOf(err, x402.ReasonLedgerUnavailable), err)
	}
	if consumed {
		f.commit(ctx, logger, a.key, id)
		return fail(x402.ReasonAlreadyUsed, nil)
	}

	timeout := f.settleTimeout
	if mt := req.MaxTimeout(); mt > 0 && mt < timeout {
		timeout = mt
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := n.executor.Execute(execCtx, a.instr)
	resp.Transaction = res.TxID

	switch {
	case err == nil:
		f.commit(ctx, logger, a.key, id)
		resp.Success = true
		logger.Info("payment settled", "tx", res.TxID, "block", res.BlockNumber)
		return resp, a.method

	case errors.Is(err, ledger.ErrNonceUsed):
		f.commit(ctx, logger, a.key, id)
		return fail(x402.ReasonAlreadyUsed, err)

	case res.Submitted && !res.Final:
		// The transfer may still land. Release so the payload is not blocked
		// and keep watching the ledger so a late success is committed.
		f.release(ctx, logger, a.key, id)
		f.reconcile(logger, n, a, res.TxID)
		return fail(x402.ReasonLedgerTimeout, err)

	default:
		f.release(ctx, logger, a.key, id)
		return fail(x402.ReasonOf(err, x402.ReasonLedgerRejected), err)
	}
}

// reconcile watches a transfer whose Settle call has returned and commits
// its nonce if the ledger eventually executes it.
func (f *Facilitator) reconcile(logger *slog.Logger, n *network, a *authorization, txID string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		ctx, cancel := context.WithTimeout(f.background, f.reconcileTimeout)
		defer cancel()

		res, err := n.executor.Wait(ctx, txID)
		switch {
		case err == nil, errors.Is(err, ledger.ErrNonceUsed):
			f.commit(ctx, logger, a.key, a.instr.ID)
			logger.Info("late settlement reconciled", "tx", txID, "final", res.Final)
		case res.Final:
			logger.Info("late settlement reverted", "tx", txID, "error", err)
		default:
			logger.Warn("gave up reconciling settlement", "tx", txID, "error", err)
		}
	}()
}

func (f *Facilitator) commit(ctx context.Context, logger *slog.Logger, key replay.Key, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), guardTimeout)
	defer cancel()
	if err := f.guard.Commit(ctx, key, owner); err != nil {
		logger.Error("replay commit failed", "error", err)
	}
}

func (f *Facilitator) release(ctx context.Context, logger *slog.Logger, key replay.Key, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), guardTimeout)
	defer cancel()
	if err := f.guard.Release(ctx, key, owner); err != nil && !errors.Is(err, replay.ErrNotReserved) {
		logger.Error("replay release failed", "error", err)
	}
}

// Supported implements x402.Facilitator.
func (f *Facilitator) Supported(context.Context) (*x402.SupportedResponse, error) {
	ids := make([]string, 0, len(f.networks))
	for id := range f.networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resp := &x402.SupportedResponse{
		Kinds:      make([]x402.SupportedKind, 0, len(ids)),
		Extensions: []string{},
		Signers:    make(map[string][]string),
	}
	for _, id := range ids {
		n := f.networks[id]
		methods := make([]string, len(n.methods))
		for i, m := range n.methods {
			methods[i] = string(m)
		}
		resp.Kinds = append(resp.Kinds, x402.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     id,
			Extra:       map[string]interface{}{"assetTransferMethods": methods},
		})
		if len(n.signers) > 0 {
			resp.Signers[id] = append([]string(nil), n.signers...)
		}
	}
	return resp, nil
}

// Wait blocks until every background reconciliation has finished.
func (f *Facilitator) Wait() {
	f.wg.Wait()
}

// Close stops background reconciliation, waiting for it until ctx ends.
func (f *Facilitator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.stop()
		return nil
	case <-ctx.Done():
		f.stop()
		<-done
		return ctx.Err()
	}
}
