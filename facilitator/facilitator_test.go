package facilitator

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	x402 "github.com/becomeliminal/x402-facilitator"
	"github.com/becomeliminal/x402-facilitator/evm"
	"github.com/becomeliminal/x402-facilitator/ledger/memledger"
	"github.com/becomeliminal/x402-facilitator/replay"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testNetwork = x402.NetworkBaseSepolia

var (
	usdc       = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	payee      = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	otherPayee = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	settlement = common.HexToAddress("0x4020615294c913F045dc10f0a5cdEbd86c280001")
	chainID    = big.NewInt(84532)
	baseTime   = time.Unix(1_750_000_000, 0)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	f      *Facilitator
	ledger *memledger.Ledger
	guard  *replay.MemoryGuard
	clock  *testClock
	key    *ecdsa.PrivateKey
	payer  common.Address
}

func newFixture(t *testing.T, ledgerOpts []memledger.Option, opts ...Option) *fixture {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)

	clock := &testClock{now: baseTime}
	l := memledger.New(chainID, append([]memledger.Option{
		memledger.WithClock(clock.Now),
		memledger.WithContracts(evm.CanonicalPermit2, settlement),
	}, ledgerOpts...)...)
	l.AddToken(usdc, "USDC", "2")
	payer := crypto.PubkeyToAddress(key.PublicKey)
	l.Mint(usdc, payer, big.NewInt(1_000_000))

	guard := replay.NewMemoryGuard()
	f, err := New([]Network{{
		ID:                 testNetwork,
		Ledger:             l,
		SettlementContract: settlement,
		Signers:            []string{"0x90F79bf6EB2c4f870365E785982E1f101E93b906"},
	}}, guard, append([]Option{
		WithClock(clock.Now),
		WithPollInterval(time.Millisecond),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Close(ctx)
	})

	return &fixture{f: f, ledger: l, guard: guard, clock: clock, key: key, payer: payer}
}

func requirements(method x402.TransferMethod) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           testNetwork,
		Amount:            "1000",
		Asset:             usdc.Hex(),
		PayTo:             payee.Hex(),
		MaxTimeoutSeconds: 300,
		Extra: map[string]interface{}{
			x402.ExtraName:                "USDC",
			x402.ExtraVersion:             "2",
			x402.ExtraAssetTransferMethod: string(method),
		},
	}
}

func payloadFor(t *testing.T, req *x402.PaymentRequirements, v interface{}) *x402.PaymentPayload {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &x402.PaymentPayload{X402Version: x402.X402Version, Accepted: *req, Payload: raw}
}

// signEIP3009 signs a valid authorization for req, after applying mutate.
func (fx *fixture) signEIP3009(t *testing.T, req *x402.PaymentRequirements, domain *evm.Domain, mutate func(*evm.TransferAuthorization)) *x402.PaymentPayload {
	t.Helper()
	nonce, err := evm.GenerateNonce()
	require.NoError(t, err)

	now := fx.clock.Now().Unix()
	auth := &evm.TransferAuthorization{
		From:        fx.payer,
		To:          payee,
		Value:       big.NewInt(1000),
		ValidAfter:  big.NewInt(now - 10),
		ValidBefore: big.NewInt(now + 60),
		Nonce:       nonce,
	}
	if mutate != nil {
		mutate(auth)
	}

	d := evm.TokenDomain(chainID, usdc, "USDC", "2")
	if domain != nil {
		d = *domain
	}
	sig, err := evm.SignAuthorization(fx.key, d, auth)
	require.NoError(t, err)
	return payloadFor(t, req, auth.Payload(sig))
}

// signPermit2 signs a valid witness transfer for req, after applying mutate.
func (fx *fixture) signPermit2(t *testing.T, req *x402.PaymentRequirements, mutate func(*evm.WitnessTransfer)) *x402.PaymentPayload {
	t.Helper()
	nonce, err := evm.GeneratePermit2Nonce()
	require.NoError(t, err)

	order := &evm.WitnessTransfer{
		Token:     usdc,
		Amount:    big.NewInt(1000),
		Nonce:     nonce,
		Deadline:  big.NewInt(fx.clock.Now().Unix() + 60),
		Owner:     fx.payer,
		Recipient: payee,
		PaymentID: [32]byte{0xaa},
	}
	if mutate != nil {
		mutate(order)
	}
	sig, err := evm.SignWitnessTransfer(fx.key, evm.Permit2Domain(chainID, evm.CanonicalPermit2), settlement, order)
	require.NoError(t, err)
	return payloadFor(t, req, order.Payload(sig))
}

func (fx *fixture) sign(t *testing.T, method x402.TransferMethod, req *x402.PaymentRequirements) *x402.PaymentPayload {
	if method == x402.TransferMethodPermit2 {
		return fx.signPermit2(t, req, nil)
	}
	return fx.signEIP3009(t, req, nil, nil)
}

var methods = []x402.TransferMethod{x402.TransferMethodEIP3009, x402.TransferMethodPermit2}

func TestVerify_Valid(t *testing.T) {
	for _, m := range methods {
		t.Run(string(m), func(t *testing.T) {
			fx := newFixture(t, nil)
			req := requirements(m)
			payload := fx.sign(t, m, req)

			resp, err := fx.f.Verify(context.Background(), payload, req)
			require.NoError(t, err)
			assert.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)
			assert.Empty(t, resp.InvalidReason)
			assert.Equal(t, fx.payer.Hex(), resp.Payer)

			// Verify never touches replay state or the ledger.
			assert.Equal(t, 0, fx.ledger.Submissions())
		})
	}
}

func TestVerify_Idempotent(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)
	payload := fx.sign(t, x402.TransferMethodEIP3009, req)

	first, err := fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := fx.f.Verify(context.Background(), payload, req)
			assert.NoError(t, err)
			assert.Equal(t, first, resp)
		}()
	}
	wg.Wait()
}

func TestVerify_CrossDomainRejected(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)

	mainnet := evm.TokenDomain(big.NewInt(8453), usdc, "USDC", "2")
	payload := fx.signEIP3009(t, req, &mainnet, nil)
	resp, err := fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonSignatureInvalid, resp.InvalidReason)
	assert.Equal(t, fx.payer.Hex(), resp.Payer)

	renamed := evm.TokenDomain(chainID, usdc, "USD Coin", "2")
	payload = fx.signEIP3009(t, req, &renamed, nil)
	resp, err = fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonSignatureInvalid, resp.InvalidReason)
}

func TestVerify_AmountBoundary(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)

	tests := []struct {
		value  int64
		valid  bool
		reason x402.Reason
	}{
		{value: 999, reason: x402.ReasonAmountInsufficient},
		{value: 1000, valid: true},
		{value: 1001, valid: true},
	}
	for _, tt := range tests {
		payload := fx.signEIP3009(t, req, nil, func(a *evm.TransferAuthorization) { a.Value = big.NewInt(tt.value) })
		resp, err := fx.f.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		assert.Equal(t, tt.valid, resp.IsValid, "value %d", tt.value)
		assert.Equal(t, tt.reason, resp.InvalidReason, "value %d", tt.value)
	}
}

func TestVerify_TimingBoundary(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)
	T := baseTime.Unix() + 30

	payload := fx.signEIP3009(t, req, nil, func(a *evm.TransferAuthorization) { a.ValidBefore = big.NewInt(T) })

	fx.clock.Set(time.Unix(T, 0))
	resp, err := fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "valid at T, got %s", resp.InvalidReason)

	fx.clock.Set(time.Unix(T+1, 0))
	resp, err = fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonExpired, resp.InvalidReason)

	t.Run("permit2 deadline", func(t *testing.T) {
		fx := newFixture(t, nil)
		req := requirements(x402.TransferMethodPermit2)
		payload := fx.signPermit2(t, req, func(o *evm.WitnessTransfer) { o.Deadline = big.NewInt(T) })

		fx.clock.Set(time.Unix(T, 0))
		resp, err := fx.f.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		assert.True(t, resp.IsValid)

		fx.clock.Set(time.Unix(T+1, 0))
		resp, err = fx.f.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		assert.Equal(t, x402.ReasonExpired, resp.InvalidReason)
	})
}

func TestVerify_Reasons(t *testing.T) {
	fx := newFixture(t, nil)
	now := baseTime.Unix()

	tests := []struct {
		name  string
		build func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements)
		want  x402.Reason
		payer bool
	}{
		{
			name: "scheme mismatch",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				p.Accepted.Scheme = "upto"
				return p, req
			},
			want: x402.ReasonSchemeMismatch,
		},
		{
			name: "network mismatch",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				p.Accepted.Network = x402.NetworkBase
				return p, req
			},
			want: x402.ReasonNetworkMismatch,
		},
		{
			name: "legacy network name matches",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				p.Accepted.Network = "base-sepolia"
				return p, req
			},
			payer: true,
		},
		{
			name: "recipient mismatch",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.signEIP3009(t, req, nil, func(a *evm.TransferAuthorization) { a.To = otherPayee })
				return p, req
			},
			want:  x402.ReasonRecipientMismatch,
			payer: true,
		},
		{
			name: "permit2 witness recipient mismatch",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodPermit2)
				p := fx.signPermit2(t, req, func(o *evm.WitnessTransfer) { o.Recipient = otherPayee })
				return p, req
			},
			want:  x402.ReasonRecipientMismatch,
			payer: true,
		},
		{
			name: "not yet valid",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.signEIP3009(t, req, nil, func(a *evm.TransferAuthorization) { a.ValidAfter = big.NewInt(now + 5) })
				return p, req
			},
			want:  x402.ReasonNotYetValid,
			payer: true,
		},
		{
			name: "window too long",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.signEIP3009(t, req, nil, func(a *evm.TransferAuthorization) { a.ValidBefore = big.NewInt(now + 301) })
				return p, req
			},
			want:  x402.ReasonTimeoutWindowExceeded,
			payer: true,
		},
		{
			name: "permit2 asset mismatch",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodPermit2)
				p := fx.signPermit2(t, req, func(o *evm.WitnessTransfer) {
					o.Token = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
				})
				return p, req
			},
			want:  x402.ReasonAssetMismatch,
			payer: true,
		},
		{
			name: "accepted asset mismatch",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				p.Accepted.Asset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
				return p, req
			},
			want:  x402.ReasonAssetMismatch,
			payer: true,
		},
		{
			name: "tampered signature",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				var body evm.EIP3009Payload
				require.NoError(t, json.Unmarshal(p.Payload, &body))
				body.Authorization.Value = "5000"
				return payloadFor(t, req, body), req
			},
			want:  x402.ReasonSignatureInvalid,
			payer: true,
		},
		{
			name: "short signature",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				var body evm.EIP3009Payload
				require.NoError(t, json.Unmarshal(p.Payload, &body))
				body.Signature = body.Signature[:len(body.Signature)-2]
				return payloadFor(t, req, body), req
			},
			want:  x402.ReasonSignatureInvalid,
			payer: true,
		},
		{
			name: "malformed payload",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				return &x402.PaymentPayload{X402Version: 2, Accepted: *req, Payload: json.RawMessage(`{"signature":"0x00"}`)}, req
			},
			want: x402.ReasonMalformedPayload,
		},
		{
			name: "payload shape differs from declared method",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodPermit2)
				p := fx.signEIP3009(t, requirements(x402.TransferMethodEIP3009), nil, nil)
				p.Accepted = *req
				return p, req
			},
			want: x402.ReasonMalformedPayload,
		},
		{
			name: "unsupported scheme",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				req.Scheme = "upto"
				return p, req
			},
			want: x402.ReasonUnsupportedScheme,
		},
		{
			name: "unsupported network",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements(x402.TransferMethodEIP3009)
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				req.Network = x402.NetworkPolygon
				return p, req
			},
			want: x402.ReasonUnsupportedNetwork,
		},
		{
			name: "unsupported transfer method",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				req := requirements("erc7710")
				p := fx.sign(t, x402.TransferMethodEIP3009, req)
				return p, req
			},
			want: x402.ReasonUnsupportedTransferMethod,
		},
		{
			name: "nil payload",
			build: func(t *testing.T) (*x402.PaymentPayload, *x402.PaymentRequirements) {
				return nil, requirements(x402.TransferMethodEIP3009)
			},
			want: x402.ReasonMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, req := tt.build(t)
			resp, err := fx.f.Verify(context.Background(), payload, req)
			require.NoError(t, err)
			assert.Equal(t, tt.want == "", resp.IsValid)
			assert.Equal(t, tt.want, resp.InvalidReason)
			if tt.payer {
				assert.Equal(t, fx.payer.Hex(), resp.Payer)
			} else {
				assert.Empty(t, resp.Payer)
			}
		})
	}
}

func TestSettle_Success(t *testing.T) {
	for _, m := range methods {
		t.Run(string(m), func(t *testing.T) {
			fx := newFixture(t, nil)
			req := requirements(m)
			payload := fx.sign(t, m, req)

			resp, err := fx.f.Settle(context.Background(), payload, req)
			require.NoError(t, err)
			assert.True(t, resp.Success, "reason: %s", resp.ErrorReason)
			assert.NotEmpty(t, resp.Transaction)
			assert.Equal(t, testNetwork, resp.Network)
			assert.Equal(t, fx.payer.Hex(), resp.Payer)
			assert.Equal(t, int64(1000), fx.ledger.BalanceOf(usdc, payee).Int64())
		})
	}
}

func TestSettle_Twice(t *testing.T) {
	for _, m := range methods {
		t.Run(string(m), func(t *testing.T) {
			fx := newFixture(t, nil)
			req := requirements(m)
			payload := fx.sign(t, m, req)

			first, err := fx.f.Settle(context.Background(), payload, req)
			require.NoError(t, err)
			require.True(t, first.Success)

			second, err := fx.f.Settle(context.Background(), payload, req)
			require.NoError(t, err)
			assert.False(t, second.Success)
			assert.Equal(t, x402.ReasonAlreadyUsed, second.ErrorReason)

			assert.Equal(t, 1, fx.ledger.Submissions())
			assert.Equal(t, int64(1000), fx.ledger.BalanceOf(usdc, payee).Int64())
		})
	}
}

func TestSettle_Concurrent(t *testing.T) {
	for _, m := range methods {
		t.Run(string(m), func(t *testing.T) {
			fx := newFixture(t, nil)
			req := requirements(m)
			payload := fx.sign(t, m, req)

			const n = 16
			var successes, losers atomic.Int32
			var g errgroup.Group
			for i := 0; i < n; i++ {
				g.Go(func() error {
					resp, err := fx.f.Settle(context.Background(), payload, req)
					if err != nil {
						return err
					}
					switch {
					case resp.Success:
						successes.Add(1)
					case resp.ErrorReason == x402.ReasonAlreadyReserved, resp.ErrorReason == x402.ReasonAlreadyUsed:
						losers.Add(1)
					default:
						t.Errorf("unexpected reason %s", resp.ErrorReason)
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, int32(1), successes.Load())
			assert.Equal(t, int32(n-1), losers.Load())
			assert.Equal(t, 1, fx.ledger.Submissions())
		})
	}
}

func TestSettle_UnrelatedNoncesInParallel(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		payload := fx.sign(t, x402.TransferMethodEIP3009, req)
		g.Go(func() error {
			resp, err := fx.f.Settle(context.Background(), payload, req)
			if err == nil && !resp.Success {
				t.Errorf("settle failed: %s", resp.ErrorReason)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 8, fx.ledger.Submissions())
	assert.Equal(t, int64(8000), fx.ledger.BalanceOf(usdc, payee).Int64())
}

func TestSettle_Permit2PaysWitnessRecipient(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodPermit2)
	payload := fx.signPermit2(t, req, nil)

	resp, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, int64(1000), fx.ledger.BalanceOf(usdc, payee).Int64())

	// Requirements naming a different payee never settle a witness bound to payee.
	redirect := requirements(x402.TransferMethodPermit2)
	redirect.PayTo = otherPayee.Hex()
	payload = fx.signPermit2(t, req, nil)
	payload.Accepted = *redirect

	resp, err = fx.f.Settle(context.Background(), payload, redirect)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonRecipientMismatch, resp.ErrorReason)
	assert.Equal(t, int64(0), fx.ledger.BalanceOf(usdc, otherPayee).Int64())
}

func TestSettle_ExpiredBetweenVerifyAndSettle(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)
	payload := fx.sign(t, x402.TransferMethodEIP3009, req)

	resp, err := fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	fx.clock.Set(baseTime.Add(2 * time.Minute))
	settled, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonExpired, settled.ErrorReason)
	assert.Equal(t, 0, fx.ledger.Submissions())
}

// The verifier accepts validBefore == now; the token contract does not. The
// ledger has the final word and the attempt is reported as a rejection.
func TestSettle_AtValidBeforeBoundary(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)
	T := baseTime.Unix() + 30
	payload := fx.signEIP3009(t, req, nil, func(a *evm.TransferAuthorization) { a.ValidBefore = big.NewInt(T) })

	fx.clock.Set(time.Unix(T, 0))
	resp, err := fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)

	settled, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, settled.Success)
	assert.Equal(t, x402.ReasonLedgerRejected, settled.ErrorReason)
	assert.False(t, settled.ErrorReason.Retryable())
	assert.Equal(t, int64(0), fx.ledger.BalanceOf(usdc, payee).Int64())

	t.Run("permit2 deadline settles", func(t *testing.T) {
		fx := newFixture(t, nil)
		req := requirements(x402.TransferMethodPermit2)
		payload := fx.signPermit2(t, req, func(o *evm.WitnessTransfer) { o.Deadline = big.NewInt(T) })

		fx.clock.Set(time.Unix(T, 0))
		settled, err := fx.f.Settle(context.Background(), payload, req)
		require.NoError(t, err)
		assert.True(t, settled.Success, "reason: %s", settled.ErrorReason)
	})
}

func TestSettle_TimeoutReleasesReservation(t *testing.T) {
	fx := newFixture(t, []memledger.Option{memledger.WithConfirmAfter(-1)},
		WithSettleTimeout(30*time.Millisecond),
		WithReconcileTimeout(5*time.Second),
	)
	req := requirements(x402.TransferMethodEIP3009)
	payload := fx.sign(t, x402.TransferMethodEIP3009, req)

	first, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Equal(t, x402.ReasonLedgerTimeout, first.ErrorReason)
	assert.True(t, first.ErrorReason.Retryable())
	assert.NotEmpty(t, first.Transaction)

	// The nonce is free again: a retry reaches the ledger instead of AlreadyReserved.
	retry, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonLedgerTimeout, retry.ErrorReason)
	assert.Equal(t, 2, fx.ledger.Submissions())

	// Once the ledger executes one of them, reconciliation burns the nonce.
	fx.ledger.Mine()
	fx.f.Wait()

	final, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonAlreadyUsed, final.ErrorReason)
	assert.Equal(t, 2, fx.ledger.Submissions())
	assert.Equal(t, int64(1000), fx.ledger.BalanceOf(usdc, payee).Int64())
}

func TestSettle_CallerCancelResolvesReservation(t *testing.T) {
	fx := newFixture(t, []memledger.Option{memledger.WithConfirmAfter(-1)}, WithReconcileTimeout(5*time.Second))
	req := requirements(x402.TransferMethodPermit2)
	payload := fx.sign(t, x402.TransferMethodPermit2, req)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	resp, err := fx.f.Settle(ctx, payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonLedgerTimeout, resp.ErrorReason)

	fx.ledger.Mine()
	fx.f.Wait()

	again, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonAlreadyUsed, again.ErrorReason)
	assert.Equal(t, 1, fx.ledger.Submissions())
}

func TestSettle_LedgerUnavailableIsRetryable(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)
	payload := fx.sign(t, x402.TransferMethodEIP3009, req)

	fx.ledger.SetUnavailable(true)
	resp, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonLedgerUnavailable, resp.ErrorReason)
	assert.True(t, resp.ErrorReason.Retryable())

	fx.ledger.SetUnavailable(false)
	resp, err = fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, resp.Success, "reason: %s", resp.ErrorReason)
}

func TestSettle_InsufficientFunds(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)
	payload := fx.signEIP3009(t, req, nil, func(a *evm.TransferAuthorization) {
		a.Value = big.NewInt(5_000_000)
	})

	resp, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonLedgerRejected, resp.ErrorReason)
	assert.False(t, resp.ErrorReason.Retryable())
}

func TestSettle_LedgerWinsOverColdGuard(t *testing.T) {
	fx := newFixture(t, nil)
	req := requirements(x402.TransferMethodEIP3009)
	payload := fx.sign(t, x402.TransferMethodEIP3009, req)

	resp, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.Success)

	// A restarted facilitator has an empty guard but the same ledger.
	restarted, err := New([]Network{{ID: testNetwork, Ledger: fx.ledger, SettlementContract: settlement}},
		replay.NewMemoryGuard(), WithClock(fx.clock.Now))
	require.NoError(t, err)

	resp, err = restarted.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonAlreadyUsed, resp.ErrorReason)
	assert.Equal(t, 1, fx.ledger.Submissions())
}

func TestHooks(t *testing.T) {
	var calls sync.Map
	count := func(name string) HookFunc {
		return func(context.Context, HookContext) {
			v, _ := calls.LoadOrStore(name, new(atomic.Int32))
			v.(*atomic.Int32).Add(1)
		}
	}
	get := func(name string) int32 {
		v, ok := calls.Load(name)
		if !ok {
			return 0
		}
		return v.(*atomic.Int32).Load()
	}

	fx := newFixture(t, nil, WithHooks(Hooks{
		BeforeVerification:    count("beforeVerify"),
		AfterVerification:     count("afterVerify"),
		OnVerificationFailure: count("verifyFailure"),
		BeforeSettlement:      count("beforeSettle"),
		AfterSettlement: func(ctx context.Context, hc HookContext) {
			count("afterSettle")(ctx, hc)
			panic("hooks must not break settlement")
		},
		OnSettlementFailure: count("settleFailure"),
	}))
	req := requirements(x402.TransferMethodEIP3009)
	payload := fx.sign(t, x402.TransferMethodEIP3009, req)

	_, err := fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	resp, err := fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	_, err = fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)

	assert.Equal(t, int32(1), get("beforeVerify"))
	assert.Equal(t, int32(1), get("afterVerify"))
	assert.Equal(t, int32(0), get("verifyFailure"))
	assert.Equal(t, int32(2), get("beforeSettle"))
	assert.Equal(t, int32(1), get("afterSettle"))
	assert.Equal(t, int32(1), get("settleFailure"))
}

func TestHooks_CannotAlterOutcome(t *testing.T) {
	tamper := func(_ context.Context, hc HookContext) {
		if hc.Payload != nil {
			for i := range hc.Payload.Payload {
				hc.Payload.Payload[i] = '0'
			}
			hc.Payload.X402Version = 0
			hc.Payload.Accepted.PayTo = otherPayee.Hex()
			if hc.Payload.Accepted.Extra != nil {
				hc.Payload.Accepted.Extra[x402.ExtraName] = "EVIL"
			}
		}
		if hc.Requirements != nil {
			hc.Requirements.Amount = "1"
			hc.Requirements.PayTo = otherPayee.Hex()
			if hc.Requirements.Extra != nil {
				hc.Requirements.Extra[x402.ExtraAssetTransferMethod] = string(x402.TransferMethodPermit2)
			}
		}
		if hc.Verify != nil {
			hc.Verify.IsValid = !hc.Verify.IsValid
			hc.Verify.InvalidReason = "hooked"
			hc.Verify.Payer = otherPayee.Hex()
		}
		if hc.Settle != nil {
			hc.Settle.Success = !hc.Settle.Success
			hc.Settle.ErrorReason = "hooked"
			hc.Settle.Transaction = "0xhooked"
		}
	}
	hooks := Hooks{
		BeforeVerification:    tamper,
		AfterVerification:     tamper,
		OnVerificationFailure: tamper,
		BeforeSettlement:      tamper,
		AfterSettlement:       tamper,
		OnSettlementFailure:   tamper,
	}

	t.Run("rejection stands", func(t *testing.T) {
		fx := newFixture(t, nil, WithHooks(hooks))
		req := requirements(x402.TransferMethodEIP3009)
		req.Amount = "5000"
		payload := fx.sign(t, x402.TransferMethodEIP3009, req)

		resp, err := fx.f.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		assert.False(t, resp.IsValid)
		assert.Equal(t, x402.ReasonAmountInsufficient, resp.InvalidReason)

		settled, err := fx.f.Settle(context.Background(), payload, req)
		require.NoError(t, err)
		assert.False(t, settled.Success)
		assert.Equal(t, x402.ReasonAmountInsufficient, settled.ErrorReason)
		assert.Equal(t, "5000", req.Amount)
		assert.Equal(t, 0, fx.ledger.Submissions())
	})

	t.Run("acceptance stands", func(t *testing.T) {
		fx := newFixture(t, nil, WithHooks(hooks))
		req := requirements(x402.TransferMethodEIP3009)
		payload := fx.sign(t, x402.TransferMethodEIP3009, req)
		raw := append(json.RawMessage(nil), payload.Payload...)

		resp, err := fx.f.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		assert.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)
		assert.Empty(t, resp.InvalidReason)
		assert.Equal(t, fx.payer.Hex(), resp.Payer)

		settled, err := fx.f.Settle(context.Background(), payload, req)
		require.NoError(t, err)
		assert.True(t, settled.Success, "reason: %s", settled.ErrorReason)
		assert.Empty(t, settled.ErrorReason)
		assert.NotEmpty(t, settled.Transaction)
		assert.NotEqual(t, "0xhooked", settled.Transaction)
		assert.Equal(t, int64(1000), fx.ledger.BalanceOf(usdc, payee).Int64())

		assert.Equal(t, raw, payload.Payload)
		assert.Equal(t, x402.X402Version, payload.X402Version)
		assert.Equal(t, payee.Hex(), payload.Accepted.PayTo)
		assert.Equal(t, "USDC", payload.Accepted.Extra[x402.ExtraName])
		assert.Equal(t, "1000", req.Amount)
		assert.Equal(t, payee.Hex(), req.PayTo)
		assert.Equal(t, string(x402.TransferMethodEIP3009), req.Extra[x402.ExtraAssetTransferMethod])
	})
}

func TestSupported(t *testing.T) {
	fx := newFixture(t, nil)

	resp, err := fx.f.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Kinds, 1)
	assert.Equal(t, x402.SupportedKind{
		X402Version: 2,
		Scheme:      x402.SchemeExact,
		Network:     testNetwork,
		Extra:       map[string]interface{}{"assetTransferMethods": []string{"eip3009", "permit2"}},
	}, resp.Kinds[0])
	assert.Equal(t, []string{"0x90F79bf6EB2c4f870365E785982E1f101E93b906"}, resp.Signers[testNetwork])
}

func TestNew_PermitRequiresSettlementContract(t *testing.T) {
	l := memledger.New(chainID)
	f, err := New([]Network{{ID: "base-sepolia", Ledger: l}}, replay.NewMemoryGuard())
	require.NoError(t, err)

	resp, err := f.Supported(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"eip3009"}, resp.Kinds[0].Extra["assetTransferMethods"])

	_, err = New([]Network{{ID: "solana:mainnet", Ledger: l}}, replay.NewMemoryGuard())
	assert.Error(t, err)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	fx := newFixture(t, nil, WithMeter(provider.Meter("test")))
	req := requirements(x402.TransferMethodEIP3009)
	payload := fx.sign(t, x402.TransferMethodEIP3009, req)

	_, err := fx.f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	_, err = fx.f.Settle(context.Background(), payload, req)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), totals["x402.verify.total"])
	assert.Equal(t, int64(1), totals["x402.settle.total"])
	assert.Equal(t, int64(0), totals["x402.settle.inflight"])
}
