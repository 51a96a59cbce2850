package facilitator

import (
	"context"
	"encoding/json"
	"time"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// HookContext is passed to every lifecycle hook. Each hook receives its own
// copy; changes a hook makes are not seen by the engine or the caller.
type HookContext struct {
	// AttemptID identifies one Verify or Settle call.
	AttemptID    string
	Payload      *x402.PaymentPayload
	Requirements *x402.PaymentRequirements

	// Verify is set for the After/OnFailure verification hooks.
	Verify *x402.VerifyResponse
	// Settle is set for the After/OnFailure settlement hooks.
	Settle *x402.SettleResponse

	Duration time.Duration
}

// HookFunc observes a lifecycle event. Hooks run synchronously on the
// calling goroutine; a panicking hook is recovered and logged.
type HookFunc func(ctx context.Context, hc HookContext)

// Hooks are optional callbacks around verification and settlement.
type Hooks struct {
	BeforeVerification    HookFunc
	AfterVerification     HookFunc
	OnVerificationFailure HookFunc

	BeforeSettlement    HookFunc
	AfterSettlement     HookFunc
	OnSettlementFailure HookFunc
}

func (f *Facilitator) runHook(ctx context.Context, name string, hook HookFunc, hc HookContext) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("hook panicked", "hook", name, "attempt", hc.AttemptID, "panic", r)
		}
	}()
	hook(ctx, hc.snapshot())
}

// snapshot returns a deep copy of hc that shares no memory with the values
// the engine verifies, settles and returns.
func (hc HookContext) snapshot() HookContext {
	out := hc
	if hc.Payload != nil {
		p := *hc.Payload
		p.Accepted = copyRequirements(hc.Payload.Accepted)
		p.Payload = append(json.RawMessage(nil), hc.Payload.Payload...)
		p.Extensions = copyMap(hc.Payload.Extensions)
		out.Payload = &p
	}
	if hc.Requirements != nil {
		r := copyRequirements(*hc.Requirements)
		out.Requirements = &r
	}
	if hc.Verify != nil {
		v := *hc.Verify
		out.Verify = &v
	}
	if hc.Settle != nil {
		s := *hc.Settle
		out.Settle = &s
	}
	return out
}

func copyRequirements(r x402.PaymentRequirements) x402.PaymentRequirements {
	r.Extra = copyMap(r.Extra)
	return r
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}
