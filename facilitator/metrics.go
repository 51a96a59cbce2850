package facilitator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	x402 "github.com/becomeliminal/x402-facilitator"
)

const instrumentationName = "github.com/becomeliminal/x402-facilitator/facilitator"

type metrics struct {
	verifyTotal    metric.Int64Counter
	settleTotal    metric.Int64Counter
	settleDuration metric.Float64Histogram
	settleInflight metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &metrics{}
	var err error

	m.verifyTotal, err = meter.Int64Counter("x402.verify.total",
		metric.WithDescription("Payment verifications by result and reason"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, err
	}

	m.settleTotal, err = meter.Int64Counter("x402.settle.total",
		metric.WithDescription("Payment settlements by result and reason"),
		metric.WithUnit("{settlement}"),
	)
	if err != nil {
		return nil, err
	}

	m.settleDuration, err = meter.Float64Histogram("x402.settle.duration",
		metric.WithDescription("Settlement duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	m.settleInflight, err = meter.Int64UpDownCounter("x402.settle.inflight",
		metric.WithDescription("Settlements currently holding a nonce reservation"),
		metric.WithUnit("{settlement}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func result(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("result", "success")
	}
	return attribute.String("result", "failure")
}

func (m *metrics) recordVerify(ctx context.Context, network string, resp *x402.VerifyResponse) {
	m.verifyTotal.Add(ctx, 1, metric.WithAttributes(
		result(resp.IsValid),
		attribute.String("reason", string(resp.InvalidReason)),
		attribute.String("network", network),
	))
}

func (m *metrics) recordSettle(ctx context.Context, method x402.TransferMethod, resp *x402.SettleResponse, d time.Duration) {
	attrs := metric.WithAttributes(
		result(resp.Success),
		attribute.String("reason", string(resp.ErrorReason)),
		attribute.String("network", resp.Network),
		attribute.String("method", string(method)),
	)
	m.settleTotal.Add(ctx, 1, attrs)
	m.settleDuration.Record(ctx, d.Seconds(), attrs)
}
