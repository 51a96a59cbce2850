package facilitator

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/becomeliminal/x402-facilitator"
)

func TestClient_RoundTrip(t *testing.T) {
	fx := newFixture(t, nil)
	srv := httptest.NewServer(NewHandler(fx.f, nil))
	defer srv.Close()

	client := NewClient(srv.URL + "/")
	req := requirements(x402.TransferMethodPermit2)
	payload := fx.sign(t, x402.TransferMethodPermit2, req)

	vr, err := client.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, vr.IsValid)
	assert.Equal(t, fx.payer.Hex(), vr.Payer)

	sr, err := client.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, sr.Success)
	assert.NotEmpty(t, sr.Transaction)

	sr, err = client.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, sr.Success)
	assert.Equal(t, x402.ReasonAlreadyUsed, sr.ErrorReason)

	supported, err := client.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, supported.Kinds, 1)
	assert.Equal(t, testNetwork, supported.Kinds[0].Network)
}

func TestHandler_BadRequests(t *testing.T) {
	fx := newFixture(t, nil)
	h := NewHandler(fx.f, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"not json", http.MethodPost, PathVerify, "{", http.StatusBadRequest},
		{"missing payload", http.MethodPost, PathSettle, `{"x402Version":2,"paymentRequirements":{}}`, http.StatusBadRequest},
		{"bad version", http.MethodPost, PathVerify, `{"x402Version":7,"paymentPayload":{},"paymentRequirements":{}}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, PathSettle, "", http.StatusMethodNotAllowed},
		{"health", http.MethodGet, PathHealth, "", http.StatusOK},
		{"invalid payment is still 200", http.MethodPost, PathVerify, `{"x402Version":2,"paymentPayload":{"payload":{}},"paymentRequirements":{"scheme":"exact"}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestClient_RetriesOnlyWhenUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isValid":true,"payer":"0xabc"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	client.MaxRetries = 3
	client.RetryDelay = time.Millisecond

	resp, err := client.Verify(context.Background(), &x402.PaymentPayload{}, &x402.PaymentRequirements{})
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_SettleIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	client.MaxRetries = 5
	client.RetryDelay = time.Millisecond

	_, err := client.Settle(context.Background(), &x402.PaymentPayload{}, &x402.PaymentRequirements{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ClientErrorNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	client.MaxRetries = 2
	_, err := client.Supported(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}
