package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// ErrUnavailable is returned by Client when the remote facilitator cannot be reached.
var ErrUnavailable = errors.New("facilitator: unavailable")

// Request is the body of the verify and settle endpoints.
type Request struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// Client handles communication with a V2 x402 facilitator service.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// MaxRetries is the number of extra attempts made for Verify and Supported
	// when the facilitator is unreachable. Settle is never retried by the client.
	MaxRetries int

	// RetryDelay is the initial delay between attempts; it doubles per attempt.
	RetryDelay time.Duration
}

var _ x402.Facilitator = (*Client)(nil)

// NewClient creates a new facilitator client targeting V2 endpoints.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
		RetryDelay: 100 * time.Millisecond,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Verify checks if a payment is valid via POST /v2/x402/verify.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	body, err := json.Marshal(Request{X402Version: x402.X402Version, PaymentPayload: payload, PaymentRequirements: requirements})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	var resp x402.VerifyResponse
	err = c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, PathVerify, body, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes the payment on-chain via POST /v2/x402/settle.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	body, err := json.Marshal(Request{X402Version: x402.X402Version, PaymentPayload: payload, PaymentRequirements: requirements})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	var resp x402.SettleResponse
	if err := c.do(ctx, http.MethodPost, PathSettle, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported fetches supported kinds, extensions, and signers via GET /v2/x402/supported.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	var resp x402.SupportedResponse
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, PathSupported, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s returned status %d: %s", ErrUnavailable, path, resp.StatusCode, string(bodyBytes))
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// withRetry retries fn with exponential backoff while it fails with ErrUnavailable.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
	}
	return err
}
