package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowforge/backend/internal/circuitbreaker"
	"github.com/flowforge/backend/internal/metrics"
)

const (
	defaultMaxRetries  = 3
	defaultRetryDelay  = 2 * time.Second
	defaultCallTimeout = 60 * time.Second
)

// CallRequest is one outbound HTTP request to an external tool.
type CallRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// CallResponse is the downstream reply, body fully read.
type CallResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *CallResponse) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Caller executes tool calls with a per-downstream circuit breaker and
// exponential-backoff retry. Responses with status >= 500 and transport
// errors are transient: they count against the breaker and are retried
// with delays of 2s, 4s, 8s. Any other status is handed back to the
// handler as a business outcome. Cancellation is observed at retry
// boundaries; an in-flight attempt runs to its own timeout.
type Caller struct {
	client      *http.Client
	breakers    *circuitbreaker.Manager
	metrics     *metrics.Metrics
	maxRetries  int
	retryDelay  time.Duration
	callTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// CallerOption adjusts caller behavior.
type CallerOption func(*Caller)

// WithRetry overrides the retry count and base delay.
func WithRetry(maxRetries int, baseDelay time.Duration) CallerOption {
	return func(c *Caller) {
		c.maxRetries = maxRetries
		c.retryDelay = baseDelay
	}
}

// WithCallTimeout overrides the per-attempt timeout.
func WithCallTimeout(d time.Duration) CallerOption {
	return func(c *Caller) { c.callTimeout = d }
}

// WithHTTPClient substitutes the underlying client.
func WithHTTPClient(client *http.Client) CallerOption {
	return func(c *Caller) { c.client = client }
}

// WithSleep injects the backoff sleeper for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) CallerOption {
	return func(c *Caller) { c.sleep = sleep }
}

// NewCaller creates a caller over the breaker manager. m may be nil.
func NewCaller(breakers *circuitbreaker.Manager, m *metrics.Metrics, opts ...CallerOption) *Caller {
	c := &Caller{
		client:      &http.Client{},
		breakers:    breakers,
		metrics:     m,
		maxRetries:  defaultMaxRetries,
		retryDelay:  defaultRetryDelay,
		callTimeout: defaultCallTimeout,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do performs the request under the named breaker. On transient failure it
// returns the last error alongside whatever response was received; callers
// must check the error first. An open breaker returns ErrCircuitOpen
// immediately with no retries.
func (c *Caller) Do(ctx context.Context, breakerName string, req CallRequest) (*CallResponse, error) {
	br := c.breakers.Get(breakerName)

	var resp *CallResponse
	for attempt := 0; ; attempt++ {
		err := br.Execute(ctx, func(ctx context.Context) error {
			r, err := c.once(ctx, req)
			if err != nil {
				return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
			}
			resp = r
			if r.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("%s %s: upstream status %d", req.Method, req.URL, r.StatusCode)
			}
			return nil
		})
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			if c.metrics != nil {
				c.metrics.BreakerRejections.WithLabelValues(breakerName).Inc()
			}
			return nil, err
		}
		if attempt >= c.maxRetries {
			return resp, err
		}

		delay := c.retryDelay << attempt
		slog.Warn("downstream call failed, retrying",
			"breaker", breakerName, "attempt", attempt+1,
			"delay", delay.String(), "error", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return resp, serr
		}
	}
}

// isCircuitOpen reports whether err is a breaker rejection rather than a
// call failure.
func isCircuitOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen)
}

func (c *Caller) once(ctx context.Context, req CallRequest) (*CallResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &CallResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}
