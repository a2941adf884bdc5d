package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"minfs/pkg/config"
	"minfs/pkg/metrics"

	"go.uber.org/zap"
)

// Request is a single HTTP call against a metadata or storage node.
type Request struct {
	Method      string
	URL         string
	Query       url.Values
	Body        []byte
	ContentType string
}

// Response holds a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Doer executes requests. *Client is the production implementation.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Client executes requests over a bounded shared connection pool and retries
// idempotent calls that fail with a transient server status.
type Client struct {
	http    *http.Client
	logger  *zap.Logger
	metrics *metrics.ClientMetrics

	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	retryStatus  map[int]bool
}

// New creates a client from the transport section of the config.
func New(cfg config.TransportConfig, logger *zap.Logger, m *metrics.ClientMetrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 100
	}
	pool := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	retryStatus := make(map[int]bool, len(cfg.RetryStatusCodes))
	for _, code := range cfg.RetryStatusCodes {
		retryStatus[code] = true
	}

	return &Client{
		http: &http.Client{
			Transport: pool,
			Timeout:   cfg.Timeout,
		},
		logger:       logger,
		metrics:      m,
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BackoffBase,
		maxDelay:     cfg.BackoffMax,
		jitterFactor: 0.2,
		retryStatus:  retryStatus,
	}
}

// Do executes req. Any HTTP response, including a final 5xx after retries
// are exhausted, is returned without error; errors are reserved for
// connection failures, timeouts and cancellation.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	started := time.Now()
	attempts := 1
	if isIdempotent(req.Method) {
		attempts += c.maxRetries
	}

	var resp *Response
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.metrics.ObserveRetry()
			delay := c.calculateBackoff(attempt - 1)
			c.logger.Debug("Retrying request after transient failure",
				zap.String("method", req.Method),
				zap.String("url", target),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var err error
		resp, err = c.send(ctx, req.Method, target, req)
		if err != nil {
			return nil, err
		}
		if !c.retryStatus[resp.StatusCode] {
			break
		}
	}

	c.metrics.ObserveRequest(req.Method, resp.StatusCode, started)
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, target string, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, target, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", target, err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// calculateBackoff returns baseDelay * 2^attempt capped at maxDelay, with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	delay += delay * c.jitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(c.baseDelay)
	}
	return time.Duration(delay)
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// isIdempotent reports whether a failed call may be replayed. POST is
// excluded so a create is never replayed.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// NewJSONRequest builds a request whose body is v encoded as JSON.
func NewJSONRequest(method, target string, v interface{}) (*Request, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return &Request{
		Method:      method,
		URL:         target,
		Body:        data,
		ContentType: "application/json",
	}, nil
}
