package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"minfs/pkg/config"
	"minfs/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testTransportConfig() config.TransportConfig {
	cfg := config.Default().Transport
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

// flakyServer fails the first `failures` calls with status, then answers 200.
func flakyServer(t *testing.T, failures int32, status int) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			w.WriteHeader(status)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDoRetriesIdempotentOnTransientStatus(t *testing.T) {
	srv, calls := flakyServer(t, 2, http.StatusServiceUnavailable)
	m := metrics.NewClientMetrics(prometheus.NewRegistry())
	c := New(testTransportConfig(), zaptest.NewLogger(t), m)

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestRetries))
}

func TestDoStopsAfterMaxRetries(t *testing.T) {
	srv, calls := flakyServer(t, 100, http.StatusBadGateway)
	c := New(testTransportConfig(), zaptest.NewLogger(t), nil)

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodDelete, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, resp.OK())
	assert.Equal(t, int32(4), atomic.LoadInt32(calls), "one attempt plus three retries")
}

func TestDoNeverRetriesPost(t *testing.T) {
	srv, calls := flakyServer(t, 1, http.StatusInternalServerError)
	c := New(testTransportConfig(), zaptest.NewLogger(t), nil)

	req, err := NewJSONRequest(http.MethodPost, srv.URL, map[string]string{"path": "/a"})
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestDoDoesNotRetryNonTransientStatus(t *testing.T) {
	srv, calls := flakyServer(t, 1, http.StatusNotFound)
	c := New(testTransportConfig(), zaptest.NewLogger(t), nil)

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestDoSendsQueryAndBody(t *testing.T) {
	var gotQuery url.Values
	var gotBody []byte
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotBody, _ = io.ReadAll(r.Body)
		gotType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"size": 13}`))
	}))
	defer srv.Close()

	c := New(testTransportConfig(), zaptest.NewLogger(t), nil)
	resp, err := c.Do(context.Background(), &Request{
		Method:      http.MethodPost,
		URL:         srv.URL + "/file/write",
		Query:       url.Values{"path": {"/data/f"}, "offset": {"42"}},
		Body:        []byte("payload"),
		ContentType: "application/octet-stream",
	})
	require.NoError(t, err)

	assert.Equal(t, "/data/f", gotQuery.Get("path"))
	assert.Equal(t, "42", gotQuery.Get("offset"))
	assert.Equal(t, []byte("payload"), gotBody)
	assert.Equal(t, "application/octet-stream", gotType)

	var out struct {
		Size int64 `json:"size"`
	}
	require.NoError(t, resp.DecodeJSON(&out))
	assert.Equal(t, int64(13), out.Size)
}

func TestDoReturnsConnectionErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(testTransportConfig(), zaptest.NewLogger(t), nil)
	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: addr})
	assert.Error(t, err)
}

func TestDoHonoursCancellationDuringBackoff(t *testing.T) {
	srv, _ := flakyServer(t, 100, http.StatusServiceUnavailable)
	cfg := testTransportConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = time.Second
	c := New(cfg, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, &Request{Method: http.MethodGet, URL: srv.URL})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	c := New(config.TransportConfig{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}, nil, nil)
	for attempt := 0; attempt < 10; attempt++ {
		d := c.calculateBackoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
