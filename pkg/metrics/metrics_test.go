package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *ClientMetrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("GET", 200, time.Now())
		m.ObserveRetry()
		m.ObserveReplicaRead(10, false)
		m.ObserveReplicaWriteFailure()
		m.ObserveFlush(10, true)
		m.ObserveMembership("storage", 1, 2)
	})
}

func TestClientMetricsRecord(t *testing.T) {
	m := NewClientMetrics(prometheus.NewRegistry())

	m.ObserveRequest("GET", 200, time.Now())
	m.ObserveRequest("GET", 200, time.Now())
	m.ObserveRequest("POST", 503, time.Now())
	m.ObserveRetry()
	m.ObserveReplicaRead(100, false)
	m.ObserveReplicaRead(0, true)
	m.ObserveFlush(64, true)
	m.ObserveFlush(64, false)
	m.ObserveMembership("metadata", 2, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestRetries))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplicaReadFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes.WithLabelValues("failed")))
	assert.Equal(t, 64.0, testutil.ToFloat64(m.BytesWritten))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MetadataNodes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StorageNodes))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewClientMetrics(prometheus.NewRegistry())
	m.ObserveRetry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "minfs_client_request_retries_total 1"))
}
