package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ClientMetrics tracks transport, replica I/O and membership metrics. A nil
// *ClientMetrics is valid and records nothing.
type ClientMetrics struct {
	gatherer prometheus.Gatherer

	// Transport
	RequestsTotal  *prometheus.CounterVec
	RequestRetries prometheus.Counter
	RequestLatency prometheus.Histogram

	// Replica I/O
	ReplicaReadFailures  prometheus.Counter
	ReplicaWriteFailures prometheus.Counter
	Flushes              *prometheus.CounterVec
	BytesRead            prometheus.Counter
	BytesWritten         prometheus.Counter

	// Membership
	MembershipRebuilds *prometheus.CounterVec
	MetadataNodes      prometheus.Gauge
	StorageNodes       prometheus.Gauge
}

// NewClientMetrics creates and registers the client metrics on registry.
func NewClientMetrics(registry *prometheus.Registry) *ClientMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &ClientMetrics{
		gatherer: registry,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minfs_client_requests_total",
			Help: "HTTP requests issued to metadata and storage nodes",
		}, []string{"method", "code"}),
		RequestRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "minfs_client_request_retries_total",
			Help: "Automatic retries on transient server errors",
		}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "minfs_client_request_latency_seconds",
			Help:    "HTTP request latency including retries",
			Buckets: prometheus.DefBuckets,
		}),

		ReplicaReadFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "minfs_client_replica_read_failures_total",
			Help: "Byte-range reads that failed on a single replica",
		}),
		ReplicaWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "minfs_client_replica_write_failures_total",
			Help: "Buffer flushes that failed on a single replica",
		}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minfs_client_flushes_total",
			Help: "Output stream flushes by outcome",
		}, []string{"result"}),
		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "minfs_client_bytes_read_total",
			Help: "Bytes fetched from storage nodes",
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "minfs_client_bytes_written_total",
			Help: "Bytes acknowledged by at least one replica",
		}),

		MembershipRebuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minfs_client_membership_rebuilds_total",
			Help: "Cluster view rebuilds by tier",
		}, []string{"tier"}),
		MetadataNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "minfs_client_metadata_nodes",
			Help: "Live metadata nodes in the current cluster view",
		}),
		StorageNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "minfs_client_storage_nodes",
			Help: "Live storage nodes in the current cluster view",
		}),
	}
}

func (m *ClientMetrics) ObserveRequest(method string, code int, started time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.RequestLatency.Observe(time.Since(started).Seconds())
}

func (m *ClientMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.RequestRetries.Inc()
}

func (m *ClientMetrics) ObserveReplicaRead(n int, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.ReplicaReadFailures.Inc()
		return
	}
	m.BytesRead.Add(float64(n))
}

func (m *ClientMetrics) ObserveReplicaWriteFailure() {
	if m == nil {
		return
	}
	m.ReplicaWriteFailures.Inc()
}

func (m *ClientMetrics) ObserveFlush(n int, ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.Flushes.WithLabelValues("failed").Inc()
		return
	}
	m.Flushes.WithLabelValues("ok").Inc()
	m.BytesWritten.Add(float64(n))
}

// ObserveMembership records a rebuild of tier ("metadata" or "storage").
func (m *ClientMetrics) ObserveMembership(tier string, metadataNodes, storageNodes int) {
	if m == nil {
		return
	}
	m.MembershipRebuilds.WithLabelValues(tier).Inc()
	m.MetadataNodes.Set(float64(metadataNodes))
	m.StorageNodes.Set(float64(storageNodes))
}

// Handler exposes the registry in the Prometheus text format.
func (m *ClientMetrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve runs a metrics endpoint on address until the server fails.
func (m *ClientMetrics) Serve(address string, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: address, Handler: mux}

	go func() {
		logger.Info("Serving metrics", zap.String("address", address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
