// Package stream implements replica-aware file streams: a read stream that
// falls back across replicas and a buffered write stream that fans out to
// every replica.
package stream

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"

	"minfs/pkg/metrics"
	"minfs/pkg/transport"
	"minfs/pkg/types"

	"go.uber.org/zap"
)

const (
	DefaultBufferSize = 1024 * 1024
	DefaultChunkSize  = 1024 * 1024

	// IterChunkSize is the chunk size of NextChunk and checksum reads.
	IterChunkSize = 8 * 1024
)

// Option configures a stream.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	metrics    *metrics.ClientMetrics
	bufferSize int
	chunkSize  int
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.ClientMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBufferSize sets the output flush threshold.
func WithBufferSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = int(n)
		}
	}
}

// WithChunkSize sets the largest byte range requested from a replica.
func WithChunkSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = int(n)
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		bufferSize: DefaultBufferSize,
		chunkSize:  DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

type sizeResponse struct {
	Size int64 `json:"size"`
}

// remoteSize asks a storage node for the current length of a replica.
func remoteSize(ctx context.Context, tr transport.Doer, r types.ReplicaLocation) (int64, error) {
	resp, err := tr.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		URL:    r.Node.URL() + "/file/size",
		Query:  url.Values{"path": {r.Path}},
	})
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, fmt.Errorf("storage node %s returned %d", r.Node, resp.StatusCode)
	}

	var size sizeResponse
	if err := resp.DecodeJSON(&size); err != nil {
		return 0, err
	}
	return size.Size, nil
}

// addOffset returns base+offset, saturated at the int64 bounds. ok is false
// when the sum had to be saturated.
func addOffset(base, offset int64) (sum int64, ok bool) {
	switch {
	case offset > 0 && base > math.MaxInt64-offset:
		return math.MaxInt64, false
	case offset < 0 && base < math.MinInt64-offset:
		return math.MinInt64, false
	}
	return base + offset, true
}
