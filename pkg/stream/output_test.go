package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"minfs/pkg/metrics"
	"minfs/pkg/testutil"
	"minfs/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func emptyReplicas(t *testing.T, count int) ([]*testutil.DataServer, []types.ReplicaLocation) {
	return seeded(t, count, "/out", nil)
}

func openOutput(t *testing.T, replicas []types.ReplicaLocation, opts ...Option) *OutputStream {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	out, err := NewOutputStream(context.Background(), newTransport(t), "/out", replicas, opts...)
	require.NoError(t, err)
	return out
}

func contents(t *testing.T, d *testutil.DataServer) []byte {
	data, ok := d.Contents("/out")
	require.True(t, ok)
	return data
}

func TestOutputStreamRequiresReplicas(t *testing.T) {
	_, err := NewOutputStream(context.Background(), newTransport(t), "/out", nil)
	assert.ErrorIs(t, err, ErrNoReplicas)
}

func TestOutputStreamHelloWorld(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 3)
	out := openOutput(t, replicas)

	n, err := out.WriteString("Hello, World!")
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	require.NoError(t, out.Close())

	assert.Equal(t, "65a8e27d8879283831b664bd8b7f0ad4", out.Checksum())
	assert.Equal(t, int64(13), out.Tell())
	for _, d := range nodes {
		assert.Equal(t, "Hello, World!", string(contents(t, d)))
	}
}

func TestOutputStreamFlushThreshold(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 2)
	out := openOutput(t, replicas, WithBufferSize(1024))

	_, err := out.Write(pattern(1000))
	require.NoError(t, err)
	assert.Equal(t, 0, nodes[0].Writes(), "below threshold stays buffered")
	assert.Equal(t, 1000, out.Buffered())

	_, err = out.Write(pattern(24))
	require.NoError(t, err)
	assert.Equal(t, 1, nodes[0].Writes())
	assert.Equal(t, 1, nodes[1].Writes())
	assert.Equal(t, 0, out.Buffered())
	assert.Equal(t, int64(1024), out.Tell())
}

func TestOutputStreamWriteOfExactThresholdFlushesOnce(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 1)
	out := openOutput(t, replicas, WithBufferSize(1024))

	_, err := out.Write(pattern(1024))
	require.NoError(t, err)
	assert.Equal(t, 1, nodes[0].Writes())
	assert.Equal(t, 0, out.Buffered())

	require.NoError(t, out.Close())
	assert.Equal(t, 1, nodes[0].Writes(), "nothing left for close to flush")
}

func TestOutputStreamWriteBelowThresholdWaitsForClose(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 1)
	out := openOutput(t, replicas, WithBufferSize(1024))

	_, err := out.Write(pattern(1023))
	require.NoError(t, err)
	assert.Equal(t, 0, nodes[0].Writes())

	require.NoError(t, out.Close())
	assert.Equal(t, 1, nodes[0].Writes())
	assert.Equal(t, pattern(1023), contents(t, nodes[0]))
}

func TestOutputStreamRoundTrip(t *testing.T) {
	data := pattern(3*1024 + 17)
	nodes, replicas := emptyReplicas(t, 2)
	out := openOutput(t, replicas, WithBufferSize(1024))

	n, err := out.ReadFrom(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	require.NoError(t, out.Close())

	for _, d := range nodes {
		assert.Equal(t, data, contents(t, d))
	}

	in := openInput(t, replicas)
	sum, err := in.CalculateChecksum()
	require.NoError(t, err)
	assert.Equal(t, out.Checksum(), sum)
}

func TestOutputStreamQuorumOfOne(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 3)
	m := metrics.NewClientMetrics(prometheus.NewRegistry())
	out := openOutput(t, replicas, WithMetrics(m))

	nodes[0].FailWrites(http.StatusInternalServerError)
	nodes[2].Close()

	_, err := out.WriteString("partial")
	require.NoError(t, err)
	require.NoError(t, out.Flush())

	assert.Equal(t, int64(7), out.Tell())
	assert.Equal(t, "partial", string(contents(t, nodes[1])))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.ReplicaWriteFailures))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Flushes.WithLabelValues("ok")))
}

func TestOutputStreamNoAckKeepsBuffer(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 2)
	out := openOutput(t, replicas)

	for _, d := range nodes {
		d.FailWrites(http.StatusInternalServerError)
	}

	_, err := out.WriteString("retry me")
	require.NoError(t, err)

	err = out.Flush()
	var flushErr *FlushError
	require.True(t, errors.As(err, &flushErr))
	assert.ErrorIs(t, err, ErrNoReplicaAck)
	assert.Equal(t, "/out", flushErr.Path)
	assert.Equal(t, int64(0), flushErr.Offset)
	assert.Equal(t, 2, flushErr.Attempts)
	assert.Equal(t, 8, out.Buffered())
	assert.Equal(t, int64(0), out.Tell())

	assert.Error(t, out.Close(), "final flush fails")
	_, err = out.WriteString("!")
	require.NoError(t, err, "stream stays open after a failed close")

	nodes[0].FailWrites(0)
	require.NoError(t, out.Close())
	assert.Equal(t, "retry me!", string(contents(t, nodes[0])))
}

func TestOutputStreamThresholdFlushFailureReturnsError(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 1)
	out := openOutput(t, replicas, WithBufferSize(4))
	nodes[0].FailWrites(http.StatusServiceUnavailable)

	n, err := out.Write([]byte("abcdef"))
	assert.Equal(t, 6, n)
	assert.ErrorIs(t, err, ErrNoReplicaAck)
	assert.Equal(t, 6, out.Buffered())
}

func TestOutputStreamAnyStatusOKIsAnAck(t *testing.T) {
	var writes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false}`))
	}))
	t.Cleanup(srv.Close)

	node, err := types.ParseEndpoint(srv.Listener.Addr().String())
	require.NoError(t, err)
	out := openOutput(t, []types.ReplicaLocation{{ID: "r1", Node: node, Path: "/out"}})

	_, err = out.WriteString("acked")
	require.NoError(t, err)
	require.NoError(t, out.Flush())
	assert.Equal(t, int32(1), writes.Load())
	assert.Equal(t, int64(5), out.Tell())
	assert.Zero(t, out.Buffered())
}

func TestOutputStreamSeek(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 1)
	out := openOutput(t, replicas)

	_, err := out.WriteString("0123456789")
	require.NoError(t, err)

	pos, err := out.Seek(2, io.SeekStart)
	require.NoError(t, err, "seek flushes first")
	assert.Equal(t, int64(2), pos)
	assert.Equal(t, "0123456789", string(contents(t, nodes[0])))

	_, err = out.WriteString("ab")
	require.NoError(t, err)

	pos, err = out.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)

	pos, err = out.Seek(-3, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)

	pos, err = out.Seek(-100, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	_, err = out.Seek(0, 42)
	assert.ErrorIs(t, err, ErrInvalidWhence)

	require.NoError(t, out.Close())
	assert.Equal(t, "01ab456789", string(contents(t, nodes[0])))
}

func TestOutputStreamSeekOverflow(t *testing.T) {
	_, replicas := emptyReplicas(t, 1)
	out := openOutput(t, replicas)

	_, err := out.Seek(10, io.SeekStart)
	require.NoError(t, err)

	_, err = out.Seek(math.MaxInt64, io.SeekCurrent)
	assert.ErrorIs(t, err, ErrSeekOverflow)
	assert.Equal(t, int64(10), out.Tell(), "position unchanged")

	pos, err := out.Seek(math.MinInt64, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestOutputStreamClosed(t *testing.T) {
	_, replicas := emptyReplicas(t, 1)
	out := openOutput(t, replicas)

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())

	_, err := out.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStreamClosed)
	_, err = out.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.NoError(t, out.Flush())
}

func TestOutputStreamWriteFile(t *testing.T) {
	data := pattern(10000)
	local := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(local, data, 0644))

	nodes, replicas := emptyReplicas(t, 1)
	out := openOutput(t, replicas, WithBufferSize(4096))

	var reports []float64
	n, err := out.WriteFile(local, 3000, func(pct float64) { reports = append(reports, pct) })
	require.NoError(t, err)
	assert.Equal(t, int64(10000), n)
	require.NoError(t, out.Close())

	assert.Equal(t, data, contents(t, nodes[0]))
	require.NotEmpty(t, reports)
	assert.InDelta(t, 100.0, reports[len(reports)-1], 0.001)
	assert.Equal(t, md5Hex(data), out.Checksum())

	_, err = out.WriteFile(filepath.Join(t.TempDir(), "missing"), 0, nil)
	assert.Error(t, err)
}

func TestOutputStreamWriteFrom(t *testing.T) {
	nodes, replicas := emptyReplicas(t, 1)
	out := openOutput(t, replicas)

	n, err := out.WriteFrom(strings.NewReader("streamed text"), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)
	require.NoError(t, out.Close())
	assert.Equal(t, "streamed text", string(contents(t, nodes[0])))
}
