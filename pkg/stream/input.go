package stream

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"minfs/pkg/metrics"
	"minfs/pkg/transport"
	"minfs/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InputStream reads a file from a fixed list of replicas. Every byte range
// is requested from the replicas in list order until one answers. The file
// size is fetched once when the stream is opened.
//
// An InputStream is not safe for concurrent use.
type InputStream struct {
	ctx      context.Context
	tr       transport.Doer
	path     string
	replicas []types.ReplicaLocation
	logger   *zap.Logger
	metrics  *metrics.ClientMetrics

	chunkSize int
	size      int64
	pos       int64

	buf    []byte
	bufPos int

	lastErr error
	closed  bool
}

// NewInputStream opens path for reading. ctx bounds every request the
// stream makes.
func NewInputStream(ctx context.Context, tr transport.Doer, path string, replicas []types.ReplicaLocation, opts ...Option) (*InputStream, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("failed to open %s: %w", path, ErrNoReplicas)
	}
	o := buildOptions(opts)

	s := &InputStream{
		ctx:       ctx,
		tr:        tr,
		path:      path,
		replicas:  append([]types.ReplicaLocation(nil), replicas...),
		logger:    o.logger.With(zap.String("stream_id", uuid.NewString()), zap.String("path", path)),
		metrics:   o.metrics,
		chunkSize: o.chunkSize,
	}

	size, err := remoteSize(ctx, tr, s.replicas[0])
	if err != nil {
		s.logger.Error("Failed to get file size", zap.String("replica", s.replicas[0].Node.Address()), zap.Error(err))
	} else {
		s.size = size
	}
	s.logger.Debug("Opened input stream", zap.Int64("size", s.size), zap.Int("replicas", len(s.replicas)))
	return s, nil
}

// Path returns the logical path of the file.
func (s *InputStream) Path() string { return s.path }

// Size returns the file size observed at open.
func (s *InputStream) Size() int64 { return s.size }

// Tell returns the current read position.
func (s *InputStream) Tell() int64 { return s.pos }

// Err returns the failure of the most recent chunk fetch, or nil if it
// succeeded or hit the end of the file.
func (s *InputStream) Err() error { return s.lastErr }

// ReadN returns up to n bytes. n < 0 reads to the end of the file. A short
// result means the end of the file was reached or no replica could serve
// the next range; Err tells the two apart.
func (s *InputStream) ReadN(n int) ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if n == 0 {
		return []byte{}, nil
	}
	if n < 0 {
		return s.readAll(), nil
	}

	out := make([]byte, 0, minInt(n, s.chunkSize))
	for len(out) < n {
		chunk := s.ReadChunk(minInt(n-len(out), s.chunkSize))
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (s *InputStream) readAll() []byte {
	out := make([]byte, 0, maxInt64(s.size-s.pos, 0))
	out = append(out, s.drain(s.buffered())...)

	for s.pos < s.size {
		chunk := s.ReadChunk(s.chunkSize)
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)
	}
	return out
}

// ReadChunk returns up to size bytes at the current position, serving
// buffered bytes first. It returns nil at the end of the file or when every
// replica failed.
func (s *InputStream) ReadChunk(size int) []byte {
	if s.closed || size <= 0 {
		return nil
	}
	if s.buffered() == 0 && s.fill(size) == 0 {
		return nil
	}
	return s.drain(size)
}

// fill fetches up to size bytes at pos into the buffer, trying replicas in
// order. An empty successful answer is the end of the file.
func (s *InputStream) fill(size int) int {
	s.buf, s.bufPos = nil, 0
	s.lastErr = nil

	for _, r := range s.replicas {
		resp, err := s.tr.Do(s.ctx, &transport.Request{
			Method: http.MethodGet,
			URL:    r.Node.URL() + "/file/read",
			Query: url.Values{
				"path":   {r.Path},
				"offset": {strconv.FormatInt(s.pos, 10)},
				"size":   {strconv.Itoa(size)},
			},
		})
		if err == nil && !resp.OK() {
			err = fmt.Errorf("storage node returned %d", resp.StatusCode)
		}
		if err != nil {
			s.metrics.ObserveReplicaRead(0, true)
			s.logger.Warn("Failed to read from replica",
				zap.String("replica", r.Node.Address()),
				zap.Int64("offset", s.pos),
				zap.Error(err))
			if s.ctx.Err() != nil {
				break
			}
			continue
		}

		s.metrics.ObserveReplicaRead(len(resp.Body), false)
		s.buf = resp.Body
		return len(s.buf)
	}

	s.lastErr = ErrReplicasUnavailable
	s.logger.Error("Failed to read from all replicas", zap.Int64("offset", s.pos))
	return 0
}

func (s *InputStream) buffered() int {
	return len(s.buf) - s.bufPos
}

// drain consumes up to n buffered bytes and advances the position.
func (s *InputStream) drain(n int) []byte {
	if avail := s.buffered(); n > avail {
		n = avail
	}
	out := s.buf[s.bufPos : s.bufPos+n]
	s.bufPos += n
	s.pos += int64(n)
	return out
}

// Read implements io.Reader. It returns io.EOF at the end of the file and
// ErrReplicasUnavailable if no replica could serve the next range.
func (s *InputStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.buffered() == 0 && s.fill(s.chunkSize) == 0 {
		if s.lastErr != nil {
			return 0, s.lastErr
		}
		return 0, io.EOF
	}
	return copy(p, s.drain(len(p))), nil
}

// WriteTo implements io.WriterTo.
func (s *InputStream) WriteTo(w io.Writer) (int64, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}

	var total int64
	for {
		chunk := s.ReadChunk(s.chunkSize)
		if len(chunk) == 0 {
			return total, s.lastErr
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// Seek implements io.Seeker. The result is clamped to [0, Size()] and any
// buffered bytes are discarded.
func (s *InputStream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return s.pos, ErrStreamClosed
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target, _ = addOffset(s.pos, offset)
	case io.SeekEnd:
		target, _ = addOffset(s.size, offset)
	default:
		return s.pos, fmt.Errorf("%w: %d", ErrInvalidWhence, whence)
	}

	if target < 0 {
		target = 0
	} else if target > s.size {
		target = s.size
	}

	s.pos = target
	s.buf, s.bufPos = nil, 0
	s.lastErr = nil
	return s.pos, nil
}

// NextChunk returns the next 8 KiB of the file, or nil at the end.
func (s *InputStream) NextChunk() []byte {
	chunk, err := s.ReadN(IterChunkSize)
	if err != nil || len(chunk) == 0 {
		return nil
	}
	return chunk
}

// CalculateChecksum returns the MD5 of the whole file as lowercase hex. The
// read position is restored afterwards.
func (s *InputStream) CalculateChecksum() (string, error) {
	if s.closed {
		return "", ErrStreamClosed
	}

	saved := s.pos
	defer s.Seek(saved, io.SeekStart)

	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	h := md5.New()
	for {
		chunk, err := s.ReadN(IterChunkSize)
		if err != nil {
			return "", err
		}
		if len(chunk) == 0 {
			break
		}
		h.Write(chunk)
	}
	if s.lastErr != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", s.path, s.lastErr)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Close releases the buffer. It is safe to call more than once.
func (s *InputStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf, s.bufPos = nil, 0
	s.logger.Debug("Closed input stream", zap.Int64("position", s.pos))
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
