package stream

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"

	"minfs/pkg/metrics"
	"minfs/pkg/transport"
	"minfs/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutputStream buffers writes and flushes them to every replica at the same
// offset. A flush succeeds when at least one replica acknowledges it.
//
// An OutputStream is not safe for concurrent use.
type OutputStream struct {
	ctx      context.Context
	tr       transport.Doer
	path     string
	replicas []types.ReplicaLocation
	logger   *zap.Logger
	metrics  *metrics.ClientMetrics

	bufferSize int
	buf        []byte
	pos        int64
	hash       hash.Hash
	closed     bool
}

// NewOutputStream opens path for writing at offset 0.
func NewOutputStream(ctx context.Context, tr transport.Doer, path string, replicas []types.ReplicaLocation, opts ...Option) (*OutputStream, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("failed to create %s: %w", path, ErrNoReplicas)
	}
	o := buildOptions(opts)

	s := &OutputStream{
		ctx:        ctx,
		tr:         tr,
		path:       path,
		replicas:   append([]types.ReplicaLocation(nil), replicas...),
		logger:     o.logger.With(zap.String("stream_id", uuid.NewString()), zap.String("path", path)),
		metrics:    o.metrics,
		bufferSize: o.bufferSize,
		buf:        make([]byte, 0, o.bufferSize),
		hash:       md5.New(),
	}
	s.logger.Debug("Opened output stream", zap.Int("replicas", len(s.replicas)))
	return s, nil
}

// Path returns the logical path of the file.
func (s *OutputStream) Path() string { return s.path }

// Tell returns the remote offset the next flush writes at.
func (s *OutputStream) Tell() int64 { return s.pos }

// Buffered returns the number of bytes not yet flushed.
func (s *OutputStream) Buffered() int { return len(s.buf) }

// Checksum returns the MD5 of every byte passed to Write, flushed or not.
func (s *OutputStream) Checksum() string {
	return hex.EncodeToString(s.hash.Sum(nil))
}

// Write buffers p and flushes once the buffer reaches its threshold. If that
// flush fails the bytes stay buffered and the error is returned.
func (s *OutputStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.hash.Write(p)
	s.buf = append(s.buf, p...)

	if len(s.buf) >= s.bufferSize {
		if err := s.flushBuffer(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// WriteString implements io.StringWriter.
func (s *OutputStream) WriteString(text string) (int, error) {
	return s.Write([]byte(text))
}

// Flush sends the buffer to all replicas. It is a no-op when the buffer is
// empty or the stream is closed.
func (s *OutputStream) Flush() error {
	if s.closed || len(s.buf) == 0 {
		return nil
	}
	return s.flushBuffer()
}

func (s *OutputStream) flushBuffer() error {
	data := s.buf
	offset := s.pos

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		acks int
	)
	for _, r := range s.replicas {
		wg.Add(1)
		go func(r types.ReplicaLocation) {
			defer wg.Done()

			err := s.writeReplica(r, offset, data)
			if err != nil {
				s.metrics.ObserveReplicaWriteFailure()
				s.logger.Warn("Failed to write to replica",
					zap.String("replica", r.Node.Address()),
					zap.Int64("offset", offset),
					zap.Error(err))
				return
			}

			mu.Lock()
			acks++
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	if acks == 0 {
		s.metrics.ObserveFlush(len(data), false)
		return &FlushError{Path: s.path, Offset: offset, Attempts: len(s.replicas)}
	}

	s.metrics.ObserveFlush(len(data), true)
	s.pos += int64(len(data))
	s.buf = s.buf[:0]
	s.logger.Debug("Flushed buffer",
		zap.Int("bytes", len(data)),
		zap.Int64("offset", offset),
		zap.Int("acks", acks),
		zap.Int("replicas", len(s.replicas)))
	return nil
}

func (s *OutputStream) writeReplica(r types.ReplicaLocation, offset int64, data []byte) error {
	resp, err := s.tr.Do(s.ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    r.Node.URL() + "/file/write",
		Query: url.Values{
			"path":   {r.Path},
			"offset": {strconv.FormatInt(offset, 10)},
		},
		Body:        data,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return err
	}
	// Any 2xx is an ack; the body is not inspected.
	if !resp.OK() {
		return fmt.Errorf("storage node returned %d", resp.StatusCode)
	}
	return nil
}

// Seek flushes pending bytes and moves the write offset. SeekEnd is relative
// to the size reported by the first replica. Negative results become 0.
func (s *OutputStream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return s.pos, ErrStreamClosed
	}
	if whence != io.SeekStart && whence != io.SeekCurrent && whence != io.SeekEnd {
		return s.pos, fmt.Errorf("%w: %d", ErrInvalidWhence, whence)
	}

	if err := s.Flush(); err != nil {
		return s.pos, err
	}

	base := int64(0)
	switch whence {
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		size, err := remoteSize(s.ctx, s.tr, s.replicas[0])
		if err != nil {
			return s.pos, fmt.Errorf("failed to get size of %s: %w", s.path, err)
		}
		base = size
	}

	target, ok := addOffset(base, offset)
	if !ok && offset > 0 {
		return s.pos, fmt.Errorf("%w: %d from %d", ErrSeekOverflow, offset, base)
	}

	if target < 0 {
		target = 0
	}
	s.pos = target
	return s.pos, nil
}

// Close flushes what is left and closes the stream. If the final flush
// fails the stream stays open so Close can be retried.
func (s *OutputStream) Close() error {
	if s.closed {
		return nil
	}
	if len(s.buf) > 0 {
		if err := s.flushBuffer(); err != nil {
			return err
		}
	}
	s.closed = true
	s.buf = nil
	s.logger.Info("Closed output stream", zap.Int64("size", s.pos), zap.String("md5", s.Checksum()))
	return nil
}

// WriteFrom copies r into the stream in chunkSize pieces.
func (s *OutputStream) WriteFrom(r io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = IterChunkSize
	}

	chunk := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := s.Write(chunk[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("failed to read source: %w", err)
		}
	}
}

// ReadFrom implements io.ReaderFrom.
func (s *OutputStream) ReadFrom(r io.Reader) (int64, error) {
	return s.WriteFrom(r, 32*1024)
}

// WriteFile copies a local file into the stream. progress, if set, receives
// the completed percentage after every chunk.
func (s *OutputStream) WriteFile(localPath string, chunkSize int, progress func(percent float64)) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	total := info.Size()

	if progress == nil {
		return s.WriteFrom(f, chunkSize)
	}

	var written int64
	n, err := s.WriteFrom(io.TeeReader(f, progressWriter(func(n int) {
		written += int64(n)
		pct := 100.0
		if total > 0 {
			pct = float64(written) * 100 / float64(total)
		}
		progress(pct)
	})), chunkSize)
	if err == nil && total == 0 {
		progress(100)
	}
	return n, err
}

type progressWriter func(n int)

func (p progressWriter) Write(b []byte) (int, error) {
	p(len(b))
	return len(b), nil
}
