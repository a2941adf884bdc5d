package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamClosed is returned by any operation on a closed stream.
	ErrStreamClosed = errors.New("stream is closed")
	// ErrInvalidWhence is returned by Seek for an unknown whence value.
	ErrInvalidWhence = errors.New("invalid whence")
	// ErrSeekOverflow is returned by an output Seek whose target does not fit
	// in an int64.
	ErrSeekOverflow = errors.New("seek offset overflows")
	// ErrNoReplicas is returned when a stream is opened over zero replicas.
	ErrNoReplicas = errors.New("file has no replicas")
	// ErrNoReplicaAck means a flush reached no replica successfully.
	ErrNoReplicaAck = errors.New("no replica acknowledged the write")
	// ErrReplicasUnavailable means every replica failed to serve a read.
	ErrReplicasUnavailable = errors.New("all replicas failed to serve the read")
)

// FlushError reports a flush that no replica acknowledged. The buffered
// bytes are kept so the flush can be retried.
type FlushError struct {
	Path     string
	Offset   int64
	Attempts int
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("failed to write %s at offset %d: %d replicas tried: %v",
		e.Path, e.Offset, e.Attempts, ErrNoReplicaAck)
}

func (e *FlushError) Unwrap() error {
	return ErrNoReplicaAck
}
