// Package discovery tracks the live metadata and storage nodes of a minfs
// cluster through a coordination service.
//
// Nodes register ephemeral children under two well-known paths. The client
// keeps a long-lived children watch on each path, rebuilds a ClusterView on
// every change and publishes it atomically. The master/slave metadata
// endpoints are chosen by list position only; this is not leader election and
// callers must not treat "master" as linearizable.
package discovery

import (
	"errors"
	"fmt"
)

var (
	// ErrNoNode is returned when a coordination path does not exist.
	ErrNoNode = errors.New("coordination node does not exist")
	// ErrClosed is returned by a coordinator after Close.
	ErrClosed = errors.New("coordination session closed")
)

// WatchEventType describes why a children watch fired.
type WatchEventType int

const (
	WatchChildrenChanged WatchEventType = iota
	// WatchDropped means the watch will never fire, e.g. the session expired.
	WatchDropped
)

// WatchEvent is delivered at most once per ChildrenW call.
type WatchEvent struct {
	Type WatchEventType
	Path string
	Err  error
}

// SessionEvent is a change of the coordination session state.
type SessionEvent int

const (
	SessionConnected SessionEvent = iota
	SessionDisconnected
	SessionExpired
)

func (e SessionEvent) String() string {
	switch e {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionExpired:
		return "expired"
	default:
		return fmt.Sprintf("session(%d)", int(e))
	}
}

// Coordinator is the subset of a hierarchical watch service the client uses.
type Coordinator interface {
	// Children lists the child names of path.
	Children(path string) ([]string, error)
	// ChildrenW lists the child names of path and sets a one-shot watch in
	// the same round trip.
	ChildrenW(path string) ([]string, <-chan WatchEvent, error)
	Get(path string) ([]byte, error)
	// EnsurePath creates path and its parents as persistent nodes.
	EnsurePath(path string) error
	// CreateEphemeralSequential creates prefix+<sequence> bound to the
	// session and returns the full path.
	CreateEphemeralSequential(prefix string, data []byte) (string, error)
	// SessionEvents streams session state changes. It has a single consumer.
	SessionEvents() <-chan SessionEvent
	Close()
}
