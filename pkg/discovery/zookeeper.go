package discovery

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"minfs/pkg/config"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZKSession is a Coordinator backed by a ZooKeeper session.
type ZKSession struct {
	conn   *zk.Conn
	logger *zap.Logger
	events chan SessionEvent

	closeOnce sync.Once
	done      chan struct{}
}

// zkLogger routes the zk library's own logging through zap.
type zkLogger struct {
	sugar *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Dial opens a ZooKeeper session. The session reconnects on its own; state
// changes are reported through SessionEvents.
func Dial(cfg config.CoordinationConfig, logger *zap.Logger) (*ZKSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, zkEvents, err := zk.Connect(cfg.Servers, cfg.SessionTimeout,
		zk.WithLogger(zkLogger{sugar: logger.Named("zk").Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordination service: %w", err)
	}

	s := &ZKSession{
		conn:   conn,
		logger: logger,
		events: make(chan SessionEvent, 16),
		done:   make(chan struct{}),
	}
	go s.forwardSessionEvents(zkEvents)

	logger.Info("Connecting to coordination service", zap.Strings("servers", cfg.Servers))
	return s, nil
}

func (s *ZKSession) forwardSessionEvents(zkEvents <-chan zk.Event) {
	defer close(s.events)

	for ev := range zkEvents {
		if ev.Type != zk.EventSession {
			continue
		}

		var out SessionEvent
		switch ev.State {
		case zk.StateHasSession:
			out = SessionConnected
		case zk.StateDisconnected:
			out = SessionDisconnected
		case zk.StateExpired:
			out = SessionExpired
		default:
			continue
		}

		s.logger.Debug("Coordination session state changed", zap.Stringer("state", ev.State))
		select {
		case s.events <- out:
		case <-s.done:
			return
		}
	}
}

func (s *ZKSession) Children(path string) ([]string, error) {
	children, _, err := s.conn.Children(path)
	if err != nil {
		return nil, mapZKError(path, err)
	}
	return children, nil
}

func (s *ZKSession) ChildrenW(path string) ([]string, <-chan WatchEvent, error) {
	children, _, zkWatch, err := s.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, mapZKError(path, err)
	}

	out := make(chan WatchEvent, 1)
	go func() {
		ev, ok := <-zkWatch
		switch {
		case !ok, ev.Type == zk.EventNotWatching:
			out <- WatchEvent{Type: WatchDropped, Path: path, Err: ev.Err}
		default:
			out <- WatchEvent{Type: WatchChildrenChanged, Path: path}
		}
		close(out)
	}()
	return children, out, nil
}

func (s *ZKSession) Get(path string) ([]byte, error) {
	data, _, err := s.conn.Get(path)
	if err != nil {
		return nil, mapZKError(path, err)
	}
	return data, nil
}

func (s *ZKSession) EnsurePath(path string) error {
	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		_, err := s.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create %s: %w", current, err)
		}
	}
	return nil
}

func (s *ZKSession) CreateEphemeralSequential(prefix string, data []byte) (string, error) {
	path, err := s.conn.Create(prefix, data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", mapZKError(prefix, err)
	}
	return path, nil
}

func (s *ZKSession) SessionEvents() <-chan SessionEvent {
	return s.events
}

func (s *ZKSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.logger.Info("Closed coordination session")
	})
}

func mapZKError(path string, err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%s: %w", path, ErrNoNode)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return fmt.Errorf("%s: %w", path, ErrClosed)
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}
