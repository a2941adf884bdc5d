package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	watchRetryBase = 100 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// MembershipEvent carries the child list of a watched path right after the
// watch was (re-)armed.
type MembershipEvent struct {
	Path     string
	Children []string
}

// Watch keeps a children watch on path alive until ctx is cancelled and
// emits a MembershipEvent every time it is armed. The child list and the
// watch come from one ChildrenW call, so no change can slip between a
// firing and the re-arm. The returned channel is closed when ctx is done.
func Watch(ctx context.Context, coord Coordinator, path string, logger *zap.Logger) <-chan MembershipEvent {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(chan MembershipEvent)

	go func() {
		defer close(out)
		delay := watchRetryBase

		for {
			children, watch, err := coord.ChildrenW(path)
			if err != nil {
				logger.Debug("Failed to arm membership watch, will retry",
					zap.String("path", path),
					zap.Duration("retry_in", delay),
					zap.Error(err))
				if !sleepCtx(ctx, delay) {
					return
				}
				delay *= 2
				if delay > watchRetryMax {
					delay = watchRetryMax
				}
				continue
			}
			delay = watchRetryBase

			select {
			case out <- MembershipEvent{Path: path, Children: children}:
			case <-ctx.Done():
				return
			}

			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watch:
				if !ok || ev.Type == WatchDropped {
					logger.Debug("Membership watch dropped, re-arming",
						zap.String("path", path),
						zap.Error(ev.Err))
					if !sleepCtx(ctx, watchRetryBase) {
						return
					}
				}
			}
		}
	}()

	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
