package discovery

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryCoordinator is an in-process Coordinator with ZooKeeper-like
// one-shot children watches. It backs tests and local single-process setups.
type MemoryCoordinator struct {
	mu      sync.Mutex
	nodes   map[string][]byte
	watches map[string][]chan WatchEvent
	seq     int
	closed  bool
	session chan SessionEvent
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		nodes:   map[string][]byte{"/": nil},
		watches: make(map[string][]chan WatchEvent),
		session: make(chan SessionEvent, 16),
	}
}

// Set creates or updates path, creating missing parents.
func (m *MemoryCoordinator) Set(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureLocked(parentOf(path))
	_, existed := m.nodes[path]
	m.nodes[path] = data
	if !existed {
		m.fireLocked(parentOf(path), WatchChildrenChanged, nil)
	}
}

// Delete removes path and its descendants.
func (m *MemoryCoordinator) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[path]; !ok {
		return
	}
	for p := range m.nodes {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(m.nodes, p)
		}
	}
	m.fireLocked(parentOf(path), WatchChildrenChanged, nil)
}

// DropWatches fires WatchDropped on every pending watch, as a session
// expiry would.
func (m *MemoryCoordinator) DropWatches() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path := range m.watches {
		m.fireLocked(path, WatchDropped, ErrClosed)
	}
}

// EmitSession injects a session state change.
func (m *MemoryCoordinator) EmitSession(ev SessionEvent) {
	m.session <- ev
}

func (m *MemoryCoordinator) Children(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.childrenLocked(path)
}

func (m *MemoryCoordinator) ChildrenW(path string) ([]string, <-chan WatchEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	children, err := m.childrenLocked(path)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan WatchEvent, 1)
	m.watches[path] = append(m.watches[path], ch)
	return children, ch, nil
}

func (m *MemoryCoordinator) Get(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNoNode)
	}
	return data, nil
}

func (m *MemoryCoordinator) EnsurePath(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.ensureLocked(path)
	return nil
}

func (m *MemoryCoordinator) CreateEphemeralSequential(prefix string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	parent := parentOf(prefix)
	if _, ok := m.nodes[parent]; !ok {
		return "", fmt.Errorf("%s: %w", parent, ErrNoNode)
	}
	path := fmt.Sprintf("%s%010d", prefix, m.seq)
	m.seq++
	m.nodes[path] = data
	m.fireLocked(parent, WatchChildrenChanged, nil)
	return path, nil
}

func (m *MemoryCoordinator) SessionEvents() <-chan SessionEvent {
	return m.session
}

func (m *MemoryCoordinator) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for path := range m.watches {
		m.fireLocked(path, WatchDropped, ErrClosed)
	}
}

func (m *MemoryCoordinator) childrenLocked(path string) ([]string, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.nodes[path]; !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNoNode)
	}

	prefix := strings.TrimSuffix(path, "/") + "/"
	children := []string{}
	for p := range m.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children, nil
}

func (m *MemoryCoordinator) ensureLocked(path string) {
	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		if _, ok := m.nodes[current]; !ok {
			m.nodes[current] = nil
			m.fireLocked(parentOf(current), WatchChildrenChanged, nil)
		}
	}
}

func (m *MemoryCoordinator) fireLocked(path string, typ WatchEventType, err error) {
	for _, ch := range m.watches[path] {
		ch <- WatchEvent{Type: typ, Path: path, Err: err}
		close(ch)
	}
	delete(m.watches, path)
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
