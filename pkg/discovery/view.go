package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"minfs/pkg/config"
	"minfs/pkg/metrics"
	"minfs/pkg/types"

	"go.uber.org/zap"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	MetaServersPath string
	DataServersPath string
	Logger          *zap.Logger
	Metrics         *metrics.ClientMetrics
}

// Store holds the latest ClusterView derived from coordination membership.
// Readers are lock-free; rebuilds are serialized.
type Store struct {
	coord    Coordinator
	metaPath string
	dataPath string
	logger   *zap.Logger
	metrics  *metrics.ClientMetrics

	view atomic.Pointer[types.ClusterView]

	rebuildMu   sync.Mutex
	metaNodes   []types.NodeEndpoint
	dataNodes   []types.StorageNodeInfo
	sessionLost bool

	subsMu  sync.Mutex
	subs    map[int]func(types.ClusterView)
	nextSub int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a store over coord. Call Start to begin watching.
func NewStore(coord Coordinator, opts StoreOptions) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MetaServersPath == "" {
		opts.MetaServersPath = config.DefaultMetaServersPath
	}
	if opts.DataServersPath == "" {
		opts.DataServersPath = config.DefaultDataServersPath
	}

	s := &Store{
		coord:    coord,
		metaPath: opts.MetaServersPath,
		dataPath: opts.DataServersPath,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		subs:     make(map[int]func(types.ClusterView)),
	}
	s.view.Store(&types.ClusterView{})
	return s
}

// Start ensures the membership paths exist and starts the watchers.
func (s *Store) Start(ctx context.Context) error {
	for _, p := range []string{s.metaPath, s.dataPath} {
		if err := s.coord.EnsurePath(p); err != nil {
			return fmt.Errorf("failed to ensure membership path %s: %w", p, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	metaEvents := Watch(ctx, s.coord, s.metaPath, s.logger)
	dataEvents := Watch(ctx, s.coord, s.dataPath, s.logger)

	s.wg.Add(1)
	go s.run(ctx, metaEvents, dataEvents, s.coord.SessionEvents())
	return nil
}

// Stop halts the watchers. It does not close the coordinator.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Store) run(ctx context.Context, metaEvents, dataEvents <-chan MembershipEvent, session <-chan SessionEvent) {
	defer s.wg.Done()

	for metaEvents != nil || dataEvents != nil {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-metaEvents:
			if !ok {
				metaEvents = nil
				continue
			}
			s.rebuildMetadata(ev.Children)

		case ev, ok := <-dataEvents:
			if !ok {
				dataEvents = nil
				continue
			}
			s.rebuildStorage(ev.Children)

		case ev, ok := <-session:
			if !ok {
				session = nil
				continue
			}
			s.handleSession(ev)
		}
	}
}

func (s *Store) handleSession(ev SessionEvent) {
	switch ev {
	case SessionDisconnected, SessionExpired:
		s.logger.Warn("Coordination session lost, clearing cluster view", zap.Stringer("state", ev))
		s.rebuildMu.Lock()
		s.sessionLost = true
		s.metaNodes = nil
		s.dataNodes = nil
		s.publishLocked()
		s.rebuildMu.Unlock()

	case SessionConnected:
		s.rebuildMu.Lock()
		lost := s.sessionLost
		s.sessionLost = false
		s.rebuildMu.Unlock()

		if lost {
			s.logger.Info("Coordination session restored, refreshing cluster view")
			s.refresh()
		}
	}
}

// refresh re-reads both membership paths without touching the watches. It
// only runs on the event loop goroutine, so rebuilds never interleave.
func (s *Store) refresh() {
	if children, err := s.coord.Children(s.metaPath); err != nil {
		s.logger.Warn("Failed to list metadata nodes", zap.Error(err))
	} else {
		s.rebuildMetadata(children)
	}

	if children, err := s.coord.Children(s.dataPath); err != nil {
		s.logger.Warn("Failed to list storage nodes", zap.Error(err))
	} else {
		s.rebuildStorage(children)
	}
}

// rebuildMetadata replaces the metadata endpoint list. Children are sorted by
// node name so master/slave selection is deterministic.
func (s *Store) rebuildMetadata(children []string) {
	names := append([]string(nil), children...)
	sort.Strings(names)

	endpoints := make([]types.NodeEndpoint, 0, len(names))
	for _, name := range names {
		data, err := s.coord.Get(s.metaPath + "/" + name)
		if err != nil {
			s.logger.Warn("Failed to read metadata node", zap.String("node", name), zap.Error(err))
			continue
		}
		ep, err := parseMetadataPayload(data)
		if err != nil {
			s.logger.Warn("Skipping malformed metadata node", zap.String("node", name), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}

	s.rebuildMu.Lock()
	s.metaNodes = endpoints
	view := s.publishLocked()
	storageCount := len(s.dataNodes)
	s.rebuildMu.Unlock()

	s.logger.Info("Metadata nodes changed",
		zap.Strings("children", names),
		zap.Int("valid", len(endpoints)))
	s.metrics.ObserveMembership("metadata", len(endpoints), storageCount)
	s.notify(view)
}

// rebuildStorage replaces the storage node list wholesale.
func (s *Store) rebuildStorage(children []string) {
	names := append([]string(nil), children...)
	sort.Strings(names)

	nodes := make([]types.StorageNodeInfo, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		data, err := s.coord.Get(s.dataPath + "/" + name)
		if err != nil {
			s.logger.Warn("Failed to read storage node", zap.String("node", name), zap.Error(err))
			continue
		}
		info, err := parseStoragePayload(data)
		if err != nil {
			s.logger.Warn("Skipping malformed storage node", zap.String("node", name), zap.Error(err))
			continue
		}
		addr := info.Endpoint.Address()
		if seen[addr] {
			s.logger.Debug("Ignoring duplicate storage node", zap.String("node", name), zap.String("address", addr))
			continue
		}
		seen[addr] = true
		nodes = append(nodes, info)
	}

	s.rebuildMu.Lock()
	s.dataNodes = nodes
	view := s.publishLocked()
	metaCount := len(s.metaNodes)
	s.rebuildMu.Unlock()

	s.logger.Info("Storage nodes changed",
		zap.Strings("children", names),
		zap.Int("valid", len(nodes)))
	s.metrics.ObserveMembership("storage", metaCount, len(nodes))
	s.notify(view)
}

// publishLocked swaps in a new view built from the current lists.
func (s *Store) publishLocked() types.ClusterView {
	view := &types.ClusterView{
		StorageNodes: append([]types.StorageNodeInfo{}, s.dataNodes...),
	}
	if len(s.metaNodes) > 0 {
		master := s.metaNodes[0]
		view.Master = &master
	}
	if len(s.metaNodes) > 1 {
		slave := s.metaNodes[1]
		view.Slave = &slave
	}
	s.view.Store(view)
	return view.Clone()
}

// View returns a copy of the current cluster view.
func (s *Store) View() types.ClusterView {
	return s.view.Load().Clone()
}

// MasterMetadataEndpoint returns the first metadata node, if any.
func (s *Store) MasterMetadataEndpoint() (types.NodeEndpoint, bool) {
	v := s.view.Load()
	if v.Master == nil {
		return types.NodeEndpoint{}, false
	}
	return *v.Master, true
}

// SlaveMetadataEndpoint returns the second metadata node, if any.
func (s *Store) SlaveMetadataEndpoint() (types.NodeEndpoint, bool) {
	v := s.view.Load()
	if v.Slave == nil {
		return types.NodeEndpoint{}, false
	}
	return *v.Slave, true
}

// StorageNodes returns a copy of the storage node list.
func (s *Store) StorageNodes() []types.StorageNodeInfo {
	return s.view.Load().Clone().StorageNodes
}

// Subscribe registers fn to run after every successful rebuild. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(types.ClusterView)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// WaitForMaster blocks until a master metadata endpoint is known or ctx ends.
func (s *Store) WaitForMaster(ctx context.Context) (types.NodeEndpoint, error) {
	ready := make(chan struct{}, 1)
	unsubscribe := s.Subscribe(func(v types.ClusterView) {
		if v.HasMaster() {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		if ep, ok := s.MasterMetadataEndpoint(); ok {
			return ep, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return types.NodeEndpoint{}, fmt.Errorf("no metadata master available: %w", ctx.Err())
		}
	}
}

func (s *Store) notify(view types.ClusterView) {
	s.subsMu.Lock()
	callbacks := make([]func(types.ClusterView), 0, len(s.subs))
	for _, fn := range s.subs {
		callbacks = append(callbacks, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range callbacks {
		s.safeCall(fn, view.Clone())
	}
}

func (s *Store) safeCall(fn func(types.ClusterView), view types.ClusterView) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Cluster change subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn(view)
}

func parseMetadataPayload(data []byte) (types.NodeEndpoint, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return types.NodeEndpoint{}, fmt.Errorf("empty payload")
	}
	return types.ParseEndpoint(text)
}

// dataServerPayload is the JSON a storage node advertises. useCapacity is
// the field the nodes write; usedCapacity is accepted as an alias.
type dataServerPayload struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Capacity     int64  `json:"capacity"`
	UseCapacity  *int64 `json:"useCapacity"`
	UsedCapacity *int64 `json:"usedCapacity,omitempty"`
	FileTotal    int64  `json:"fileTotal"`
}

func parseStoragePayload(data []byte) (types.StorageNodeInfo, error) {
	var p dataServerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return types.StorageNodeInfo{}, fmt.Errorf("invalid storage payload: %w", err)
	}
	if p.Host == "" {
		return types.StorageNodeInfo{}, fmt.Errorf("storage payload missing host")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return types.StorageNodeInfo{}, fmt.Errorf("storage payload has invalid port %d", p.Port)
	}

	info := types.StorageNodeInfo{
		Endpoint:      types.NodeEndpoint{Host: p.Host, Port: p.Port},
		TotalCapacity: p.Capacity,
		FileTotal:     p.FileTotal,
	}
	switch {
	case p.UseCapacity != nil:
		info.UsedCapacity = *p.UseCapacity
	case p.UsedCapacity != nil:
		info.UsedCapacity = *p.UsedCapacity
	}
	return info, nil
}
