// Package client is the entry point to a minfs cluster. FileSystem ties the
// coordination view, the metadata client and the replica streams together.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"minfs/pkg/config"
	"minfs/pkg/discovery"
	"minfs/pkg/metadata"
	"minfs/pkg/metrics"
	"minfs/pkg/stream"
	"minfs/pkg/transport"
	"minfs/pkg/types"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Open when the path is absent or not a file.
var ErrNotFound = errors.New("file not found")

// Deps are the collaborators NewWithDeps wires together. Nil fields get
// defaults built from the config.
type Deps struct {
	Coordinator discovery.Coordinator
	Transport   *transport.Client
	Logger      *zap.Logger
	Metrics     *metrics.ClientMetrics
}

// FileSystem is a client for one namespace of a minfs cluster.
type FileSystem struct {
	cfg     *config.Config
	coord   discovery.Coordinator
	store   *discovery.Store
	tr      *transport.Client
	meta    *metadata.Client
	logger  *zap.Logger
	metrics *metrics.ClientMetrics

	closeOnce sync.Once
}

// New connects to the coordination service named in cfg and starts tracking
// the cluster.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.ClientMetrics) (*FileSystem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	session, err := discovery.Dial(cfg.Coordination, logger)
	if err != nil {
		return nil, err
	}

	fs, err := NewWithDeps(ctx, cfg, Deps{Coordinator: session, Logger: logger, Metrics: m})
	if err != nil {
		session.Close()
		return nil, err
	}
	return fs, nil
}

// NewWithDeps builds a FileSystem over injected collaborators. The
// FileSystem owns the coordinator and closes it on Close.
func NewWithDeps(ctx context.Context, cfg *config.Config, deps Deps) (*FileSystem, error) {
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tr := deps.Transport
	if tr == nil {
		tr = transport.New(cfg.Transport, logger.Named("transport"), deps.Metrics)
	}

	store := discovery.NewStore(deps.Coordinator, discovery.StoreOptions{
		MetaServersPath: cfg.Coordination.MetaServersPath,
		DataServersPath: cfg.Coordination.DataServersPath,
		Logger:          logger.Named("discovery"),
		Metrics:         deps.Metrics,
	})
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start cluster view: %w", err)
	}

	fs := &FileSystem{
		cfg:     cfg,
		coord:   deps.Coordinator,
		store:   store,
		tr:      tr,
		meta:    metadata.NewClient(store, tr, cfg.Namespace, logger.Named("metadata")),
		logger:  logger,
		metrics: deps.Metrics,
	}
	logger.Info("Initialized file system client", zap.String("namespace", cfg.Namespace))
	return fs, nil
}

// Namespace returns the namespace every request is scoped to.
func (f *FileSystem) Namespace() string {
	return f.cfg.Namespace
}

// WaitReady blocks until a metadata master is known or ctx ends.
func (f *FileSystem) WaitReady(ctx context.Context) error {
	_, err := f.store.WaitForMaster(ctx)
	return err
}

func (f *FileSystem) streamOptions() []stream.Option {
	return []stream.Option{
		stream.WithLogger(f.logger.Named("stream")),
		stream.WithMetrics(f.metrics),
		stream.WithBufferSize(f.cfg.Stream.WriteBufferSize),
		stream.WithChunkSize(f.cfg.Stream.ReadChunkSize),
	}
}

// Open opens a file for reading. ctx bounds every request of the returned
// stream, not just the open.
func (f *FileSystem) Open(ctx context.Context, path string) (*stream.InputStream, error) {
	fd := f.meta.Stat(ctx, path)
	if !fd.IsFile() {
		f.logger.Error("Failed to open file", zap.String("path", path), zap.Error(ErrNotFound))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	in, err := stream.NewInputStream(ctx, f.tr, path, fd.Replicas, f.streamOptions()...)
	if err != nil {
		return nil, err
	}
	f.logger.Info("Opened file for reading", zap.String("path", path))
	return in, nil
}

// Create creates a file and opens it for writing. ctx bounds every request
// of the returned stream.
func (f *FileSystem) Create(ctx context.Context, path string) (*stream.OutputStream, error) {
	fd, err := f.meta.Create(ctx, path)
	if err != nil {
		f.logger.Error("Failed to create file", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	out, err := stream.NewOutputStream(ctx, f.tr, path, fd.Replicas, f.streamOptions()...)
	if err != nil {
		return nil, err
	}
	f.logger.Info("Created file for writing", zap.String("path", path))
	return out, nil
}

func (f *FileSystem) Mkdir(ctx context.Context, path string) bool {
	return f.meta.Mkdir(ctx, path)
}

// Delete removes path and everything below it.
func (f *FileSystem) Delete(ctx context.Context, path string) bool {
	return f.meta.Delete(ctx, path)
}

// DeleteWithOptions removes path, refusing non-empty directories unless
// recursive is set.
func (f *FileSystem) DeleteWithOptions(ctx context.Context, path string, recursive bool) bool {
	return f.meta.DeleteWithOptions(ctx, path, recursive)
}

// Stat returns the metadata of path, or nil if it is absent.
func (f *FileSystem) Stat(ctx context.Context, path string) *types.FileDescriptor {
	return f.meta.Stat(ctx, path)
}

func (f *FileSystem) List(ctx context.Context, path string) []types.FileDescriptor {
	return f.meta.List(ctx, path)
}

func (f *FileSystem) Exists(ctx context.Context, path string) bool {
	return f.meta.Stat(ctx, path) != nil
}

func (f *FileSystem) IsFile(ctx context.Context, path string) bool {
	return f.meta.Stat(ctx, path).IsFile()
}

func (f *FileSystem) IsDirectory(ctx context.Context, path string) bool {
	return f.meta.Stat(ctx, path).IsDirectory()
}

// ClusterInfo returns the current cluster view.
func (f *FileSystem) ClusterInfo() types.ClusterView {
	view := f.store.View()
	f.logger.Debug("Got cluster info",
		zap.Bool("has_master", view.HasMaster()),
		zap.Int("storage_nodes", len(view.StorageNodes)))
	return view
}

// Subscribe registers fn for cluster view changes.
func (f *FileSystem) Subscribe(fn func(types.ClusterView)) func() {
	return f.store.Subscribe(fn)
}

// Close stops watching the cluster, closes the coordination session and
// drops idle connections. Open streams are not closed.
func (f *FileSystem) Close() error {
	f.closeOnce.Do(func() {
		f.store.Stop()
		f.coord.Close()
		f.tr.CloseIdleConnections()
		f.logger.Info("Closed file system client")
	})
	return nil
}
