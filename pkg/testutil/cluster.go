package testutil

import (
	"testing"
	"time"

	"minfs/pkg/config"
	"minfs/pkg/discovery"
	"minfs/pkg/types"

	"github.com/stretchr/testify/require"
)

// Cluster is a fake minfs deployment: one metadata service, a set of storage
// nodes and a coordination tree advertising all of them.
type Cluster struct {
	Coordinator *discovery.MemoryCoordinator
	Meta        *MetaServer
	Data        []*DataServer
}

// NewCluster starts a metadata fake with replicas storage nodes and registers
// them with an in-memory coordinator.
func NewCluster(t testing.TB, replicas int) *Cluster {
	t.Helper()

	c := &Cluster{Coordinator: discovery.NewMemoryCoordinator()}
	for i := 0; i < replicas; i++ {
		c.Data = append(c.Data, NewDataServer(t))
	}
	c.Meta = NewMetaServer(t, c.Data...)

	_, err := discovery.RegisterMetadataNode(c.Coordinator, config.DefaultMetaServersPath, c.Meta.Endpoint())
	require.NoError(t, err)
	for _, d := range c.Data {
		_, err := discovery.RegisterStorageNode(c.Coordinator, config.DefaultDataServersPath, types.StorageNodeInfo{
			Endpoint:      d.Endpoint(),
			TotalCapacity: 1 << 30,
		})
		require.NoError(t, err)
	}
	return c
}

// Config returns a client config tuned for fast tests.
func (c *Cluster) Config() *config.Config {
	cfg := config.Default()
	cfg.Namespace = "test"
	cfg.Transport.Timeout = 5 * time.Second
	cfg.Transport.BackoffBase = time.Millisecond
	cfg.Transport.BackoffMax = 5 * time.Millisecond
	return cfg
}

// FastTransport returns a transport config with millisecond backoff.
func FastTransport() config.TransportConfig {
	cfg := config.Default().Transport
	cfg.Timeout = 5 * time.Second
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}
