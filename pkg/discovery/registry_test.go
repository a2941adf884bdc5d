package discovery

import (
	"context"
	"strings"
	"testing"

	"minfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetadataNode(t *testing.T) {
	coord := NewMemoryCoordinator()

	path, err := RegisterMetadataNode(coord, testMetaPath, types.NodeEndpoint{Host: "10.0.0.1", Port: 8000})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, testMetaPath+"/meta-"))

	data, err := coord.Get(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8000", string(data))
}

func TestRegisterStorageNodeRoundTripsThroughStore(t *testing.T) {
	coord := NewMemoryCoordinator()
	info := types.StorageNodeInfo{
		Endpoint:      types.NodeEndpoint{Host: "10.0.1.1", Port: 9000},
		TotalCapacity: 4096,
		UsedCapacity:  1024,
		FileTotal:     12,
	}

	path, err := RegisterStorageNode(coord, testDataPath, info)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, testDataPath+"/data-"))

	data, err := coord.Get(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"useCapacity":1024`)
	assert.NotContains(t, string(data), "usedCapacity")

	_, err = RegisterMetadataNode(coord, testMetaPath, types.NodeEndpoint{Host: "10.0.0.1", Port: 8000})
	require.NoError(t, err)

	store := startStore(t, coord, nil)
	require.Eventually(t, func() bool { return len(store.StorageNodes()) == 1 }, waitFor, tick)
	assert.Equal(t, info, store.StorageNodes()[0])

	ep, err := store.WaitForMaster(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8000", ep.Address())
}

func TestRegisterFailsOnClosedCoordinator(t *testing.T) {
	coord := NewMemoryCoordinator()
	coord.Close()

	_, err := RegisterMetadataNode(coord, testMetaPath, types.NodeEndpoint{Host: "h", Port: 1})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = RegisterStorageNode(coord, testDataPath, types.StorageNodeInfo{})
	assert.ErrorIs(t, err, ErrClosed)
}
