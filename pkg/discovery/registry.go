package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"minfs/pkg/types"
)

const (
	metadataNodePrefix = "meta-"
	storageNodePrefix  = "data-"
)

// RegisterMetadataNode advertises a metadata node under basePath. The entry
// is ephemeral and disappears when the coordinator session ends.
func RegisterMetadataNode(coord Coordinator, basePath string, ep types.NodeEndpoint) (string, error) {
	if err := coord.EnsurePath(basePath); err != nil {
		return "", fmt.Errorf("failed to ensure %s: %w", basePath, err)
	}

	path, err := coord.CreateEphemeralSequential(joinPath(basePath, metadataNodePrefix), []byte(ep.Address()))
	if err != nil {
		return "", fmt.Errorf("failed to register metadata node %s: %w", ep, err)
	}
	return path, nil
}

// RegisterStorageNode advertises a storage node and its capacity under
// basePath.
func RegisterStorageNode(coord Coordinator, basePath string, info types.StorageNodeInfo) (string, error) {
	if err := coord.EnsurePath(basePath); err != nil {
		return "", fmt.Errorf("failed to ensure %s: %w", basePath, err)
	}

	used := info.UsedCapacity
	data, err := json.Marshal(dataServerPayload{
		Host:        info.Endpoint.Host,
		Port:        info.Endpoint.Port,
		Capacity:    info.TotalCapacity,
		UseCapacity: &used,
		FileTotal:   info.FileTotal,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode storage node payload: %w", err)
	}

	path, err := coord.CreateEphemeralSequential(joinPath(basePath, storageNodePrefix), data)
	if err != nil {
		return "", fmt.Errorf("failed to register storage node %s: %w", info.Endpoint, err)
	}
	return path, nil
}

func joinPath(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}
