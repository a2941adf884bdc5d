package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    NodeEndpoint
		wantErr bool
	}{
		{"host and port", "10.0.0.1:8000", NodeEndpoint{Host: "10.0.0.1", Port: 8000}, false},
		{"surrounding spaces", " localhost:9001 ", NodeEndpoint{Host: "localhost", Port: 9001}, false},
		{"ipv6", "[::1]:8080", NodeEndpoint{Host: "::1", Port: 8080}, false},
		{"missing port", "localhost", NodeEndpoint{}, true},
		{"bad port", "localhost:abc", NodeEndpoint{}, true},
		{"zero port", "localhost:0", NodeEndpoint{}, true},
		{"empty host", ":8000", NodeEndpoint{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointFormatting(t *testing.T) {
	ep := NodeEndpoint{Host: "ds1", Port: 8001}
	assert.Equal(t, "ds1:8001", ep.Address())
	assert.Equal(t, "http://ds1:8001", ep.URL())
}

func TestParseFileType(t *testing.T) {
	assert.Equal(t, FileTypeUnknown, ParseFileType(0))
	assert.Equal(t, FileTypeVolume, ParseFileType(1))
	assert.Equal(t, FileTypeFile, ParseFileType(2))
	assert.Equal(t, FileTypeDirectory, ParseFileType(3))
	assert.Equal(t, FileTypeUnknown, ParseFileType(42))
	assert.Equal(t, "directory", FileTypeDirectory.String())
}

func TestClusterViewCapacity(t *testing.T) {
	view := ClusterView{
		StorageNodes: []StorageNodeInfo{
			{Endpoint: NodeEndpoint{Host: "a", Port: 1}, TotalCapacity: 100, UsedCapacity: 25},
			{Endpoint: NodeEndpoint{Host: "b", Port: 1}, TotalCapacity: 100, UsedCapacity: 100},
		},
	}

	assert.Equal(t, int64(200), view.TotalCapacity())
	assert.Equal(t, int64(125), view.UsedCapacity())
	assert.Equal(t, int64(75), view.AvailableCapacity())
	assert.InDelta(t, 62.5, view.UsagePercent(), 0.001)

	available := view.AvailableStorageNodes()
	require.Len(t, available, 1)
	assert.Equal(t, "a", available[0].Endpoint.Host)
	assert.False(t, view.HasMaster())
	assert.Zero(t, ClusterView{}.UsagePercent())
}

func TestClusterViewCloneIsDeep(t *testing.T) {
	master := NodeEndpoint{Host: "m", Port: 1}
	view := ClusterView{
		Master:       &master,
		StorageNodes: []StorageNodeInfo{{Endpoint: NodeEndpoint{Host: "a", Port: 1}}},
	}

	clone := view.Clone()
	clone.Master.Host = "changed"
	clone.StorageNodes[0].Endpoint.Host = "changed"

	assert.Equal(t, "m", view.Master.Host)
	assert.Equal(t, "a", view.StorageNodes[0].Endpoint.Host)
}

func TestFileDescriptorKinds(t *testing.T) {
	var missing *FileDescriptor
	assert.False(t, missing.IsFile())
	assert.True(t, (&FileDescriptor{Type: FileTypeFile}).IsFile())
	assert.True(t, (&FileDescriptor{Type: FileTypeDirectory}).IsDirectory())
}
