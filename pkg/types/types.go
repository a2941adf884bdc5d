package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// FileType is the metadata service's type code for a namespace entry.
type FileType int

const (
	FileTypeUnknown   FileType = 0
	FileTypeVolume    FileType = 1
	FileTypeFile      FileType = 2
	FileTypeDirectory FileType = 3
)

// ParseFileType maps a wire code to a FileType. Unrecognised codes are unknown.
func ParseFileType(code int) FileType {
	switch FileType(code) {
	case FileTypeVolume, FileTypeFile, FileTypeDirectory:
		return FileType(code)
	default:
		return FileTypeUnknown
	}
}

func (t FileType) String() string {
	switch t {
	case FileTypeVolume:
		return "volume"
	case FileTypeFile:
		return "file"
	case FileTypeDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// NodeEndpoint is a reachable service instance.
type NodeEndpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses a "host:port" string.
func ParseEndpoint(hostPort string) (NodeEndpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(hostPort))
	if err != nil {
		return NodeEndpoint{}, fmt.Errorf("invalid endpoint %q: %w", hostPort, err)
	}
	if host == "" {
		return NodeEndpoint{}, fmt.Errorf("invalid endpoint %q: empty host", hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeEndpoint{}, fmt.Errorf("invalid endpoint %q: bad port", hostPort)
	}
	return NodeEndpoint{Host: host, Port: port}, nil
}

// Address returns host:port.
func (e NodeEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the HTTP base URL of the endpoint.
func (e NodeEndpoint) URL() string {
	return "http://" + e.Address()
}

func (e NodeEndpoint) String() string {
	return e.Address()
}

// StorageNodeInfo describes a storage-tier node's capacity as advertised in
// the coordination service.
type StorageNodeInfo struct {
	Endpoint      NodeEndpoint
	TotalCapacity int64
	UsedCapacity  int64
	FileTotal     int64
}

// AvailableCapacity returns total minus used capacity.
func (n StorageNodeInfo) AvailableCapacity() int64 {
	return n.TotalCapacity - n.UsedCapacity
}

// UsagePercent returns used capacity as a percentage of total.
func (n StorageNodeInfo) UsagePercent() float64 {
	if n.TotalCapacity == 0 {
		return 0
	}
	return float64(n.UsedCapacity) * 100 / float64(n.TotalCapacity)
}

// ClusterView is a snapshot of the cluster topology. Master and slave are
// picked by list position, not elected, so they are best-effort only.
type ClusterView struct {
	Master       *NodeEndpoint
	Slave        *NodeEndpoint
	StorageNodes []StorageNodeInfo
}

// HasMaster reports whether a master metadata endpoint is known.
func (v ClusterView) HasMaster() bool {
	return v.Master != nil
}

// Clone returns a deep copy of the view.
func (v ClusterView) Clone() ClusterView {
	out := ClusterView{}
	if v.Master != nil {
		m := *v.Master
		out.Master = &m
	}
	if v.Slave != nil {
		s := *v.Slave
		out.Slave = &s
	}
	if v.StorageNodes != nil {
		out.StorageNodes = make([]StorageNodeInfo, len(v.StorageNodes))
		copy(out.StorageNodes, v.StorageNodes)
	}
	return out
}

func (v ClusterView) TotalCapacity() int64 {
	var total int64
	for _, n := range v.StorageNodes {
		total += n.TotalCapacity
	}
	return total
}

func (v ClusterView) UsedCapacity() int64 {
	var used int64
	for _, n := range v.StorageNodes {
		used += n.UsedCapacity
	}
	return used
}

func (v ClusterView) AvailableCapacity() int64 {
	return v.TotalCapacity() - v.UsedCapacity()
}

// UsagePercent returns the cluster-wide used percentage.
func (v ClusterView) UsagePercent() float64 {
	total := v.TotalCapacity()
	if total == 0 {
		return 0
	}
	return float64(v.UsedCapacity()) * 100 / float64(total)
}

// AvailableStorageNodes returns the storage nodes that still have free capacity.
func (v ClusterView) AvailableStorageNodes() []StorageNodeInfo {
	nodes := []StorageNodeInfo{}
	for _, n := range v.StorageNodes {
		if n.AvailableCapacity() > 0 {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// ReplicaLocation is one physical copy of a file on a storage node.
type ReplicaLocation struct {
	ID   string
	Node NodeEndpoint
	Path string
}

// FileDescriptor is the metadata of a namespace entry.
type FileDescriptor struct {
	Path     string
	Size     int64
	ModTime  time.Time
	Type     FileType
	Replicas []ReplicaLocation
}

func (f *FileDescriptor) IsFile() bool {
	return f != nil && f.Type == FileTypeFile
}

func (f *FileDescriptor) IsDirectory() bool {
	return f != nil && f.Type == FileTypeDirectory
}
