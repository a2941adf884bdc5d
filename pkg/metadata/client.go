// Package metadata talks to the minfs metadata service: namespace mutations
// and path-to-replica resolution.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"minfs/pkg/transport"
	"minfs/pkg/types"

	"go.uber.org/zap"
)

// ErrNoMaster is returned when no metadata master is currently known.
var ErrNoMaster = errors.New("no metadata master available")

// ServerError is a non-2xx answer from the metadata service.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("metadata server returned %d: %s", e.Status, msg)
}

// EndpointResolver yields the metadata master to talk to.
type EndpointResolver interface {
	MasterMetadataEndpoint() (types.NodeEndpoint, bool)
}

// Client issues metadata requests. The master is re-resolved on every call
// so a membership change takes effect immediately.
type Client struct {
	resolver  EndpointResolver
	tr        transport.Doer
	namespace string
	logger    *zap.Logger
}

// NewClient creates a metadata client for namespace.
func NewClient(resolver EndpointResolver, tr transport.Doer, namespace string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		resolver:  resolver,
		tr:        tr,
		namespace: namespace,
		logger:    logger,
	}
}

// Namespace returns the fileSystemName sent with every request.
func (c *Client) Namespace() string {
	return c.namespace
}

type pathRequest struct {
	Path           string `json:"path"`
	FileSystemName string `json:"fileSystemName"`
}

type deleteRequest struct {
	Path           string `json:"path"`
	FileSystemName string `json:"fileSystemName"`
	Recursive      bool   `json:"recursive"`
}

type replicaData struct {
	ID     string `json:"id"`
	DSNode string `json:"dsNode"`
	Path   string `json:"path"`
}

type statInfo struct {
	Path        string        `json:"path"`
	Size        int64         `json:"size"`
	Mtime       int64         `json:"mtime"`
	Type        int           `json:"type"`
	ReplicaData []replicaData `json:"replicaData"`
}

type listResponse struct {
	Items []statInfo `json:"items"`
}

// Create registers a new file and returns its descriptor, including the
// replicas the caller should write to. The request is a POST and is never
// retried by the transport.
func (c *Client) Create(ctx context.Context, path string) (*types.FileDescriptor, error) {
	master, ok := c.resolver.MasterMetadataEndpoint()
	if !ok {
		return nil, ErrNoMaster
	}

	req, err := transport.NewJSONRequest(http.MethodPost, master.URL()+"/file/create",
		pathRequest{Path: path, FileSystemName: c.namespace})
	if err != nil {
		return nil, err
	}

	resp, err := c.tr.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if !resp.OK() {
		return nil, &ServerError{Status: resp.StatusCode, Message: string(resp.Body)}
	}

	var info statInfo
	if err := resp.DecodeJSON(&info); err != nil {
		return nil, fmt.Errorf("failed to decode create response for %s: %w", path, err)
	}
	if info.Path == "" {
		info.Path = path
	}
	if info.Type == 0 {
		info.Type = int(types.FileTypeFile)
	}

	fd := c.toDescriptor(info)
	c.logger.Info("Created file",
		zap.String("path", path),
		zap.Int("replicas", len(fd.Replicas)))
	return fd, nil
}

// Mkdir creates a directory. It reports false on any failure.
func (c *Client) Mkdir(ctx context.Context, path string) bool {
	master, ok := c.resolver.MasterMetadataEndpoint()
	if !ok {
		c.logger.Error("Failed to create directory", zap.String("path", path), zap.Error(ErrNoMaster))
		return false
	}

	req, err := transport.NewJSONRequest(http.MethodPost, master.URL()+"/directory/create",
		pathRequest{Path: path, FileSystemName: c.namespace})
	if err != nil {
		c.logger.Error("Failed to create directory", zap.String("path", path), zap.Error(err))
		return false
	}

	return c.doBool(ctx, req, "Created directory", "Failed to create directory", path)
}

// Delete removes path recursively. It reports false on any failure.
func (c *Client) Delete(ctx context.Context, path string) bool {
	return c.DeleteWithOptions(ctx, path, true)
}

// DeleteWithOptions removes path, descending into directories only when
// recursive is set.
func (c *Client) DeleteWithOptions(ctx context.Context, path string, recursive bool) bool {
	master, ok := c.resolver.MasterMetadataEndpoint()
	if !ok {
		c.logger.Error("Failed to delete", zap.String("path", path), zap.Error(ErrNoMaster))
		return false
	}

	req, err := transport.NewJSONRequest(http.MethodDelete, master.URL()+"/file/delete",
		deleteRequest{Path: path, FileSystemName: c.namespace, Recursive: recursive})
	if err != nil {
		c.logger.Error("Failed to delete", zap.String("path", path), zap.Error(err))
		return false
	}

	return c.doBool(ctx, req, "Deleted", "Failed to delete", path)
}

func (c *Client) doBool(ctx context.Context, req *transport.Request, okMsg, failMsg, path string) bool {
	resp, err := c.tr.Do(ctx, req)
	if err != nil {
		c.logger.Error(failMsg, zap.String("path", path), zap.Error(err))
		return false
	}
	if !resp.OK() {
		c.logger.Error(failMsg,
			zap.String("path", path),
			zap.Error(&ServerError{Status: resp.StatusCode, Message: string(resp.Body)}))
		return false
	}
	c.logger.Info(okMsg, zap.String("path", path))
	return true
}

// Stat returns the descriptor of path, or nil if it does not exist or the
// lookup failed.
func (c *Client) Stat(ctx context.Context, path string) *types.FileDescriptor {
	var info statInfo
	if !c.get(ctx, "/file/stats", path, &info) {
		return nil
	}
	fd := c.toDescriptor(info)
	c.logger.Debug("Got file stats",
		zap.String("path", path),
		zap.Int64("size", fd.Size),
		zap.Stringer("type", fd.Type))
	return fd
}

// List returns the entries of directory path. Failures yield an empty list.
func (c *Client) List(ctx context.Context, path string) []types.FileDescriptor {
	var list listResponse
	if !c.get(ctx, "/directory/list", path, &list) {
		return []types.FileDescriptor{}
	}

	out := make([]types.FileDescriptor, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, *c.toDescriptor(item))
	}
	c.logger.Debug("Listed directory", zap.String("path", path), zap.Int("items", len(out)))
	return out
}

func (c *Client) get(ctx context.Context, endpoint, path string, v interface{}) bool {
	master, ok := c.resolver.MasterMetadataEndpoint()
	if !ok {
		c.logger.Error("Metadata lookup failed", zap.String("path", path), zap.Error(ErrNoMaster))
		return false
	}

	resp, err := c.tr.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		URL:    master.URL() + endpoint,
		Query:  url.Values{"path": {path}, "fileSystemName": {c.namespace}},
	})
	if err != nil {
		c.logger.Error("Metadata lookup failed",
			zap.String("endpoint", endpoint),
			zap.String("path", path),
			zap.Error(err))
		return false
	}
	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debug("Path not found", zap.String("path", path))
		return false
	}
	if !resp.OK() {
		c.logger.Error("Metadata lookup failed",
			zap.String("endpoint", endpoint),
			zap.String("path", path),
			zap.Error(&ServerError{Status: resp.StatusCode, Message: string(resp.Body)}))
		return false
	}
	if err := resp.DecodeJSON(v); err != nil {
		c.logger.Error("Failed to decode metadata response",
			zap.String("endpoint", endpoint),
			zap.String("path", path),
			zap.Error(err))
		return false
	}
	return true
}

func (c *Client) toDescriptor(info statInfo) *types.FileDescriptor {
	fd := &types.FileDescriptor{
		Path:     info.Path,
		Size:     info.Size,
		Type:     types.ParseFileType(info.Type),
		Replicas: make([]types.ReplicaLocation, 0, len(info.ReplicaData)),
	}
	if info.Mtime > 0 {
		fd.ModTime = time.UnixMilli(info.Mtime)
	}

	for _, r := range info.ReplicaData {
		node, err := types.ParseEndpoint(r.DSNode)
		if err != nil {
			c.logger.Warn("Skipping replica with bad node address",
				zap.String("path", info.Path),
				zap.String("replica", r.ID),
				zap.Error(err))
			continue
		}
		replicaPath := r.Path
		if replicaPath == "" {
			replicaPath = info.Path
		}
		fd.Replicas = append(fd.Replicas, types.ReplicaLocation{
			ID:   r.ID,
			Node: node,
			Path: replicaPath,
		})
	}
	return fd
}
