package fuse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"minfs/pkg/client"
	"minfs/pkg/metadata"
	"minfs/pkg/stream"
	"minfs/pkg/testutil"
	"minfs/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMount(t *testing.T, replicas int) (*MinFS, *client.FileSystem) {
	t.Helper()
	m, backend, _ := newTestMountCluster(t, replicas)
	return m, backend
}

func newTestMountCluster(t *testing.T, replicas int) (*MinFS, *client.FileSystem, *testutil.Cluster) {
	t.Helper()
	cluster := testutil.NewCluster(t, replicas)

	backend, err := client.NewWithDeps(context.Background(), cluster.Config(), client.Deps{
		Coordinator: cluster.Coordinator,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, backend.WaitReady(ctx))

	return NewMinFS(backend, zaptest.NewLogger(t)), backend, cluster
}

func writeFile(t *testing.T, m *MinFS, p, content string) {
	t.Helper()
	h, errno := m.openWriter(p)
	require.Equal(t, fs.OK, errno)
	n, errno := h.Write(context.Background(), []byte(content), 0)
	require.Equal(t, fs.OK, errno)
	require.Equal(t, uint32(len(content)), n)
	require.Equal(t, fs.OK, h.Release(context.Background()))
}

func TestWriteThenReadThroughHandles(t *testing.T) {
	m, _ := newTestMount(t, 2)
	ctx := context.Background()
	writeFile(t, m, "/hello.txt", "Hello, World!")

	h, errno := m.openReader("/hello.txt")
	require.Equal(t, fs.OK, errno)
	defer h.Release(ctx)

	buf := make([]byte, 5)
	res, errno := h.Read(ctx, buf, 7)
	require.Equal(t, fs.OK, errno)
	data, status := res.Bytes(buf)
	require.True(t, status.Ok())
	assert.Equal(t, "World", string(data))

	res, errno = h.Read(ctx, buf, 0)
	require.Equal(t, fs.OK, errno)
	data, _ = res.Bytes(buf)
	assert.Equal(t, "Hello", string(data))

	res, errno = h.Read(ctx, buf, 13)
	require.Equal(t, fs.OK, errno)
	data, _ = res.Bytes(buf)
	assert.Empty(t, data)
}

func TestWriteHandleOutOfOrderWrites(t *testing.T) {
	m, backend := newTestMount(t, 1)
	ctx := context.Background()

	h, errno := m.openWriter("/seq")
	require.Equal(t, fs.OK, errno)

	_, errno = h.Write(ctx, []byte("0123456789"), 0)
	require.Equal(t, fs.OK, errno)
	_, errno = h.Write(ctx, []byte("ab"), 2)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, int64(10), h.descriptor().Size)

	require.Equal(t, fs.OK, h.Fsync(ctx, 0))
	require.Equal(t, fs.OK, h.Release(ctx))

	in, err := backend.Open(ctx, "/seq")
	require.NoError(t, err)
	defer in.Close()
	data, err := in.ReadN(-1)
	require.NoError(t, err)
	assert.Equal(t, "01ab456789", string(data))
}

func TestWriteHandleKeepsBytesWhenThresholdFlushFails(t *testing.T) {
	m, _, cluster := newTestMountCluster(t, 1)
	ctx := context.Background()

	h, errno := m.openWriter("/big")
	require.Equal(t, fs.OK, errno)

	cluster.Data[0].FailWrites(http.StatusInternalServerError)
	data := bytes.Repeat([]byte("x"), stream.DefaultBufferSize)
	n, errno := h.Write(ctx, data, 0)
	require.Equal(t, fs.OK, errno, "bytes are accepted into the buffer")
	assert.Equal(t, uint32(len(data)), n)
	assert.Equal(t, int64(len(data)), h.descriptor().Size)

	assert.Equal(t, syscall.EIO, h.Flush(ctx))

	cluster.Data[0].FailWrites(0)
	require.Equal(t, fs.OK, h.Release(ctx))

	stored, ok := cluster.Data[0].Contents("/big")
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestDirGetattrAndReaddir(t *testing.T) {
	m, backend := newTestMount(t, 1)
	ctx := context.Background()

	require.True(t, backend.Mkdir(ctx, "/docs"))
	writeFile(t, m, "/docs/a.txt", "abc")

	dir := &DirNode{fsys: m, path: "/docs"}
	var attr fuse.AttrOut
	require.Equal(t, fs.OK, dir.Getattr(ctx, nil, &attr))
	assert.Equal(t, uint32(syscall.S_IFDIR), attr.Mode&syscall.S_IFMT)

	ds, errno := dir.Readdir(ctx)
	require.Equal(t, fs.OK, errno)
	require.True(t, ds.HasNext())
	entry, errno := ds.Next()
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, "a.txt", entry.Name)
	assert.Equal(t, uint32(syscall.S_IFREG), entry.Mode)
	assert.False(t, ds.HasNext())

	file := &FileNode{fsys: m, path: "/docs/a.txt"}
	require.Equal(t, fs.OK, file.Getattr(ctx, nil, &attr))
	assert.Equal(t, uint64(3), attr.Size)

	missing := &DirNode{fsys: m, path: "/missing"}
	assert.Equal(t, syscall.ENOENT, missing.Getattr(ctx, nil, &attr))

	root := m.Root()
	assert.Equal(t, fs.OK, root.Getattr(ctx, nil, &attr))
}

func TestRemoveEntries(t *testing.T) {
	m, backend := newTestMount(t, 1)
	ctx := context.Background()

	require.True(t, backend.Mkdir(ctx, "/d"))
	writeFile(t, m, "/d/f", "x")

	d := &DirNode{fsys: m, path: "/d"}
	root := m.Root()
	assert.Equal(t, syscall.EIO, root.Rmdir(ctx, "d"), "non-empty directory")
	assert.Equal(t, fs.OK, d.Unlink(ctx, "f"))
	assert.Equal(t, syscall.ENOENT, d.Unlink(ctx, "f"))
	assert.Equal(t, fs.OK, root.Rmdir(ctx, "d"))
	assert.False(t, backend.Exists(ctx, "/d"))
}

func TestFileOpenModes(t *testing.T) {
	m, _ := newTestMount(t, 1)
	ctx := context.Background()
	writeFile(t, m, "/f", "old content")

	file := &FileNode{fsys: m, path: "/f"}

	_, _, errno := file.Open(ctx, syscall.O_WRONLY|syscall.O_APPEND)
	assert.Equal(t, syscall.ENOTSUP, errno)

	fh, flags, errno := file.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, uint32(fuse.FOPEN_DIRECT_IO), flags)
	_, ok := fh.(*readHandle)
	assert.True(t, ok)
	fh.(*readHandle).Release(ctx)

	missing := &FileNode{fsys: m, path: "/nope"}
	_, _, errno = missing.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestSetattrTruncate(t *testing.T) {
	m, _ := newTestMount(t, 1)
	ctx := context.Background()
	writeFile(t, m, "/t", "some bytes")

	file := &FileNode{fsys: m, path: "/t"}
	var out fuse.AttrOut

	grow := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{Valid: fuse.FATTR_SIZE, Size: 4}}
	assert.Equal(t, syscall.ENOTSUP, file.Setattr(ctx, nil, grow, &out))

	truncate := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{Valid: fuse.FATTR_SIZE}}
	require.Equal(t, fs.OK, file.Setattr(ctx, nil, truncate, &out))
	assert.Equal(t, uint64(0), out.Size)
}

func TestStatfsFromClusterView(t *testing.T) {
	view := types.ClusterView{StorageNodes: []types.StorageNodeInfo{
		{TotalCapacity: 8192 * 10, UsedCapacity: 8192},
		{TotalCapacity: 4096, UsedCapacity: 8192},
	}}

	var out fuse.StatfsOut
	fillStatfs(view, &out)
	assert.Equal(t, uint32(blockSize), out.Bsize)
	assert.Equal(t, uint64(21), out.Blocks)
	assert.Equal(t, uint64(17), out.Bfree)
	assert.Equal(t, out.Bfree, out.Bavail)
	assert.Equal(t, uint32(255), out.NameLen)

	fillStatfs(types.ClusterView{StorageNodes: []types.StorageNodeInfo{{TotalCapacity: 1, UsedCapacity: 5}}}, &out)
	assert.Equal(t, uint64(0), out.Bfree)
}

func TestFillAttr(t *testing.T) {
	mtime := time.Unix(1700000000, 0)

	var attr fuse.Attr
	fillAttr(&types.FileDescriptor{Type: types.FileTypeFile, Size: 1000, ModTime: mtime}, &attr)
	assert.Equal(t, uint32(syscall.S_IFREG|0644), attr.Mode)
	assert.Equal(t, uint64(1000), attr.Size)
	assert.Equal(t, uint64(2), attr.Blocks)
	assert.Equal(t, uint64(1700000000), attr.Mtime)

	attr = fuse.Attr{}
	fillAttr(&types.FileDescriptor{Type: types.FileTypeDirectory}, &attr)
	assert.Equal(t, uint32(syscall.S_IFDIR|0755), attr.Mode)
	assert.Equal(t, uint32(2), attr.Nlink)
	assert.Equal(t, uint64(0), attr.Mtime)
}

func TestErrnoFor(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, fs.OK},
		{fmt.Errorf("wrapped: %w", client.ErrNotFound), syscall.ENOENT},
		{metadata.ErrNoMaster, syscall.EHOSTDOWN},
		{stream.ErrStreamClosed, syscall.EBADF},
		{context.Canceled, syscall.EINTR},
		{errors.New("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errnoFor(tt.err), "%v", tt.err)
	}
}

func TestCache(t *testing.T) {
	c := NewCache(50*time.Millisecond, time.Minute)
	fd := &types.FileDescriptor{Path: "/a/b"}

	c.Put("/a/b", fd)
	c.Put("/a", &types.FileDescriptor{Path: "/a", Type: types.FileTypeDirectory})
	c.Put("/missing", nil)

	e, ok := c.Get("/a/b")
	require.True(t, ok)
	assert.Same(t, fd, e.Entry)

	e, ok = c.Get("/missing")
	require.True(t, ok, "negative entries are cached")
	assert.Nil(t, e.Entry)

	c.Invalidate("/a/b")
	_, ok = c.Get("/a/b")
	assert.False(t, ok)
	_, ok = c.Get("/a")
	assert.False(t, ok, "parent dropped with child")

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("/missing")
	assert.False(t, ok, "expired")
}

func TestCacheEvictsExpiredEntries(t *testing.T) {
	c := NewCache(10*time.Millisecond, 20*time.Millisecond)

	for i := 0; i < 10000; i++ {
		c.Put(fmt.Sprintf("/f%d", i), nil)
	}
	assert.Equal(t, 10000, c.Len())

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "expired entries are removed, not just skipped")
}
