package fuse

import (
	"context"
	"errors"
	"os"
	"path"
	"syscall"
	"time"

	"minfs/pkg/client"
	"minfs/pkg/metadata"
	"minfs/pkg/stream"
	"minfs/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Backend is the part of client.FileSystem the mount needs.
type Backend interface {
	Stat(ctx context.Context, path string) *types.FileDescriptor
	List(ctx context.Context, path string) []types.FileDescriptor
	Mkdir(ctx context.Context, path string) bool
	DeleteWithOptions(ctx context.Context, path string, recursive bool) bool
	Open(ctx context.Context, path string) (*stream.InputStream, error)
	Create(ctx context.Context, path string) (*stream.OutputStream, error)
	ClusterInfo() types.ClusterView
}

const attrTimeout = time.Second

// Cache holds recent stat results so lookups and getattrs coming in bursts
// hit the metadata service once. Expired entries are evicted in the
// background.
type Cache struct {
	items *cache.Cache
}

// CachedEntry is a stat result; a nil Entry records a negative lookup.
type CachedEntry struct {
	Entry    *types.FileDescriptor
	CachedAt time.Time
}

func NewCache(ttl, cleanupInterval time.Duration) *Cache {
	return &Cache{items: cache.New(ttl, cleanupInterval)}
}

func (c *Cache) Get(p string) (*CachedEntry, bool) {
	v, ok := c.items.Get(p)
	if !ok {
		return nil, false
	}
	return v.(*CachedEntry), true
}

func (c *Cache) Put(p string, fd *types.FileDescriptor) {
	c.items.SetDefault(p, &CachedEntry{Entry: fd, CachedAt: time.Now()})
}

// Invalidate drops p and its parent, whose listing changed with it.
func (c *Cache) Invalidate(p string) {
	c.items.Delete(p)
	c.items.Delete(getParentPath(p))
}

// Len returns the number of entries held, expired or not.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// MinFS is shared state for every node of a mount.
type MinFS struct {
	backend Backend
	logger  *zap.Logger
	cache   *Cache
}

// NewMinFS creates the mount state over backend.
func NewMinFS(backend Backend, logger *zap.Logger) *MinFS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinFS{
		backend: backend,
		logger:  logger,
		cache:   NewCache(5*time.Second, time.Minute),
	}
}

// Root returns the root directory node.
func (m *MinFS) Root() *DirNode {
	return &DirNode{fsys: m, path: "/"}
}

// Mount mounts the namespace at mountpoint. The caller waits on and
// unmounts the returned server.
func Mount(mountpoint string, backend Backend, logger *zap.Logger, debug bool) (*fuse.Server, error) {
	m := NewMinFS(backend, logger)
	timeout := attrTimeout

	server, err := fs.Mount(mountpoint, m.Root(), &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "minfs",
			Name:   "minfs",
			Debug:  debug,
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Mounted file system", zap.String("mountpoint", mountpoint))
	return server, nil
}

func (m *MinFS) stat(ctx context.Context, p string) *types.FileDescriptor {
	if e, ok := m.cache.Get(p); ok {
		return e.Entry
	}
	fd := m.backend.Stat(ctx, p)
	m.cache.Put(p, fd)
	return fd
}

// DirNode is a directory in the mounted namespace.
type DirNode struct {
	fs.Inode
	fsys *MinFS
	path string
}

func (d *DirNode) OnAdd(ctx context.Context) {
	if d.path == "/" {
		d.fsys.logger.Info("FUSE filesystem mounted")
	}
}

func (d *DirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fd := d.fsys.stat(ctx, d.path)
	if fd == nil && d.path != "/" {
		return syscall.ENOENT
	}
	if fd == nil {
		fd = &types.FileDescriptor{Path: "/", Type: types.FileTypeDirectory}
	}
	fillAttr(fd, &out.Attr)
	out.SetTimeout(attrTimeout)
	return fs.OK
}

func (d *DirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	items := d.fsys.backend.List(ctx, d.path)

	entries := make([]fuse.DirEntry, 0, len(items))
	for i := range items {
		item := &items[i]
		d.fsys.cache.Put(item.Path, item)
		entries = append(entries, fuse.DirEntry{
			Name: path.Base(item.Path),
			Mode: modeOf(item) & syscall.S_IFMT,
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *DirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)
	fd := d.fsys.stat(ctx, childPath)
	if fd == nil {
		return nil, syscall.ENOENT
	}

	fillAttr(fd, &out.Attr)
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	return d.newChild(ctx, fd), fs.OK
}

func (d *DirNode) newChild(ctx context.Context, fd *types.FileDescriptor) *fs.Inode {
	if fd.IsDirectory() {
		return d.NewInode(ctx, &DirNode{fsys: d.fsys, path: fd.Path}, fs.StableAttr{Mode: syscall.S_IFDIR})
	}
	return d.NewInode(ctx, &FileNode{fsys: d.fsys, path: fd.Path}, fs.StableAttr{Mode: syscall.S_IFREG})
}

func (d *DirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)
	d.fsys.cache.Invalidate(childPath)

	if !d.fsys.backend.Mkdir(ctx, childPath) {
		return nil, syscall.EIO
	}

	fd := &types.FileDescriptor{Path: childPath, Type: types.FileTypeDirectory, ModTime: time.Now()}
	fillAttr(fd, &out.Attr)
	out.SetEntryTimeout(attrTimeout)
	d.fsys.logger.Info("Created directory", zap.String("path", childPath))
	return d.newChild(ctx, fd), fs.OK
}

func (d *DirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return d.remove(ctx, name)
}

func (d *DirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return d.remove(ctx, name)
}

// remove deletes non-recursively so rmdir on a non-empty directory fails the
// way callers expect.
func (d *DirNode) remove(ctx context.Context, name string) syscall.Errno {
	childPath := joinPath(d.path, name)
	defer d.fsys.cache.Invalidate(childPath)

	if d.fsys.stat(ctx, childPath) == nil {
		return syscall.ENOENT
	}
	if !d.fsys.backend.DeleteWithOptions(ctx, childPath, false) {
		return syscall.EIO
	}
	d.fsys.logger.Info("Deleted", zap.String("path", childPath))
	return fs.OK
}

func (d *DirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := joinPath(d.path, name)
	d.fsys.cache.Invalidate(childPath)

	h, errno := d.fsys.openWriter(childPath)
	if errno != fs.OK {
		return nil, nil, 0, errno
	}

	fd := &types.FileDescriptor{Path: childPath, Type: types.FileTypeFile, ModTime: time.Now()}
	fillAttr(fd, &out.Attr)
	out.SetEntryTimeout(attrTimeout)
	return d.newChild(ctx, fd), h, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (d *DirNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	fillStatfs(d.fsys.backend.ClusterInfo(), out)
	return fs.OK
}

const blockSize = 4096

func fillStatfs(view types.ClusterView, out *fuse.StatfsOut) {
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(view.TotalCapacity()) / blockSize
	avail := view.AvailableCapacity()
	if avail < 0 {
		avail = 0
	}
	out.Bfree = uint64(avail) / blockSize
	out.Bavail = out.Bfree
	out.NameLen = 255
}

func modeOf(fd *types.FileDescriptor) uint32 {
	if fd.IsDirectory() {
		return syscall.S_IFDIR | 0755
	}
	return syscall.S_IFREG | 0644
}

func fillAttr(fd *types.FileDescriptor, attr *fuse.Attr) {
	attr.Mode = modeOf(fd)
	attr.Nlink = 1
	if fd.IsDirectory() {
		attr.Nlink = 2
	} else if fd.Size > 0 {
		attr.Size = uint64(fd.Size)
		attr.Blocks = (attr.Size + 511) / 512
	}

	var mtime uint64
	if !fd.ModTime.IsZero() {
		mtime = uint64(fd.ModTime.Unix())
	}
	attr.Mtime = mtime
	attr.Atime = mtime
	attr.Ctime = mtime
	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
}

// errnoFor maps client errors onto the closest errno.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, client.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, metadata.ErrNoMaster):
		return syscall.EHOSTDOWN
	case errors.Is(err, stream.ErrStreamClosed):
		return syscall.EBADF
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

func joinPath(dir, name string) string {
	return path.Join(dir, name)
}

func getParentPath(p string) string {
	return path.Dir(p)
}
