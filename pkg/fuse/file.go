package fuse

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"

	"minfs/pkg/stream"
	"minfs/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// FileNode is a regular file in the mounted namespace. Files are write-once:
// opening for writing recreates the file.
type FileNode struct {
	fs.Inode
	fsys *MinFS
	path string
}

func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if wh, ok := fh.(*writeHandle); ok {
		fillAttr(wh.descriptor(), &out.Attr)
		out.SetTimeout(attrTimeout)
		return fs.OK
	}

	fd := f.fsys.stat(ctx, f.path)
	if fd == nil {
		return syscall.ENOENT
	}
	fillAttr(fd, &out.Attr)
	out.SetTimeout(attrTimeout)
	return fs.OK
}

// Setattr only supports truncating to zero, which recreates the file.
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if size != 0 {
			return syscall.ENOTSUP
		}
		if _, isWriter := fh.(*writeHandle); !isWriter {
			h, errno := f.fsys.openWriter(f.path)
			if errno != fs.OK {
				return errno
			}
			if errno := h.Release(ctx); errno != fs.OK {
				return errno
			}
		}
	}
	return f.Getattr(ctx, fh, out)
}

func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_APPEND != 0 {
		return nil, 0, syscall.ENOTSUP
	}

	switch int(flags) & syscall.O_ACCMODE {
	case syscall.O_WRONLY, syscall.O_RDWR:
		f.fsys.cache.Invalidate(f.path)
		h, errno := f.fsys.openWriter(f.path)
		return h, fuse.FOPEN_DIRECT_IO, errno
	default:
		h, errno := f.fsys.openReader(f.path)
		return h, fuse.FOPEN_DIRECT_IO, errno
	}
}

// Handles own a background context for the lifetime of the open file; the
// per-request context ends as soon as the open call returns.
func (m *MinFS) openReader(p string) (*readHandle, syscall.Errno) {
	ctx, cancel := context.WithCancel(context.Background())
	in, err := m.backend.Open(ctx, p)
	if err != nil {
		cancel()
		m.logger.Warn("Failed to open file", zap.String("path", p), zap.Error(err))
		return nil, errnoFor(err)
	}
	return &readHandle{in: in, cancel: cancel, logger: m.logger}, fs.OK
}

func (m *MinFS) openWriter(p string) (*writeHandle, syscall.Errno) {
	ctx, cancel := context.WithCancel(context.Background())
	out, err := m.backend.Create(ctx, p)
	if err != nil {
		cancel()
		m.logger.Warn("Failed to create file", zap.String("path", p), zap.Error(err))
		return nil, errnoFor(err)
	}
	return &writeHandle{out: out, cancel: cancel, fsys: m}, fs.OK
}

// readHandle serves reads from an input stream, seeking when the kernel
// reads out of order.
type readHandle struct {
	mu     sync.Mutex
	in     *stream.InputStream
	cancel context.CancelFunc
	logger *zap.Logger
}

var _ = (fs.FileReader)((*readHandle)(nil))
var _ = (fs.FileReleaser)((*readHandle)(nil))

func (h *readHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if off != h.in.Tell() {
		if _, err := h.in.Seek(off, io.SeekStart); err != nil {
			return nil, errnoFor(err)
		}
	}

	data, err := h.in.ReadN(len(dest))
	if err != nil {
		return nil, errnoFor(err)
	}
	if len(data) == 0 && h.in.Err() != nil {
		h.logger.Warn("Read failed on every replica", zap.String("path", h.in.Path()), zap.Int64("offset", off))
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), fs.OK
}

func (h *readHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.in.Close()
	h.cancel()
	return fs.OK
}

// writeHandle buffers kernel writes into an output stream.
type writeHandle struct {
	mu     sync.Mutex
	out    *stream.OutputStream
	cancel context.CancelFunc
	fsys   *MinFS
	size   int64
}

var _ = (fs.FileWriter)((*writeHandle)(nil))
var _ = (fs.FileFlusher)((*writeHandle)(nil))
var _ = (fs.FileFsyncer)((*writeHandle)(nil))
var _ = (fs.FileReleaser)((*writeHandle)(nil))

func (h *writeHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if next := h.out.Tell() + int64(h.out.Buffered()); off != next {
		if _, err := h.out.Seek(off, io.SeekStart); err != nil {
			return 0, errnoFor(err)
		}
	}

	// A failed threshold flush leaves the bytes buffered; the error is
	// reported again by Flush or Release, so the write itself is accepted.
	if _, err := h.out.Write(data); err != nil {
		if !errors.Is(err, stream.ErrNoReplicaAck) {
			h.fsys.logger.Warn("Write failed", zap.String("path", h.out.Path()), zap.Int64("offset", off), zap.Error(err))
			return 0, errnoFor(err)
		}
		h.fsys.logger.Warn("Flush failed, keeping bytes buffered",
			zap.String("path", h.out.Path()),
			zap.Int64("offset", off),
			zap.Int("buffered", h.out.Buffered()),
			zap.Error(err))
	}
	if end := off + int64(len(data)); end > h.size {
		h.size = end
	}
	return uint32(len(data)), fs.OK
}

func (h *writeHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errnoFor(h.out.Flush())
}

func (h *writeHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.Flush(ctx)
}

func (h *writeHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	defer h.cancel()
	defer h.fsys.cache.Invalidate(h.out.Path())
	if err := h.out.Close(); err != nil {
		h.fsys.logger.Error("Failed to close file", zap.String("path", h.out.Path()), zap.Error(err))
		return errnoFor(err)
	}
	return fs.OK
}

func (h *writeHandle) descriptor() *types.FileDescriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &types.FileDescriptor{Path: h.out.Path(), Type: types.FileTypeFile, Size: h.size}
}
