package fuse

import (
	"context"
	"syscall"
	"time"

	"overlay/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

var _ fs.NodeGetattrer = (*file)(nil)
var _ fs.NodeOpener = (*file)(nil)

// file is a stored file. Reads go straight to the backing file.
type file struct {
	fs.Inode
	path   string
	logger *zap.Logger
}

func (f *file) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Lstat(f.path, &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	readOnly(&out.Attr)
	out.SetTimeout(time.Second)
	return 0
}

func (f *file) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	fd, err := syscall.Open(f.path, syscall.O_RDONLY, 0)
	if err != nil {
		f.logger.Debug("Open failed", zap.String("path", f.path), zap.Error(err))
		return nil, 0, fs.ToErrno(err)
	}
	return fs.NewLoopbackFile(fd), fuse.FOPEN_KEEP_CACHE, 0
}

var _ fs.NodeReaddirer = (*idDir)(nil)
var _ fs.NodeLookuper = (*idDir)(nil)
var _ fs.NodeGetattrer = (*idDir)(nil)

// idDir is the by-id directory.
type idDir struct {
	fs.Inode
	root *StorageFS
}

func (d *idDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0555
	return 0
}

func (d *idDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	files, err := scan(d.root.dir)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, fuse.DirEntry{Name: string(f.ID), Mode: syscall.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

func (d *idDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	filename, ok := filenameForID(d.root.dir, types.FileID(name))
	if !ok {
		return nil, syscall.ENOENT
	}
	return d.root.lookupFile(ctx, &d.Inode, filename, out)
}

func filenameForID(dir string, id types.FileID) (string, bool) {
	files, err := scan(dir)
	if err != nil {
		return "", false
	}
	for _, f := range files {
		if f.ID == id {
			return f.Filename, true
		}
	}
	return "", false
}
