package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"overlay/pkg/storage"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// byIDDir lists the same files named by file id.
const byIDDir = "by-id"

const blockSize = 4096

var _ fs.NodeStatfser = (*StorageFS)(nil)
var _ fs.NodeGetattrer = (*StorageFS)(nil)
var _ fs.NodeReaddirer = (*StorageFS)(nil)
var _ fs.NodeLookuper = (*StorageFS)(nil)

// StorageFS is a read-only view of a node's storage directory. Stored files
// appear at the root under their filenames and again under by-id/<file_id>.
// The directory is re-read on every lookup, so files a running node
// receives show up without remounting.
type StorageFS struct {
	fs.Inode
	dir    string
	quota  int64
	logger *zap.Logger
}

// NewStorageFS creates the root node for dir. quota sizes the filesystem
// reported by statfs.
func NewStorageFS(dir string, quota int64, logger *zap.Logger) *StorageFS {
	return &StorageFS{dir: dir, quota: quota, logger: logger}
}

// Mount serves view at mountpoint until the returned server is unmounted.
func Mount(mountpoint string, view *StorageFS, debug bool) (*fuse.Server, error) {
	timeout := time.Second
	return fs.Mount(mountpoint, view, &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:  "overlay",
			Name:    "overlay",
			Options: []string{"ro"},
			Debug:   debug,
		},
	})
}

func (r *StorageFS) OnAdd(ctx context.Context) {
	r.logger.Info("Storage view mounted", zap.String("dir", r.dir))
}

func (r *StorageFS) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0555
	out.SetTimeout(time.Second)
	return 0
}

func (r *StorageFS) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	files, err := scan(r.dir)
	if err != nil {
		r.logger.Error("Failed to list storage directory", zap.String("dir", r.dir), zap.Error(err))
		return nil, fs.ToErrno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(files)+1)
	entries = append(entries, fuse.DirEntry{Name: byIDDir, Mode: syscall.S_IFDIR})
	for _, f := range files {
		entries = append(entries, fuse.DirEntry{Name: f.Filename, Mode: syscall.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *StorageFS) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == byIDDir {
		out.Mode = syscall.S_IFDIR | 0555
		return r.NewInode(ctx, &idDir{root: r}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	return r.lookupFile(ctx, &r.Inode, name, out)
}

// lookupFile creates a child of parent for the stored file name.
func (r *StorageFS) lookupFile(ctx context.Context, parent *fs.Inode, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if storage.ValidateFilename(name) != nil {
		return nil, syscall.ENOENT
	}

	path := filepath.Join(r.dir, name)
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return nil, syscall.ENOENT
	}

	out.Attr.FromStat(&st)
	readOnly(&out.Attr)
	return parent.NewInode(ctx, &file{path: path, logger: r.logger}, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

// Statfs reports the node quota as the filesystem size.
func (r *StorageFS) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	used, err := storage.DirUsage(r.dir)
	if err != nil {
		r.logger.Error("Failed to measure storage directory", zap.Error(err))
		return syscall.EIO
	}
	fillStatfs(out, r.quota, used)
	return 0
}

func fillStatfs(out *fuse.StatfsOut, quota, used int64) {
	free := quota - used
	if free < 0 {
		free = 0
	}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(quota / blockSize)
	out.Bfree = uint64(free / blockSize)
	out.Bavail = out.Bfree
	out.NameLen = 255
}

// scan lists the stored files in dir without touching in-flight writes.
func scan(dir string) ([]storage.Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []storage.Entry
	for _, e := range dirEntries {
		name := e.Name()
		if storage.IsTempFile(name) || !e.Type().IsRegular() {
			continue
		}
		out = append(out, storage.Entry{ID: storage.FileIDFor(name), Filename: name})
	}
	return out, nil
}

func readOnly(a *fuse.Attr) {
	a.Mode &^= 0222
}
