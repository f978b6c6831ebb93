package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"overlay/pkg/types"

	"go.uber.org/zap"
)

// tempPrefix marks in-flight writes; such files are never indexed.
const tempPrefix = ".incoming-"

var (
	ErrQuotaExceeded   = errors.New("storage limit exceeded")
	ErrFileNotFound    = errors.New("file id not found")
	ErrInvalidFilename = errors.New("invalid filename")
)

// FileIDFor derives a file id from a filename: the hex MD5 of the name.
// Two different files with the same name share an id.
func FileIDFor(filename string) types.FileID {
	sum := md5.Sum([]byte(filename))
	return types.FileID(hex.EncodeToString(sum[:]))
}

// IsTempFile reports whether name is an in-flight write rather than a
// stored file.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// ValidateFilename rejects names that would escape the storage directory.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidFilename, name)
	case IsTempFile(name):
		return fmt.Errorf("%w: %q uses a reserved prefix", ErrInvalidFilename, name)
	}
	return nil
}

// Entry is one row of the local file index.
type Entry struct {
	ID       types.FileID
	Filename string
}

// Store keeps files in a single directory, indexes them by file id and
// enforces a byte quota.
//
// Usage is tracked in memory and seeded from a directory walk when the
// store is opened. Capacity for a write is reserved under the store lock
// before any bytes hit the disk, so concurrent writers cannot jointly
// exceed the quota.
type Store struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger

	mu    sync.Mutex
	used  int64
	sizes map[string]int64 // filename -> bytes on disk
	index map[types.FileID]string
}

// Open creates dir if needed and rebuilds the index from the files already
// in it.
func Open(dir string, maxBytes int64, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &Store{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		sizes:    make(map[string]int64),
		index:    make(map[types.FileID]string),
	}

	if err := s.loadExisting(); err != nil {
		return nil, fmt.Errorf("failed to load existing files: %w", err)
	}
	return s, nil
}

func (s *Store) loadExisting() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if IsTempFile(name) {
			// Left over from an interrupted write.
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				s.logger.Warn("Failed to remove stale temp file", zap.String("filename", name), zap.Error(err))
			}
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.sizes[name] = info.Size()
		s.index[FileIDFor(name)] = name
	}

	used, err := DirUsage(s.dir)
	if err != nil {
		return err
	}
	s.used = used

	s.logger.Info("Loaded existing files",
		zap.String("dir", s.dir),
		zap.Int("file_count", len(s.index)),
		zap.Int64("used_bytes", s.used),
		zap.Int64("max_bytes", s.maxBytes))
	return nil
}

// DirUsage sums the sizes of regular files under dir, skipping symlinks.
func DirUsage(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", dir, err)
	}
	return total, nil
}

func (s *Store) Dir() string     { return s.dir }
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Used returns the tracked byte usage.
func (s *Store) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// reserve claims n bytes of quota or fails with ErrQuotaExceeded.
func (s *Store) reserve(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+n > s.maxBytes {
		return fmt.Errorf("%w: %d + %d > %d bytes", ErrQuotaExceeded, s.used, n, s.maxBytes)
	}
	s.used += n
	return nil
}

func (s *Store) release(n int64) {
	s.mu.Lock()
	s.used -= n
	s.mu.Unlock()
}

// commit records a completed write. The reservation for size stays in
// place; the bytes of any file it replaced are given back.
func (s *Store) commit(id types.FileID, filename string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sizes[filename]; ok {
		s.used -= old
	}
	s.sizes[filename] = size
	s.index[id] = filename
}

// Put stores data under filename and indexes it as id, overwriting any
// previous entry for the same id or filename.
func (s *Store) Put(id types.FileID, filename string, data []byte) error {
	return s.write(id, filename, int64(len(data)), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// AddFile copies the file at srcPath into the store as filename and returns
// its id.
func (s *Store) AddFile(filename, srcPath string) (types.FileID, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("source %s is not a regular file", srcPath)
	}

	id := FileIDFor(filename)
	err = s.write(id, filename, info.Size(), func(w io.Writer) error {
		n, err := io.Copy(w, src)
		if err == nil && n != info.Size() {
			err = fmt.Errorf("source changed while copying: read %d of %d bytes", n, info.Size())
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// write reserves size bytes, streams into a temp file and renames it over
// filename. On any failure the reservation is released and nothing is left
// behind.
func (s *Store) write(id types.FileID, filename string, size int64, fill func(io.Writer) error) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	if err := s.reserve(size); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		s.release(size)
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		s.release(size)
		return err
	}

	if err := fill(tmp); err != nil {
		return fail(fmt.Errorf("failed to write %s: %w", filename, err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("failed to close %s: %w", filename, err))
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, filename)); err != nil {
		return fail(fmt.Errorf("failed to move %s into place: %w", filename, err))
	}

	s.commit(id, filename, size)
	return nil
}

// Lookup returns the filename indexed under id.
func (s *Store) Lookup(id types.FileID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.index[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return name, nil
}

// Read returns the filename and bytes indexed under id.
func (s *Store) Read(id types.FileID) (string, []byte, error) {
	name, err := s.Lookup(id)
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return name, data, nil
}

// Path returns the on-disk location of an indexed file.
func (s *Store) Path(id types.FileID) (string, error) {
	name, err := s.Lookup(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Files returns the index sorted by filename.
func (s *Store) Files() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.index))
	for id, name := range s.index {
		out = append(out, Entry{ID: id, Filename: name})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Filename == out[j].Filename {
			return out[i].ID < out[j].ID
		}
		return out[i].Filename < out[j].Filename
	})
	return out
}
