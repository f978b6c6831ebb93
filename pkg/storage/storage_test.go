package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"overlay/pkg/types"
	"overlay/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T, maxBytes int64) *Store {
	s, err := Open(t.TempDir(), maxBytes, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func dirNames(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestFileIDFor(t *testing.T) {
	// md5("hello.txt")
	assert.Equal(t, types.FileID("2e54144ba487ae25d03a3caba233da71"), FileIDFor("hello.txt"))
	assert.Equal(t, FileIDFor("same"), FileIDFor("same"))
	assert.NotEqual(t, FileIDFor("a"), FileIDFor("b"))
}

func TestValidateFilename(t *testing.T) {
	for _, name := range []string{"notes.txt", "a b c", "..hidden", "x.."} {
		assert.NoError(t, ValidateFilename(name), name)
	}
	for _, name := range []string{"", ".", "..", "../etc/passwd", "dir/file", `dir\file`, ".incoming-123", "nul\x00byte"} {
		assert.True(t, errors.Is(ValidateFilename(name), ErrInvalidFilename), name)
	}
}

func TestPutAndRead(t *testing.T) {
	s := openTestStore(t, utils.MegaByte)
	id := FileIDFor("notes.txt")

	require.NoError(t, s.Put(id, "notes.txt", []byte("hello")))

	name, data, err := s.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", name)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, int64(5), s.Used())
	assert.Equal(t, []Entry{{ID: id, Filename: "notes.txt"}}, s.Files())

	_, _, err = s.Read("missing")
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestQuotaBoundary(t *testing.T) {
	const max = 1000
	s := openTestStore(t, max)
	require.NoError(t, s.Put("seed", "seed", make([]byte, 300)))
	used := s.Used()
	require.Equal(t, int64(300), used)

	err := s.Put("over", "over", make([]byte, max-used+1))
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, used, s.Used(), "rejected write must not change usage")
	assert.Equal(t, []string{"seed"}, dirNames(t, s.Dir()))

	require.NoError(t, s.Put("exact", "exact", make([]byte, max-used)))
	assert.Equal(t, int64(max), s.Used())

	err = s.Put("one-more", "one-more", []byte{1})
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestOverwriteSameFilename(t *testing.T) {
	s := openTestStore(t, 100)
	id := FileIDFor("f")

	require.NoError(t, s.Put(id, "f", make([]byte, 40)))
	require.NoError(t, s.Put(id, "f", make([]byte, 10)))

	assert.Equal(t, int64(10), s.Used())
	assert.Len(t, s.Files(), 1)

	usage, err := DirUsage(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, s.Used(), usage)
}

func TestOverwriteCountsExistingBytesAgainstQuota(t *testing.T) {
	s := openTestStore(t, 100)
	require.NoError(t, s.Put("f", "f", make([]byte, 60)))

	// The old copy still counts until the new one is in place.
	err := s.Put("f", "f", make([]byte, 60))
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, int64(60), s.Used())
}

func TestAddFile(t *testing.T) {
	s := openTestStore(t, utils.MegaByte)
	src := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	id, err := s.AddFile("copy.bin", src)
	require.NoError(t, err)
	assert.Equal(t, FileIDFor("copy.bin"), id)

	data, err := os.ReadFile(filepath.Join(s.Dir(), "copy.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = s.AddFile("missing", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestAddFileOverQuotaLeavesDirectoryUnchanged(t *testing.T) {
	s := openTestStore(t, 1*utils.MegaByte)
	require.NoError(t, s.Put("small", "small", []byte("x")))
	before := dirNames(t, s.Dir())

	src := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(src, make([]byte, 2*utils.MegaByte), 0644))

	_, err := s.AddFile("big.bin", src)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, before, dirNames(t, s.Dir()))
	assert.Equal(t, int64(1), s.Used())

	_, err = s.Lookup(FileIDFor("big.bin"))
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestConcurrentWritesNeverExceedQuota(t *testing.T) {
	const (
		max     = 10 * 1024
		size    = 1024
		writers = 32
	)
	s := openTestStore(t, max)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("file-%d", i)
			if err := s.Put(FileIDFor(name), name, make([]byte, size)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, max/size, accepted)
	assert.Equal(t, int64(max), s.Used())

	usage, err := DirUsage(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, int64(max), usage)
}

func TestOpenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaa"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".incoming-stale"), []byte("junk"), 0644))

	s, err := Open(dir, 100, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []Entry{{ID: FileIDFor("a.txt"), Filename: "a.txt"}}, s.Files())
	assert.Equal(t, int64(3), s.Used())
	assert.Equal(t, []string{"a.txt"}, dirNames(t, dir))
}

func TestPutRejectsEscapingFilename(t *testing.T) {
	s := openTestStore(t, 100)
	err := s.Put("x", "../escape", []byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidFilename))
	assert.Zero(t, s.Used())
}
