package storage

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/apperr"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
)

func newTestStore(t *testing.T) *FrameStore {
	t.Helper()
	store, err := NewFrameStore(filepath.Join(t.TempDir(), "uploads"), logger.NewNopLogger())
	require.NoError(t, err)
	return store
}

// writeFrame places a frame file directly on disk with the given capture time
func writeFrame(t *testing.T, store *FrameStore, at time.Time, size int) string {
	t.Helper()
	name := FrameName(at.UnixMilli())
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), name), make([]byte, size), 0644))
	return name
}

func TestNewFrameStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "uploads")

	store, err := NewFrameStore(dir, nil)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, dir, store.Dir())
}

func TestNewFrameStore_Errors(t *testing.T) {
	_, err := NewFrameStore("", nil)
	assert.Error(t, err)

	// A regular file where the directory should be.
	file := filepath.Join(t.TempDir(), "uploads")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = NewFrameStore(file, nil)
	assert.Error(t, err)
}

func TestFrameStore_Save(t *testing.T) {
	store := newTestStore(t)
	body := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x10, 0x20, 0xFF, 0xD9}

	frame, err := store.Save(body)
	require.NoError(t, err)

	assert.Regexp(t, `^frame_\d+\.jpg$`, frame.Name)
	assert.Equal(t, int64(len(body)), frame.Size)

	data, err := os.ReadFile(filepath.Join(store.Dir(), frame.Name))
	require.NoError(t, err)
	assert.Equal(t, body, data)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFrameStore_Save_EmptyBody(t *testing.T) {
	store := newTestStore(t)

	frame, err := store.Save(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), frame.Size)
}

func TestFrameStore_Save_StrictlyIncreasingNames(t *testing.T) {
	store := newTestStore(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	store.now = func() time.Time { return fixed }

	var last int64
	for i := 0; i < 5; i++ {
		frame, err := store.Save([]byte{byte(i)})
		require.NoError(t, err)

		ts, ok := ParseFrameName(frame.Name)
		require.True(t, ok)
		assert.Greater(t, ts.UnixMilli(), last)
		last = ts.UnixMilli()
	}
	assert.Equal(t, fixed.UnixMilli()+4, last)
}

func TestFrameStore_Save_NeverOverwrites(t *testing.T) {
	store := newTestStore(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	store.now = func() time.Time { return fixed }

	// A frame left by an earlier process at the same millisecond.
	existing := writeFrame(t, store, fixed, 3)

	frame, err := store.Save([]byte("new"))
	require.NoError(t, err)
	assert.NotEqual(t, existing, frame.Name)

	old, err := os.ReadFile(filepath.Join(store.Dir(), existing))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 3), old)
}

func TestFrameStore_Save_Concurrent(t *testing.T) {
	store := newTestStore(t)

	const n = 50
	names := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frame, err := store.Save([]byte{byte(i)})
			assert.NoError(t, err)
			names[i] = frame.Name
		}(i)
	}
	wg.Wait()

	sort.Strings(names)
	for i := 1; i < n; i++ {
		assert.NotEqual(t, names[i-1], names[i])
	}
}

func TestFrameStore_Save_WriteFailure(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.RemoveAll(store.Dir()))

	_, err := store.Save([]byte("frame"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.StorageWrite))
}

func TestParseFrameName(t *testing.T) {
	ts, ok := ParseFrameName("frame_1700000000123.jpg")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())

	for _, name := range []string{"frame_.jpg", "frame_abc.jpg", "snapshot_1.jpg", "frame_1.png", "frame_-5.jpg"} {
		_, ok := ParseFrameName(name)
		assert.False(t, ok, name)
	}
}

func TestFrameStore_Path(t *testing.T) {
	store := newTestStore(t)

	path, err := store.Path("frame_1.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), "frame_1.jpg"), path)

	for _, name := range []string{"", ".", "..", "../etc/passwd", "a/b.jpg", `a\b.jpg`} {
		_, err := store.Path(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestFrameStore_List(t *testing.T) {
	store := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	oldest := writeFrame(t, store, base, 1)
	middle := writeFrame(t, store, base.Add(time.Second), 2)
	newest := writeFrame(t, store, base.Add(2*time.Second), 3)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(store.Dir(), "frame_1.jpg"), 0755))

	frames, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, []string{newest, middle, oldest}, []string{frames[0].Name, frames[1].Name, frames[2].Name})
	assert.Equal(t, int64(3), frames[0].Size)

	limited, err := store.List(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, newest, limited[0].Name)
}

func TestFrameStore_RemoveAndStats(t *testing.T) {
	store := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	first := writeFrame(t, store, base, 10)
	writeFrame(t, store, base.Add(time.Minute), 5)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Frames)
	assert.Equal(t, int64(15), stats.TotalBytes)
	assert.Equal(t, base, stats.Oldest)
	assert.Equal(t, base.Add(time.Minute), stats.Newest)

	require.NoError(t, store.Remove(first))
	require.NoError(t, store.Remove(first))
	assert.ErrorIs(t, store.Remove("../escape.jpg"), ErrInvalidName)

	stats, err = store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Frames)
}
