package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTranscodeCache(t *testing.T, prepare PrepareFunc) *TranscodeCache {
	t.Helper()
	dir := t.TempDir()
	c, err := OpenTranscodeCache(filepath.Join(dir, "transcode.db"), prepare)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// TestTranscodeCacheSyncMergesFilesAndCache implements spec.md §8
// Testable Property 12's literal scenario: given files table
// [(1,100),(3,100),(5,100)] and cache files [(2,100),(3,90),(5,100)],
// post-sync the cache equals [(1,100),(3,100),(5,100)].
func TestTranscodeCacheSyncMergesFilesAndCache(t *testing.T) {
	c := newTestTranscodeCache(t, nil)

	// Seed the cache's existing rows: (2,100), (3,90), (5,100).
	_, err := c.db.Exec(`INSERT INTO files (id, time_modified, header) VALUES (2, 100, NULL), (3, 90, NULL), (5, 100, NULL)`)
	require.NoError(t, err)

	files := []FileEntry{{ID: 1, TimeModified: 100}, {ID: 3, TimeModified: 100}, {ID: 5, TimeModified: 100}}
	require.NoError(t, c.Sync(files))

	got, err := c.listCached()
	require.NoError(t, err)

	want := []FileEntry{{ID: 1, TimeModified: 100}, {ID: 3, TimeModified: 100}, {ID: 5, TimeModified: 100}}
	require.Equal(t, want, got)
}

func TestTranscodeCacheSyncInsertsWithNilHeaderForPreparePump(t *testing.T) {
	c := newTestTranscodeCache(t, nil)
	require.NoError(t, c.Sync([]FileEntry{{ID: 1, TimeModified: 100}}))

	_, ok := c.Header(1)
	require.False(t, ok, "freshly synced file has no header yet")
}

func TestTranscodeCachePreparePumpFillsHeaders(t *testing.T) {
	prepared := make(chan int64, 10)
	c := newTestTranscodeCache(t, func(id int64) ([]byte, error) {
		prepared <- id
		return []byte{0xAA, byte(id)}, nil
	})

	require.NoError(t, c.Sync([]FileEntry{{ID: 1, TimeModified: 1}, {ID: 2, TimeModified: 1}}))
	c.StartPreparePump()

	seen := map[int64]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case id := <-prepared:
			seen[id] = true
		case <-timeout:
			t.Fatal("timed out waiting for prepare pump to process both files")
		}
	}

	header, ok := c.Header(1)
	require.Eventually(t, func() bool {
		header, ok = c.Header(1)
		return ok && len(header) > 0
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []byte{0xAA, 1}, header)
}
