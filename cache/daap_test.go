package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDAAPCacheLRUTrimsTo20Rows(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDAAPCache(filepath.Join(dir, "daap.db"), nil)
	require.NoError(t, err)
	defer c.Close()
	c.Suspend() // don't let the 60s rebuild timer fire mid-test

	for i := 0; i < 25; i++ {
		query := "/databases/1/items?meta=all&query=" + string(rune('a'+i))
		require.NoError(t, c.Add(query, "iTunes/1.0", false, 5))
	}

	var count int
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*) FROM queries`).Scan(&count))
	require.Equal(t, daapQueryLRUSize, count)
}

func TestDAAPCacheGetStripsSessionIDAndRevisionNumber(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDAAPCache(filepath.Join(dir, "daap.db"), nil)
	require.NoError(t, err)
	defer c.Close()
	c.Suspend()

	addedQuery := "/databases/1/items?meta=all&session-id=99"
	require.NoError(t, c.Add(addedQuery, "iTunes/1.0", false, 5))

	stripped := StripVolatileParams(addedQuery)
	_, err = c.db.Exec(`INSERT INTO replies (query, data) VALUES (?, ?)`, stripped, []byte("cached-reply"))
	require.NoError(t, err)

	hotQuery := "/databases/1/items?meta=all&session-id=42"
	data, ok := c.Get(hotQuery)
	require.True(t, ok)
	require.Equal(t, []byte("cached-reply"), data)
}

func TestDAAPCacheAllowListRejectsUnlistedPaths(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDAAPCache(filepath.Join(dir, "daap.db"), nil)
	require.NoError(t, err)
	defer c.Close()
	c.Suspend()

	allowed := "/databases/1/containers/?session-id=1"
	require.True(t, isAllowedPath(StripVolatileParams(allowed)))

	rejected := "/server-info?session-id=1"
	require.False(t, isAllowedPath(StripVolatileParams(rejected)))
}

func TestDAAPCacheRebuildAllPopulatesReplies(t *testing.T) {
	dir := t.TempDir()
	rebuildCalls := 0
	c, err := OpenDAAPCache(filepath.Join(dir, "daap.db"), func(query, userAgent string, isRemote bool) ([]byte, error) {
		rebuildCalls++
		return []byte("rebuilt:" + query), nil
	})
	require.NoError(t, err)
	defer c.Close()
	c.Suspend() // only gates the automatic timer; manual rebuildAll below still runs

	require.NoError(t, c.Add("/databases/1/items", "iTunes/1.0", false, 1))
	require.NoError(t, c.rebuildAll())
	require.Equal(t, 1, rebuildCalls)

	data, ok := c.Get("/databases/1/items")
	require.True(t, ok)
	require.Equal(t, []byte("rebuilt:/databases/1/items"), data)
}
