package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

const artworkSchemaVersion = 5

const artworkSchemaDDL = `
CREATE TABLE artwork (
	type TEXT NOT NULL,
	persistent_id INTEGER NOT NULL,
	max_w INTEGER NOT NULL,
	max_h INTEGER NOT NULL,
	format TEXT NOT NULL,
	filepath TEXT NOT NULL,
	data BLOB NOT NULL,
	db_timestamp INTEGER NOT NULL,
	PRIMARY KEY (type, persistent_id, max_w, max_h)
);
CREATE INDEX artwork_filepath_idx ON artwork (filepath);
`

// ArtworkCache stores pre-rendered artwork images, plus one in-memory
// "last read" slot used as a latency shortcut between successive requests
// for the same artwork source (spec.md §4.8).
type ArtworkCache struct {
	db *sql.DB

	mu         sync.Mutex
	stashPath  string
	stashFmt   string
	stashBytes []byte

	now func() time.Time
}

// OpenArtworkCache opens (or creates/rebuilds) the artwork cache at path.
func OpenArtworkCache(path string) (*ArtworkCache, error) {
	db, err := openVersioned(path, artworkSchemaVersion, artworkSchemaDDL, defaultLogger)
	if err != nil {
		return nil, err
	}
	return &ArtworkCache{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *ArtworkCache) Close() error { return c.db.Close() }

// Add stores one rendered image.
func (c *ArtworkCache) Add(artType string, persistentID int64, maxW, maxH int, format, path string, data []byte) error {
	_, err := c.db.Exec(`
		INSERT INTO artwork (type, persistent_id, max_w, max_h, format, filepath, data, db_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, persistent_id, max_w, max_h) DO UPDATE SET
			format = excluded.format,
			filepath = excluded.filepath,
			data = excluded.data,
			db_timestamp = excluded.db_timestamp
	`, artType, persistentID, maxW, maxH, format, path, data, c.now().Unix())
	if err != nil {
		return fmt.Errorf("cache: artwork add: %w", err)
	}
	return nil
}

// Get retrieves a previously rendered image.
func (c *ArtworkCache) Get(artType string, persistentID int64, maxW, maxH int) ([]byte, bool) {
	var data []byte
	err := c.db.QueryRow(`
		SELECT data FROM artwork WHERE type = ? AND persistent_id = ? AND max_w = ? AND max_h = ?
	`, artType, persistentID, maxW, maxH).Scan(&data)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Ping bumps db_timestamp to now for every row whose filepath matches
// path and whose db_timestamp is >= mtime; if del is set it additionally
// deletes rows with db_timestamp < mtime, per spec.md §8 Testable
// Property 11.
func (c *ArtworkCache) Ping(path string, mtime int64, del bool) error {
	now := c.now().Unix()
	if _, err := c.db.Exec(`
		UPDATE artwork SET db_timestamp = ? WHERE filepath = ? AND db_timestamp >= ?
	`, now, path, mtime); err != nil {
		return fmt.Errorf("cache: artwork ping: %w", err)
	}
	if del {
		if _, err := c.db.Exec(`
			DELETE FROM artwork WHERE filepath = ? AND db_timestamp < ?
		`, path, mtime); err != nil {
			return fmt.Errorf("cache: artwork ping delete: %w", err)
		}
	}
	return nil
}

// PurgeCruft deletes all rows with db_timestamp < ref.
func (c *ArtworkCache) PurgeCruft(ref int64) error {
	_, err := c.db.Exec(`DELETE FROM artwork WHERE db_timestamp < ?`, ref)
	if err != nil {
		return fmt.Errorf("cache: artwork purge_cruft: %w", err)
	}
	return nil
}

// Stash saves buf as the single in-memory "most recently produced
// artwork" slot, for the next Read of the same path/format to short-
// circuit re-rendering.
func (c *ArtworkCache) Stash(buf []byte, path, format string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stashBytes = append([]byte(nil), buf...)
	c.stashPath = path
	c.stashFmt = format
}

// Read returns the stashed bytes if they match path, clearing the slot
// either way (single-shot, matching the source's one-shot stash/read
// pairing).
func (c *ArtworkCache) Read(path string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stashPath != path || c.stashBytes == nil {
		return nil, "", false
	}
	data, format := c.stashBytes, c.stashFmt
	c.stashBytes = nil
	c.stashPath = ""
	c.stashFmt = ""
	return data, format, true
}
