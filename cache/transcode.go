package cache

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

const transcodeSchemaVersion = 1

const transcodeSchemaDDL = `
CREATE TABLE files (
	id INTEGER PRIMARY KEY,
	time_modified INTEGER NOT NULL,
	header BLOB
);
`

// FileEntry is one row of the (external, out-of-scope) library's `files`
// table, as fed into Sync.
type FileEntry struct {
	ID          int64
	TimeModified int64
}

// PrepareFunc runs the encoder's slow header-preparation step for one
// file id, producing the MP4/ALAC header bytes cached for new device
// sessions (spec.md §4.3/§4.8).
type PrepareFunc func(id int64) ([]byte, error)

// TranscodeCache caches prepared MP4/ALAC headers keyed by file id, kept
// in sync with the main library's files table via periodic Sync calls,
// and filled in by a small worker pump (spec.md §4.8).
type TranscodeCache struct {
	db *sql.DB

	Prepare PrepareFunc

	workersOnce sync.Once
	stop        chan struct{}
	wg          sync.WaitGroup
	claimMu     sync.Mutex
}

// OpenTranscodeCache opens (or creates/rebuilds) the transcode-header
// cache at path.
func OpenTranscodeCache(path string, prepare PrepareFunc) (*TranscodeCache, error) {
	db, err := openVersioned(path, transcodeSchemaVersion, transcodeSchemaDDL, defaultLogger)
	if err != nil {
		return nil, err
	}
	return &TranscodeCache{db: db, Prepare: prepare, stop: make(chan struct{})}, nil
}

// Close stops any running worker pump and closes the database.
func (c *TranscodeCache) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.wg.Wait()
	return c.db.Close()
}

// Sync walks files (sorted by id, as the live library table is) and this
// cache's own rows in parallel, per spec.md §4.8: files present only in
// the library are inserted with an empty header (becoming prepare-pump
// work items); rows present only in the cache are deleted; rows whose
// time_modified differs are refreshed (and their header cleared, so the
// prepare pump regenerates it). Implements spec.md §8 Testable Property 12.
func (c *TranscodeCache) Sync(files []FileEntry) error {
	sorted := append([]FileEntry(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	cached, err := c.listCached()
	if err != nil {
		return fmt.Errorf("cache: transcode sync: read cache: %w", err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: transcode sync: begin: %w", err)
	}
	defer tx.Rollback()

	i, j := 0, 0
	for i < len(sorted) || j < len(cached) {
		switch {
		case j >= len(cached) || (i < len(sorted) && sorted[i].ID < cached[j].ID):
			if _, err := tx.Exec(`INSERT INTO files (id, time_modified, header) VALUES (?, ?, NULL)`,
				sorted[i].ID, sorted[i].TimeModified); err != nil {
				return fmt.Errorf("cache: transcode sync: insert %d: %w", sorted[i].ID, err)
			}
			i++
		case i >= len(sorted) || cached[j].ID < sorted[i].ID:
			if _, err := tx.Exec(`DELETE FROM files WHERE id = ?`, cached[j].ID); err != nil {
				return fmt.Errorf("cache: transcode sync: delete %d: %w", cached[j].ID, err)
			}
			j++
		default:
			if sorted[i].TimeModified != cached[j].TimeModified {
				if _, err := tx.Exec(`UPDATE files SET time_modified = ?, header = NULL WHERE id = ?`,
					sorted[i].TimeModified, sorted[i].ID); err != nil {
					return fmt.Errorf("cache: transcode sync: update %d: %w", sorted[i].ID, err)
				}
			}
			i++
			j++
		}
	}

	return tx.Commit()
}

func (c *TranscodeCache) listCached() ([]FileEntry, error) {
	rows, err := c.db.Query(`SELECT id, time_modified FROM files ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileEntry
	for rows.Next() {
		var e FileEntry
		if err := rows.Scan(&e.ID, &e.TimeModified); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Header returns the cached header bytes for id, if prepared.
func (c *TranscodeCache) Header(id int64) ([]byte, bool) {
	var header []byte
	err := c.db.QueryRow(`SELECT header FROM files WHERE id = ?`, id).Scan(&header)
	if err != nil || header == nil {
		return nil, false
	}
	return header, true
}

const transcodePrepareWorkers = 4

// StartPreparePump launches up to transcodePrepareWorkers goroutines, each
// repeatedly claiming the next file lacking a header, running Prepare
// (the slow, blocking part, hence workers), and writing the result back —
// this cache's db handle is the only writer, matching spec.md §4.8/§5's
// "cache thread is the only DB writer" rule even though here the workers
// are goroutines rather than separate OS threads.
func (c *TranscodeCache) StartPreparePump() {
	c.workersOnce.Do(func() {
		for i := 0; i < transcodePrepareWorkers; i++ {
			c.wg.Add(1)
			go c.prepareWorker()
		}
	})
}

const transcodePrepareIdlePoll = 200 * time.Millisecond

// prepareWorker runs for the cache's lifetime: it claims and prepares
// whatever files currently lack a header, then polls for work a new Sync
// call may have queued, until Close stops it.
func (c *TranscodeCache) prepareWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		id, ok := c.claimNextUnprepared()
		if !ok {
			select {
			case <-c.stop:
				return
			case <-time.After(transcodePrepareIdlePoll):
				continue
			}
		}

		header, err := c.Prepare(id)
		if err != nil {
			defaultLogger.Warn().Err(err).Int64("id", id).Msg("cache: transcode header prepare failed")
			continue
		}
		if _, err := c.db.Exec(`UPDATE files SET header = ? WHERE id = ?`, header, id); err != nil {
			defaultLogger.Error().Err(err).Int64("id", id).Msg("cache: transcode header store failed")
		}
	}
}

// claimNextUnprepared picks the next file lacking a header and marks it
// with a non-nil empty placeholder so a concurrent worker won't also pick
// it up; the real header overwrites the placeholder once Prepare returns.
func (c *TranscodeCache) claimNextUnprepared() (int64, bool) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	var id int64
	err := c.db.QueryRow(`SELECT id FROM files WHERE header IS NULL ORDER BY id LIMIT 1`).Scan(&id)
	if err != nil {
		return 0, false
	}
	if _, err := c.db.Exec(`UPDATE files SET header = ? WHERE id = ?`, []byte{}, id); err != nil {
		return 0, false
	}
	return id, true
}
