package cache

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const daapSchemaVersion = 5

const daapSchemaDDL = `
CREATE TABLE queries (
	query TEXT PRIMARY KEY,
	user_agent TEXT NOT NULL,
	is_remote INTEGER NOT NULL,
	measured_ms INTEGER NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE TABLE replies (
	query TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
`

// daapQueryLRUSize is the number of most-recent distinct queries retained,
// per spec.md §8 Testable Property 10.
const daapQueryLRUSize = 20

const daapRebuildInterval = 60 * time.Second

// daapAllowedPathSubstrings gates which stripped query paths are eligible
// for a cache hit at all, per spec.md §8 scenario S6's allow-list.
var daapAllowedPathSubstrings = []string{
	"/databases/",
}

// RebuildFunc produces the gzipped DAAP reply body for one cached query;
// supplied by the (out-of-scope) DAAP front-end module.
type RebuildFunc func(query, userAgent string, isRemote bool) ([]byte, error)

// DAAPCache is the gzipped-reply cache for slow DAAP library queries
// (spec.md §4.8).
type DAAPCache struct {
	db     *sql.DB
	log    zerolog.Logger
	mu     sync.Mutex
	timer  *time.Timer
	suspended bool

	Rebuild RebuildFunc
}

// OpenDAAPCache opens (or creates/rebuilds) the DAAP reply cache at path.
func OpenDAAPCache(path string, rebuild RebuildFunc) (*DAAPCache, error) {
	db, err := openVersioned(path, daapSchemaVersion, daapSchemaDDL, defaultLogger)
	if err != nil {
		return nil, err
	}
	c := &DAAPCache{db: db, log: defaultLogger, Rebuild: rebuild}
	c.armTimer()
	return c, nil
}

// Close stops the rebuild timer and closes the database.
func (c *DAAPCache) Close() error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	return c.db.Close()
}

// Add records a query (spec.md §4.8: insert with unique-on-query-text,
// timestamp updated on conflict), then trims to the daapQueryLRUSize most
// recent rows by timestamp, and (re)arms the rebuild timer.
func (c *DAAPCache) Add(query, userAgent string, isRemote bool, measuredMs int) error {
	now := time.Now().UnixNano()
	_, err := c.db.Exec(`
		INSERT INTO queries (query, user_agent, is_remote, measured_ms, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(query) DO UPDATE SET
			user_agent = excluded.user_agent,
			is_remote = excluded.is_remote,
			measured_ms = excluded.measured_ms,
			timestamp = excluded.timestamp
	`, query, userAgent, boolToInt(isRemote), measuredMs, now)
	if err != nil {
		return fmt.Errorf("cache: daap add: %w", err)
	}

	if _, err := c.db.Exec(`
		DELETE FROM queries WHERE query NOT IN (
			SELECT query FROM queries ORDER BY timestamp DESC LIMIT ?
		)
	`, daapQueryLRUSize); err != nil {
		return fmt.Errorf("cache: daap trim: %w", err)
	}
	c.armTimer()
	return nil
}

// Get strips the session-id and revision-number parameters from query
// (per spec.md §4.8 — these vary per client/poll and must not fragment
// the cache key) and returns the cached gzipped reply, if the stripped
// path passes the allow-list and a reply is present.
func (c *DAAPCache) Get(query string) ([]byte, bool) {
	stripped := StripVolatileParams(query)
	if !isAllowedPath(stripped) {
		return nil, false
	}

	var data []byte
	err := c.db.QueryRow(`SELECT data FROM replies WHERE query = ?`, stripped).Scan(&data)
	if err != nil {
		return nil, false
	}
	return data, true
}

// StripVolatileParams removes the `session-id` and `revision-number`
// query-string parameters, which vary per client/long-poll but don't
// change the answer, so query text used as the cache key excludes them.
func StripVolatileParams(query string) string {
	u, err := url.Parse(query)
	if err != nil {
		return query
	}
	q := u.Query()
	q.Del("session-id")
	q.Del("revision-number")
	u.RawQuery = q.Encode()
	return u.String()
}

func isAllowedPath(query string) bool {
	u, err := url.Parse(query)
	path := query
	if err == nil {
		path = u.Path
	}
	for _, substr := range daapAllowedPathSubstrings {
		if strings.Contains(path, substr) {
			return true
		}
	}
	return false
}

// Suspend gates the rebuild timer off, for use around bulk library scans
// (spec.md §4.8's daap_suspend/daap_resume).
func (c *DAAPCache) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Resume re-arms the rebuild timer.
func (c *DAAPCache) Resume() {
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()
	c.armTimer()
}

func (c *DAAPCache) armTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(daapRebuildInterval, c.fireRebuild)
}

func (c *DAAPCache) fireRebuild() {
	c.mu.Lock()
	suspended := c.suspended
	c.mu.Unlock()
	if suspended {
		return
	}
	if err := c.rebuildAll(); err != nil {
		c.log.Error().Err(err).Msg("cache: daap rebuild failed")
	}
	c.armTimer()
}

// rebuildAll clears the replies table and, for every tracked query, calls
// out to the DAAP module (via Rebuild) to regenerate and gzip its reply,
// per spec.md §4.8.
func (c *DAAPCache) rebuildAll() error {
	if c.Rebuild == nil {
		return nil
	}

	if _, err := c.db.Exec(`DELETE FROM replies`); err != nil {
		return fmt.Errorf("clear replies: %w", err)
	}

	rows, err := c.db.Query(`SELECT query, user_agent, is_remote FROM queries`)
	if err != nil {
		return fmt.Errorf("read queries: %w", err)
	}
	type entry struct {
		query, userAgent string
		isRemote         bool
	}
	var entries []entry
	for rows.Next() {
		var e entry
		var isRemote int
		if err := rows.Scan(&e.query, &e.userAgent, &isRemote); err != nil {
			rows.Close()
			return err
		}
		e.isRemote = isRemote != 0
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		data, err := c.Rebuild(e.query, e.userAgent, e.isRemote)
		if err != nil {
			c.log.Warn().Err(err).Str("query", e.query).Msg("cache: daap rebuild query failed")
			continue
		}
		// Stored under the stripped (session-id/revision-number-free) form
		// so any caller's session id hits the same reply (see Get).
		if _, err := c.db.Exec(`
			INSERT INTO replies (query, data) VALUES (?, ?)
			ON CONFLICT(query) DO UPDATE SET data = excluded.data
		`, StripVolatileParams(e.query), data); err != nil {
			return fmt.Errorf("store rebuilt reply: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
