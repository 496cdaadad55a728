package cache

import (
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"sync"

	"github.com/owntone-go/airplay2/pairing"
)

const pairingSchemaVersion = 1

const pairingSchemaDDL = `
CREATE TABLE speaker_pairing (
	id TEXT NOT NULL PRIMARY KEY,
	public_key BLOB NOT NULL
);
`

// PairingCache persists long-term accessory identities recorded by a
// successful normal pair-setup or confirmed by pair-verify, per spec.md
// §3's PairingKey data. It implements pairing.PeerStore directly so the
// device-session pairing machinery can use it without an adapter.
type PairingCache struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]ed25519.PublicKey
}

// OpenPairingCache opens (or creates/rebuilds) the pairing cache at path
// and preloads every persisted peer into memory, per the teacher's
// pattern of a small in-memory mirror over an authoritative SQLite table.
func OpenPairingCache(path string) (*PairingCache, error) {
	db, err := openVersioned(path, pairingSchemaVersion, pairingSchemaDDL, defaultLogger)
	if err != nil {
		return nil, err
	}
	c := &PairingCache{db: db, cache: make(map[string]ed25519.PublicKey)}
	if err := c.preload(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *PairingCache) preload() error {
	rows, err := c.db.Query(`SELECT id, public_key FROM speaker_pairing`)
	if err != nil {
		return fmt.Errorf("cache: preload pairing: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var pub []byte
		if err := rows.Scan(&id, &pub); err != nil {
			return fmt.Errorf("cache: scan pairing row: %w", err)
		}
		c.cache[id] = ed25519.PublicKey(pub)
	}
	return rows.Err()
}

// Close closes the underlying database.
func (c *PairingCache) Close() error { return c.db.Close() }

// Lookup implements pairing.PeerStore.
func (c *PairingCache) Lookup(id string) (ed25519.PublicKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pub, ok := c.cache[id]
	return pub, ok
}

// Add implements pairing.PeerStore, persisting the new identity and
// updating the in-memory mirror.
func (c *PairingCache) Add(id string, pub ed25519.PublicKey) error {
	if _, err := c.db.Exec(`
		INSERT INTO speaker_pairing (id, public_key) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET public_key = excluded.public_key
	`, id, []byte(pub)); err != nil {
		return fmt.Errorf("cache: add pairing: %w", err)
	}
	c.mu.Lock()
	c.cache[id] = pub
	c.mu.Unlock()
	return nil
}

// Remove implements pairing.PeerStore, forgetting a previously paired
// accessory (e.g. after the user explicitly unpairs a speaker).
func (c *PairingCache) Remove(id string) error {
	if _, err := c.db.Exec(`DELETE FROM speaker_pairing WHERE id = ?`, id); err != nil {
		return fmt.Errorf("cache: remove pairing: %w", err)
	}
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()
	return nil
}

var _ pairing.PeerStore = (*PairingCache)(nil)
