// Package cache implements the SQLite-backed DAAP reply, artwork, and
// transcode-header caches of spec.md §4.8, each independently versioned:
// on version mismatch the tables are dropped and recreated. Grounded on
// flowpbx's internal/database package (WAL-mode single-writer SQLite via
// modernc.org/sqlite, a file DSN built from pragmas, SetMaxOpenConns(1))
// generalised here from one migrated schema to three independently
// versioned caches opened with their own schema_version table instead of
// flowpbx's migration-file mechanism, since each cache here has exactly
// one fixed schema per spec.md §6 rather than an evolving migration chain.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// openVersioned opens (creating the parent directory if needed) a SQLite
// database at path with WAL mode and a busy timeout, then ensures its
// schema is at exactly wantVersion: if the on-disk `schema_version` table
// reports a different version (or doesn't exist), schema is dropped and
// schemaDDL is (re-)applied and the version recorded.
func openVersioned(path string, wantVersion int, schemaDDL string, logger zerolog.Logger) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("cache: create cache directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := reconcileSchema(db, wantVersion, schemaDDL, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func reconcileSchema(db *sql.DB, wantVersion int, schemaDDL string, logger zerolog.Logger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("cache: create schema_version table: %w", err)
	}

	var haveVersion int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&haveVersion)
	switch {
	case err == sql.ErrNoRows:
		haveVersion = -1
	case err != nil:
		return fmt.Errorf("cache: read schema_version: %w", err)
	}

	if haveVersion == wantVersion {
		return nil
	}

	logger.Info().Int("have", haveVersion).Int("want", wantVersion).Msg("cache: schema version mismatch, rebuilding")

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin schema rebuild: %w", err)
	}
	defer tx.Rollback()

	if err := dropAllTables(tx); err != nil {
		return fmt.Errorf("cache: drop tables: %w", err)
	}
	if _, err := tx.Exec(`CREATE TABLE schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("cache: recreate schema_version table: %w", err)
	}
	if _, err := tx.Exec(schemaDDL); err != nil {
		return fmt.Errorf("cache: apply schema DDL: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, wantVersion); err != nil {
		return fmt.Errorf("cache: record schema version: %w", err)
	}
	return tx.Commit()
}

func dropAllTables(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE "%s"`, name)); err != nil {
			return err
		}
	}
	return nil
}

var defaultLogger = log.Logger
