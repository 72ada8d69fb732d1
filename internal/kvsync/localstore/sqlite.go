package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteBackend persists entries in an embedded SQLite database so the
// store and its pending queue survive restarts.
//
// The database runs in WAL mode. A single connection is used so that
// PRAGMA data_version reports commits made by other processes.
type SQLiteBackend struct {
	conn  *sql.DB
	path  string
	quota int64
}

// OpenSQLite opens (creating if needed) the store database at path.
// quota <= 0 means unlimited.
//
// The caller MUST call Close() when done.
func OpenSQLite(path string, quota int64) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	b := &SQLiteBackend{conn: conn, path: path, quota: quota}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := conn.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return b, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

func (b *SQLiteBackend) Get(key string) (string, bool, error) {
	var value string
	err := b.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

func (b *SQLiteBackend) Set(key, value string) error {
	tx, err := b.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if b.quota > 0 {
		var used, old int64
		if err := tx.QueryRow(
			`SELECT COALESCE(SUM(length(key) + length(value)), 0) FROM kv`,
		).Scan(&used); err != nil {
			return fmt.Errorf("failed to measure store size: %w", err)
		}
		err := tx.QueryRow(
			`SELECT length(key) + length(value) FROM kv WHERE key = ?`, key,
		).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to measure key %s: %w", key, err)
		}
		if used-old+int64(len(key)+len(value)) > b.quota {
			return ErrQuotaExceeded
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit key %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Remove(key string) error {
	if _, err := b.conn.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) All() (map[string]string, error) {
	rows, err := b.conn.Query(`SELECT key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DataVersion returns SQLite's data_version, which changes whenever another
// connection commits to the database.
func (b *SQLiteBackend) DataVersion() (int64, error) {
	var v int64
	if err := b.conn.QueryRow(`PRAGMA data_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read data_version: %w", err)
	}
	return v, nil
}

// Close checkpoints the WAL and closes the database.
func (b *SQLiteBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store database: %w", err)
	}
	b.conn = nil
	return nil
}
