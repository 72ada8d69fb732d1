package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

// SQLitePersistence keeps the authoritative state in a single-row table.
type SQLitePersistence struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the state database at path.
//
// The caller MUST call Close() when done.
func OpenSQLite(path string) (*SQLitePersistence, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &SQLitePersistence{conn: conn, path: path}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS sync_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			snapshot TEXT NOT NULL,  -- JSON object
			updated_at TEXT
		)`,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return p, nil
}

// Load implements Persistence.
func (p *SQLitePersistence) Load() (protocol.ServerState, bool, error) {
	var (
		state     protocol.ServerState
		raw       string
		updatedAt sql.NullString
	)
	err := p.conn.QueryRow(
		`SELECT version, checksum, snapshot, updated_at FROM sync_state WHERE id = 1`,
	).Scan(&state.Version, &state.Checksum, &raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ServerState{}, false, nil
	}
	if err != nil {
		return protocol.ServerState{}, false, fmt.Errorf("failed to read state: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &state.Snapshot); err != nil {
		return protocol.ServerState{}, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	state.UpdatedAt = updatedAt.String
	return state, true, nil
}

// Save implements Persistence.
func (p *SQLitePersistence) Save(state protocol.ServerState) error {
	snap := state.Snapshot
	if snap == nil {
		snap = map[string]string{}
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = p.conn.Exec(`
		INSERT INTO sync_state (id, version, checksum, snapshot, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			checksum = excluded.checksum,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, state.Version, state.Checksum, string(raw), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (p *SQLitePersistence) Close() error {
	if p.conn == nil {
		return nil
	}
	if _, err := p.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	p.conn = nil
	return nil
}
