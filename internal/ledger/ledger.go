// Package ledger is the durable dedup store for the pipeline.
//
// It maps a community's actor ID to one of three states: absent (never
// handled), a positive numeric ID (resolved on the home server, not yet
// subscribed), or types.StateSubscribed. The ledger is the single
// source of truth for "already handled" and survives restarts.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lemmyfed/subwoofer/internal/types"
)

// SchemaVersion is the current on-disk schema. A store without a
// version row is treated as fresh: cleared and initialized before any
// other key is trusted.
const SchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	addr  TEXT PRIMARY KEY,
	state INTEGER NOT NULL
);
`

// Stats summarizes the store for the per-pass report.
type Stats struct {
	Resolved   int // entries in any state, matching the original report
	Subscribed int // entries holding the subscribed sentinel
}

// Ledger is a mutex-guarded SQLite store. The scanner reads it while
// both workers write it; every operation runs inside the same
// mutual-exclusion domain so concurrent writers can never interleave
// on one entry.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the ledger file and validates its schema
// version. A file with no version row is cleared and initialized: a
// fresh store wins over a possibly-corrupt partial one.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for better concurrency between the scanner's reads and
	// the workers' writes.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// checkVersion initializes a fresh store or rejects an unknown one.
func (l *Ledger) checkVersion() error {
	var version int64
	err := l.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		// No version row means the store has never been initialized.
		// Clear whatever is there and stamp the current version.
		if _, err := l.db.Exec(`DELETE FROM entries`); err != nil {
			return fmt.Errorf("failed to clear uninitialized store: %w", err)
		}
		if _, err := l.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, SchemaVersion); err != nil {
			return fmt.Errorf("failed to write schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version != SchemaVersion:
		return fmt.Errorf("unsupported ledger schema version %d (want %d)", version, SchemaVersion)
	}
	return nil
}

// Has reports whether any state is recorded for addr.
func (l *Ledger) Has(ctx context.Context, addr string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE addr = ?`, addr).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return true, nil
}

// Get returns the recorded state for addr and whether one exists.
func (l *Ledger) Get(ctx context.Context, addr string) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var state int64
	err := l.db.QueryRowContext(ctx, `SELECT state FROM entries WHERE addr = ?`, addr).Scan(&state)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return state, true, nil
}

// Put records state for addr, replacing any previous state.
func (l *Ledger) Put(ctx context.Context, addr string, state int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO entries (addr, state) VALUES (?, ?)
		 ON CONFLICT(addr) DO UPDATE SET state = excluded.state`, addr, state)
	if err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

// ForEach visits every entry. The callback must not call back into the
// ledger; the store lock is held for the duration of the scan.
func (l *Ledger) ForEach(ctx context.Context, fn func(addr string, state int64) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `SELECT addr, state FROM entries`)
	if err != nil {
		return fmt.Errorf("failed to scan ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr string
		var state int64
		if err := rows.Scan(&addr, &state); err != nil {
			return fmt.Errorf("failed to scan ledger row: %w", err)
		}
		if err := fn(addr, state); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stats counts entries for the statistics report.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.ForEach(ctx, func(addr string, state int64) error {
		s.Resolved++
		if state == types.StateSubscribed {
			s.Subscribed++
		}
		return nil
	})
	return s, err
}

// Reset deletes every entry and re-stamps the schema version. This is
// an explicit administrative operation, never part of the steady-state
// pipeline.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("failed to reset ledger: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
