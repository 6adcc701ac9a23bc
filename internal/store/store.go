// Package store is the single-writer SQLite-backed durable event log, rule
// table, per-source cursor table, and (by query, not a table) notification
// outbox. Every exported method is its own transaction; no method suspends
// mid-transaction.
package store

import (
	"context"
	"database/sql"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/kestrelhome/unifimon/internal/unifierr"
)

// Store wraps a single-writer *sql.DB connection to the SQLite database.
type Store struct {
	conn         *sql.DB
	ftsAvailable bool
	maxAttempts  int
}

// Open creates a new Store, applying all pending migrations and detecting
// FTS5 availability. path is the on-disk database file path.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, unifierr.StoreError("open sqlite", err)
	}

	// Single writer: SQLite serializes writes at the file level anyway, but
	// capping the pool at one connection keeps every Store method a single
	// logical transaction without needing an explicit application mutex.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, unifierr.StoreError("ping sqlite", err)
	}

	if err := ensureIncrementalVacuum(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	migrationsSub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, unifierr.StoreError("migrations sub-fs", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsSub)
	if err != nil {
		_ = conn.Close()
		return nil, unifierr.StoreError("create migration provider", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, unifierr.StoreError("apply migrations", err)
	}

	s := &Store{conn: conn, maxAttempts: defaultMaxNotifyAttempts}
	if err := s.ensureFTS(context.Background()); err != nil {
		_ = conn.Close()
		return nil, unifierr.StoreError("ensure fts", err)
	}

	return s, nil
}

// SetMaxNotifyAttempts overrides the configured notification retry
// budget (config's "max notification retries"). Must be called before
// any concurrent use of the Store's notification methods; main wires it
// once at startup right after Open.
func (s *Store) SetMaxNotifyAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// ensureFTS detects whether the linked SQLite build supports FTS5 and, if
// so, idempotently creates the external-content FTS5 virtual table and
// its maintenance triggers. If FTS5 is unavailable, query_events silently
// falls back to substring matching; this is not a fatal condition.
func (s *Store) ensureFTS(ctx context.Context) error {
	var opt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT compile_options FROM pragma_compile_options WHERE compile_options = 'ENABLE_FTS5'`,
	).Scan(&opt)
	if err != nil {
		// Either no matching row (FTS5 not compiled in) or the
		// pragma_compile_options table-valued function itself is
		// unsupported by this build. Either way, fall back.
		s.ftsAvailable = false
		return nil
	}

	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			event_type, summary, source, payload,
			content='events', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
			INSERT INTO events_fts(rowid, event_type, summary, source, payload)
			VALUES (new.rowid, new.event_type, new.summary, new.source, new.payload);
		END`,
		`CREATE TRIGGER IF NOT EXISTS events_ad AFTER DELETE ON events BEGIN
			INSERT INTO events_fts(events_fts, rowid, event_type, summary, source, payload)
			VALUES('delete', old.rowid, old.event_type, old.summary, old.source, old.payload);
		END`,
		`CREATE TRIGGER IF NOT EXISTS events_au AFTER UPDATE ON events BEGIN
			INSERT INTO events_fts(events_fts, rowid, event_type, summary, source, payload)
			VALUES('delete', old.rowid, old.event_type, old.summary, old.source, old.payload);
			INSERT INTO events_fts(rowid, event_type, summary, source, payload)
			VALUES (new.rowid, new.event_type, new.summary, new.source, new.payload);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			// Leave ftsAvailable false rather than fail Open: substring
			// search still works.
			s.ftsAvailable = false
			return nil
		}
	}
	s.ftsAvailable = true
	return nil
}

// ensureIncrementalVacuum switches the database to incremental
// auto-vacuum so retention can return freed pages to the filesystem with
// PRAGMA incremental_vacuum. The setting only takes hold after a VACUUM
// on a database that already has pages, so an existing full-vacuum or
// no-vacuum file is rebuilt once here, before migrations run.
func ensureIncrementalVacuum(conn *sql.DB) error {
	var mode int
	if err := conn.QueryRow(`PRAGMA auto_vacuum`).Scan(&mode); err != nil {
		return unifierr.StoreError("read auto_vacuum", err)
	}
	if mode == 2 {
		return nil
	}
	if _, err := conn.Exec(`PRAGMA auto_vacuum = INCREMENTAL`); err != nil {
		return unifierr.StoreError("set auto_vacuum", err)
	}
	if _, err := conn.Exec(`VACUUM`); err != nil {
		return unifierr.StoreError("vacuum for auto_vacuum", err)
	}
	return nil
}

func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return unifierr.StoreError(op, err)
}
