// Package sqlite implements store.Store on an embedded SQLite database.
//
// The process that opens the database is its only writer: Update calls are
// serialized in process and readers use WAL snapshots, so SQLite never has
// to arbitrate between competing write transactions.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

type Store struct {
	path     string
	db       *sql.DB
	writeSem chan struct{}
	closed   atomic.Bool
}

// Open creates the database file if needed and applies pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{path: path, db: db, writeSem: make(chan struct{}, 1)}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("run migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		// table does not exist yet
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("apply migration v1: %w", err)
		}
	}
	return nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) View(ctx context.Context, fn func(store.Reader) error) error {
	if s.closed.Load() {
		return fmt.Errorf("view: %w", store.ErrUnavailable)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapErr("begin view", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqlTx{ctx: ctx, tx: tx, s: s})
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if s.closed.Load() {
		return fmt.Errorf("update: %w", store.ErrUnavailable)
	}
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return store.Timeout("update", ctx.Err())
	}
	defer func() { <-s.writeSem }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapErr("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{ctx: ctx, tx: tx, s: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.mapErr("commit", err)
	}
	return nil
}

func (s *Store) AppendCoherenceRecord(ctx context.Context, rec model.CoherenceRecord) error {
	if s.closed.Load() {
		return fmt.Errorf("append coherence record: %w", store.ErrUnavailable)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coherence_records (execution_id, agent_id, timestamp, phase_alignment_score, notes)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.AgentID, rec.Timestamp.UnixNano(), rec.PhaseAlignmentScore, rec.Notes)
	return s.mapErr("append coherence record", err)
}

func (s *Store) ListCoherenceRecords(ctx context.Context, executionID string) ([]model.CoherenceRecord, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("list coherence records: %w", store.ErrUnavailable)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, agent_id, timestamp, phase_alignment_score, notes
		FROM coherence_records WHERE execution_id = ? ORDER BY timestamp, id`, executionID)
	if err != nil {
		return nil, s.mapErr("list coherence records", err)
	}
	defer rows.Close()

	var out []model.CoherenceRecord
	for rows.Next() {
		var rec model.CoherenceRecord
		var ts int64
		if err := rows.Scan(&rec.ExecutionID, &rec.AgentID, &ts, &rec.PhaseAlignmentScore, &rec.Notes); err != nil {
			return nil, s.mapErr("scan coherence record", err)
		}
		rec.Timestamp = fromNanos(ts)
		out = append(out, rec)
	}
	return out, s.mapErr("list coherence records", rows.Err())
}

// mapErr folds driver errors into the store error kinds.
func (s *Store) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return store.Timeout(op, err)
	case errors.Is(err, sql.ErrConnDone), s.closed.Load(), strings.Contains(msg, "database is closed"):
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return store.Timeout(op, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%s: %w: %v", op, store.ErrNotFound, err)
	case strings.Contains(msg, "UNIQUE constraint failed"), strings.Contains(msg, "PRIMARY KEY"):
		return fmt.Errorf("%s: %w: %v", op, store.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
