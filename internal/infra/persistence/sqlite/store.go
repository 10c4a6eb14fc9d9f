// Package sqlite persists the run registry in an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"donorbase/internal/merge"
	"donorbase/internal/registry/core"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ core.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	database_key TEXT NOT NULL,
	layout TEXT NOT NULL,
	sources TEXT NOT NULL,
	stats TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS donors (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	donor_id TEXT NOT NULL,
	name TEXT NOT NULL,
	source INTEGER NOT NULL,
	gene1 TEXT NOT NULL,
	gene2 TEXT NOT NULL,
	gene3 TEXT NOT NULL,
	gene4 TEXT NOT NULL,
	gene5 TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);
CREATE UNIQUE INDEX IF NOT EXISTS donors_run_donor ON donors(run_id, donor_id);
`

// Store is a SQLite-backed registry.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the registry database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "donorbase.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// timeLayout keeps created_at fixed-width so that text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// BeginRun opens a transaction holding the run row. Donors added through the
// writer join the same transaction and appear once it commits.
func (s *Store) BeginRun(ctx context.Context, run core.Run) (_ core.RunWriter, retErr error) {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return nil, err
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,database_key,layout,sources,stats,created_at) VALUES(?,?,?,?,?,?)`,
		run.ID, run.Database, run.Layout, string(sources), string(stats), run.CreatedAt.UTC().Format(timeLayout)); err != nil {
		return nil, fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO donors(run_id,position,donor_id,name,source,gene1,gene2,gene3,gene4,gene5) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare donors: %w", err)
	}
	return &runWriter{tx: tx, stmt: stmt, runID: run.ID}, nil
}

type runWriter struct {
	tx    *sql.Tx
	stmt  *sql.Stmt
	runID string
	next  int
	done  bool
}

func (w *runWriter) Add(ctx context.Context, d core.Donor) error {
	if _, err := w.stmt.ExecContext(ctx, w.runID, w.next, d.ID, d.Name, d.Source,
		d.Genes[0], d.Genes[1], d.Genes[2], d.Genes[3], d.Genes[4]); err != nil {
		return fmt.Errorf("insert donor %s: %w", d.ID, err)
	}
	w.next++
	return nil
}

func (w *runWriter) Commit(ctx context.Context, stats merge.Stats) error {
	if w.done {
		return sql.ErrTxDone
	}
	encoded, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if _, err := w.tx.ExecContext(ctx, `UPDATE runs SET stats = ? WHERE id = ?`, string(encoded), w.runID); err != nil {
		return fmt.Errorf("update run %s: %w", w.runID, err)
	}
	_ = w.stmt.Close()
	w.done = true
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (w *runWriter) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.stmt.Close()
	return w.tx.Rollback()
}

const runColumns = `id,database_key,layout,sources,stats,created_at`

// Run returns the run with id.
func (s *Store) Run(ctx context.Context, id string) (core.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Run{}, fmt.Errorf("run %s: %w", id, core.ErrRunNotFound)
	}
	return run, err
}

// Runs lists runs newest first.
func (s *Store) Runs(ctx context.Context) ([]core.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Donors returns the donors of runID in database order.
func (s *Store) Donors(ctx context.Context, runID string) ([]core.Donor, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT donor_id,name,source,gene1,gene2,gene3,gene4,gene5 FROM donors WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("select donors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Donor
	for rows.Next() {
		var d core.Donor
		if err := rows.Scan(&d.ID, &d.Name, &d.Source, &d.Genes[0], &d.Genes[1], &d.Genes[2], &d.Genes[3], &d.Genes[4]); err != nil {
			return nil, fmt.Errorf("scan donor: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (core.Run, error) {
	var (
		run            core.Run
		sources, stats string
		createdAt      string
	)
	if err := row.Scan(&run.ID, &run.Database, &run.Layout, &sources, &stats, &createdAt); err != nil {
		return core.Run{}, err
	}
	if err := json.Unmarshal([]byte(sources), &run.Sources); err != nil {
		return core.Run{}, fmt.Errorf("decode sources: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return core.Run{}, fmt.Errorf("decode stats: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return core.Run{}, fmt.Errorf("decode created_at: %w", err)
	}
	run.CreatedAt = ts
	return run, nil
}
