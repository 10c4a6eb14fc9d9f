// Package postgres provides a Postgres-backed run registry.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"donorbase/internal/merge"
	"donorbase/internal/registry/core"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ core.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/donorbase?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	database_key TEXT NOT NULL,
	layout TEXT NOT NULL,
	sources JSONB NOT NULL,
	stats JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS donors (
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
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS donors_run_donor ON donors(run_id, donor_id)`,
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store persists runs to Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed registry using dsn (falls back to defaultDSN)
// and applies the schema.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applyDDLStatements(ctx, db, ddl); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func applyDDLStatements(ctx context.Context, exec execer, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply registry ddl: %w", err)
		}
	}
	return nil
}

// BeginRun inserts the run row inside a new transaction. Donors added
// through the writer join the transaction, which Commit finishes.
func (s *Store) BeginRun(ctx context.Context, run core.Run) (_ core.RunWriter, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := insertRun(ctx, tx, run); err != nil {
		return nil, err
	}
	return &runWriter{tx: tx, runID: run.ID}, nil
}

type runWriter struct {
	tx    *sql.Tx
	runID string
	next  int64
	done  bool
}

func (w *runWriter) Add(ctx context.Context, d core.Donor) error {
	if err := insertDonor(ctx, w.tx, w.runID, w.next, d); err != nil {
		return err
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
		return fmt.Errorf("marshal stats: %w", err)
	}
	if _, err := w.tx.ExecContext(ctx, `UPDATE runs SET stats = $1 WHERE id = $2`, string(encoded), w.runID); err != nil {
		return fmt.Errorf("update run %s: %w", w.runID, err)
	}
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
	return w.tx.Rollback()
}

func insertRun(ctx context.Context, exec execer, run core.Run) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = exec.ExecContext(ctx,
		`INSERT INTO runs (id, database_key, layout, sources, stats, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		run.ID, run.Database, run.Layout, string(sources), string(stats), run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func insertDonor(ctx context.Context, exec execer, runID string, position int64, d core.Donor) error {
	_, err := exec.ExecContext(ctx,
		`INSERT INTO donors (run_id, position, donor_id, name, source, gene1, gene2, gene3, gene4, gene5) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		runID, position, d.ID, d.Name, int64(d.Source), d.Genes[0], d.Genes[1], d.Genes[2], d.Genes[3], d.Genes[4])
	if err != nil {
		return fmt.Errorf("insert donor %s: %w", d.ID, err)
	}
	return nil
}

// Run returns the run with id.
func (s *Store) Run(ctx context.Context, id string) (core.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, database_key, layout, sources, stats, created_at FROM runs WHERE id = $1`, id)
	if err != nil {
		return core.Run{}, fmt.Errorf("select run: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return core.Run{}, err
	}
	if len(runs) == 0 {
		return core.Run{}, fmt.Errorf("run %s: %w", id, core.ErrRunNotFound)
	}
	return runs[0], nil
}

// Runs lists runs newest first.
func (s *Store) Runs(ctx context.Context) ([]core.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, database_key, layout, sources, stats, created_at FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	return scanRuns(rows)
}

// Donors returns the donors of runID in database order.
func (s *Store) Donors(ctx context.Context, runID string) ([]core.Donor, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT donor_id, name, source, gene1, gene2, gene3, gene4, gene5 FROM donors WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("select donors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Donor
	for rows.Next() {
		var (
			d      core.Donor
			source int64
		)
		if err := rows.Scan(&d.ID, &d.Name, &source, &d.Genes[0], &d.Genes[1], &d.Genes[2], &d.Genes[3], &d.Genes[4]); err != nil {
			return nil, fmt.Errorf("scan donor: %w", err)
		}
		d.Source = int(source)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func scanRuns(rows *sql.Rows) ([]core.Run, error) {
	defer func() { _ = rows.Close() }()
	var out []core.Run
	for rows.Next() {
		var (
			run            core.Run
			sources, stats []byte
			createdAt      time.Time
		)
		if err := rows.Scan(&run.ID, &run.Database, &run.Layout, &sources, &stats, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal(sources, &run.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		if err := json.Unmarshal(stats, &run.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		run.CreatedAt = createdAt
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
