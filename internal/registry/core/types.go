// Package core defines the run registry model shared by the persistence drivers.
package core

import (
	"context"
	"errors"
	"time"

	"donorbase/internal/merge"
	"donorbase/internal/record"
)

// Driver identifies a registry backend.
type Driver string

const (
	DriverNone     Driver = "none"     // registry disabled
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("registry: run not found")

// Run describes one unification of collection units into a database.
type Run struct {
	ID        string      `json:"id"`
	Database  string      `json:"database"`
	Sources   []string    `json:"sources"`
	Layout    string      `json:"layout"`
	Stats     merge.Stats `json:"stats"`
	CreatedAt time.Time   `json:"created_at"`
}

// Donor is a record written by a run, tagged with the index of its source unit.
type Donor struct {
	record.Record
	Source int `json:"source"`
}

// Store persists runs and their donors. Donors are returned in the order they
// were added, which is the order of the unified database.
type Store interface {
	// BeginRun starts registering run. Nothing becomes visible to readers
	// until the returned writer commits.
	BeginRun(ctx context.Context, run Run) (RunWriter, error)
	Run(ctx context.Context, id string) (Run, error)
	// Runs lists runs, newest first.
	Runs(ctx context.Context) ([]Run, error)
	Donors(ctx context.Context, runID string) ([]Donor, error)
	Close() error
}

// RunWriter streams the donors of one run into the registry while the
// database is being written.
type RunWriter interface {
	// Add appends d after the donors added so far.
	Add(ctx context.Context, d Donor) error
	// Commit stores the final stats of the run and publishes it.
	Commit(ctx context.Context, stats merge.Stats) error
	// Rollback discards the run. It is a no-op after Commit.
	Rollback() error
}
