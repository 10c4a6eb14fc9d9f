// Package registry records unify runs and the donors they produced, and
// selects the persistence backend from configuration.
package registry

import (
	"fmt"

	"donorbase/internal/infra/persistence/memory"
	"donorbase/internal/infra/persistence/postgres"
	"donorbase/internal/infra/persistence/sqlite"
	"donorbase/internal/registry/core"
)

type (
	// Driver identifies a registry backend.
	Driver = core.Driver
	// Run describes one unification.
	Run = core.Run
	// Donor is a registered record with its source index.
	Donor = core.Donor
	// Store persists runs.
	Store = core.Store
	// RunWriter streams the donors of a run being registered.
	RunWriter = core.RunWriter
)

const (
	DriverNone     = core.DriverNone
	DriverMemory   = core.DriverMemory
	DriverSQLite   = core.DriverSQLite
	DriverPostgres = core.DriverPostgres
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = core.ErrRunNotFound

// Config selects a backend.
type Config struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// Open returns the configured Store. Driver "none" yields a nil Store and no
// error; callers skip registration in that case. An empty driver means sqlite.
func Open(cfg Config) (Store, error) {
	driver := Driver(cfg.Driver)
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverNone:
		return nil, nil
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPostgres:
		store, err := postgres.NewStore(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown registry driver %s", driver)
	}
}
