// Package service runs unify and match jobs against the configured blob
// store, records runs in the registry and reports their outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/pgzip"

	"donorbase/internal/blob"
	"donorbase/internal/compat"
	"donorbase/internal/merge"
	"donorbase/internal/notify"
	"donorbase/internal/observability"
	"donorbase/internal/record"
	"donorbase/internal/registry"
)

var (
	// ErrStreamOpen wraps failures to open a unit file or the database.
	ErrStreamOpen = errors.New("service: cannot open stream")
	// ErrNoRegistry is returned by run lookups when the registry is disabled.
	ErrNoRegistry = errors.New("service: run registry disabled")
	// ErrInvalidUnits is returned for a negative unit count.
	ErrInvalidUnits = errors.New("service: number of units must not be negative")
)

const (
	opUnify = "unify"
	opMatch = "match"
)

// Service executes donor database jobs.
type Service struct {
	blobs     blob.Store
	runs      registry.Store
	publisher notify.Publisher
	metrics   observability.MetricsRecorder
	logger    observability.Logger
	layout    record.Layout
	now       func() time.Time
	newID     func() string
}

// Option customises a Service.
type Option func(*Service)

// WithRegistry records every unify run in store.
func WithRegistry(store registry.Store) Option { return func(s *Service) { s.runs = store } }

// WithPublisher announces completed runs.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithMetrics records durations and counters.
func WithMetrics(m observability.MetricsRecorder) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the service logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Service) { s.logger = observability.OrNoop(l) }
}

// WithLayout selects the layout of written databases.
func WithLayout(l record.Layout) Option { return func(s *Service) { s.layout = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Service over blobs.
func New(blobs blob.Store, opts ...Option) *Service {
	s := &Service{
		blobs:     blobs,
		publisher: notify.Noop{},
		logger:    observability.NoopLogger{},
		layout:    record.LayoutUniform,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UnitKey names the i-th collection unit of root, counting from 1.
func UnitKey(root string, i int) string {
	return fmt.Sprintf("%s%d.txt", root, i)
}

// UnitKeys returns the keys of units 1..n.
func UnitKeys(root string, n int) ([]string, error) {
	if n < 0 {
		return nil, ErrInvalidUnits
	}
	keys := make([]string, n)
	for i := range keys {
		keys[i] = UnitKey(root, i+1)
	}
	return keys, nil
}

// Unify merges units 1..n of root into database.
func (s *Service) Unify(ctx context.Context, root string, n int, database string) (registry.Run, error) {
	keys, err := UnitKeys(root, n)
	if err != nil {
		return registry.Run{}, err
	}
	return s.UnifyKeys(ctx, keys, database)
}

// UnifyKeys merges the blobs at keys into database, replacing any previous
// content. The database is written through a pipe and its donors are streamed
// into the registry as they are emitted, so neither is buffered in memory.
// The run is registered only when both succeed.
func (s *Service) UnifyKeys(ctx context.Context, keys []string, database string) (run registry.Run, err error) {
	start := s.now()
	defer func() { s.observe(ctx, opUnify, err == nil, start) }()

	run = registry.Run{
		ID:        s.newID(),
		Database:  database,
		Sources:   append([]string(nil), keys...),
		Layout:    s.layout.String(),
		CreatedAt: start.UTC(),
	}
	sources, closeAll, err := s.openSources(ctx, keys)
	if err != nil {
		return registry.Run{}, err
	}
	defer closeAll()

	var reg registry.RunWriter
	if s.runs != nil {
		if reg, err = s.runs.BeginRun(ctx, run); err != nil {
			return registry.Run{}, fmt.Errorf("register run %s: %w", run.ID, err)
		}
		defer func() {
			if err != nil {
				_ = reg.Rollback()
			}
		}()
	}
	emit := func(source int, r record.Record) error {
		if reg == nil {
			return nil
		}
		return reg.Add(ctx, registry.Donor{Record: r, Source: source})
	}

	stats, err := s.writeDatabase(ctx, run.ID, database, func(w io.Writer) (merge.Stats, error) {
		return merge.Unify(ctx, sources, w,
			merge.WithLayout(s.layout),
			merge.WithEmit(emit),
			merge.WithLogger(s.logger))
	})
	if err != nil {
		s.logger.Error("unify failed", "run", run.ID, "database", database, "error", err)
		return registry.Run{}, err
	}
	run.Stats = stats
	s.countRecords(stats)
	s.logger.Info("database unified", "run", run.ID, "database", database,
		"sources", stats.Sources, "read", stats.Read, "emitted", stats.Emitted,
		"duplicates", stats.Duplicates, "malformed_sources", stats.Malformed)

	if reg != nil {
		if err = reg.Commit(ctx, stats); err != nil {
			s.discard(ctx, database, run.ID)
			return registry.Run{}, fmt.Errorf("register run %s: %w", run.ID, err)
		}
	}
	ev := notify.UnifyCompleted{
		RunID:       run.ID,
		Database:    database,
		Sources:     run.Sources,
		Stats:       stats,
		CompletedAt: s.now().UTC(),
	}
	if err := s.publisher.PublishUnifyCompleted(ctx, ev); err != nil {
		s.logger.Warn("publish unify event failed", "run", run.ID, "error", err)
	}
	return run, nil
}

// discard removes a database whose run could not be registered, so that every
// database carrying a run id can be found in the registry.
func (s *Service) discard(ctx context.Context, database, runID string) {
	if _, err := s.blobs.Delete(context.WithoutCancel(ctx), database); err != nil {
		s.logger.Warn("remove unregistered database failed", "run", runID, "database", database, "error", err)
		return
	}
	s.logger.Warn("unregistered database removed", "run", runID, "database", database)
}

// writeDatabase runs produce in a goroutine feeding a pipe that the blob store
// consumes. A failing Put closes the read side so produce unblocks.
func (s *Service) writeDatabase(ctx context.Context, runID, database string, produce func(io.Writer) (merge.Stats, error)) (merge.Stats, error) {
	pr, pw := io.Pipe()
	type result struct {
		stats merge.Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var (
			w  io.Writer = pw
			gz *pgzip.Writer
		)
		if isGzip(database) {
			gz = pgzip.NewWriter(pw)
			w = gz
		}
		stats, err := produce(w)
		if gz != nil {
			if cerr := gz.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("compress database: %w", cerr)
			}
		}
		_ = pw.CloseWithError(err)
		done <- result{stats: stats, err: err}
	}()

	_, putErr := s.blobs.Put(ctx, database, pr, blob.PutOptions{
		ContentType: contentType(database),
		Metadata:    map[string]string{"run-id": runID},
		Overwrite:   true,
	})
	if putErr != nil {
		_ = pr.CloseWithError(&putError{err: putErr})
	} else {
		_ = pr.Close()
	}
	res := <-done
	var pe *putError
	if res.err != nil && !errors.As(res.err, &pe) {
		return merge.Stats{}, res.err
	}
	if putErr != nil {
		return merge.Stats{}, fmt.Errorf("%w: %s: %w", ErrStreamOpen, database, putErr)
	}
	return res.stats, nil
}

// putError marks pipe writes that failed because the store stopped reading.
type putError struct{ err error }

func (e *putError) Error() string { return e.err.Error() }
func (e *putError) Unwrap() error { return e.err }

func (s *Service) openSources(ctx context.Context, keys []string) ([]io.Reader, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	readers := make([]io.Reader, 0, len(keys))
	for _, key := range keys {
		r, c, err := s.open(ctx, key)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		readers = append(readers, r)
		closers = append(closers, c...)
	}
	return readers, closeAll, nil
}

// open fetches key, decompressing .gz keys. The returned closers release it.
func (s *Service) open(ctx context.Context, key string) (io.Reader, []io.Closer, error) {
	_, rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrStreamOpen, key, err)
	}
	if !isGzip(key) {
		return rc, []io.Closer{rc}, nil
	}
	zr, err := pgzip.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrStreamOpen, key, err)
	}
	return zr, []io.Closer{zr, rc}, nil
}

// MatchRequest selects the database to search and the patient profile.
type MatchRequest struct {
	// Database is a blob key; ignored when RunID is set.
	Database string
	// RunID searches the donors registered by a run instead of a file.
	RunID      string
	Query      record.Record
	MinMatches int
}

// Match returns the donors of the requested database sharing at least
// MinMatches genes with Query, in database order.
func (s *Service) Match(ctx context.Context, req MatchRequest) (out []compat.Candidate, err error) {
	start := s.now()
	defer func() { s.observe(ctx, opMatch, err == nil, start) }()

	if req.RunID != "" {
		out, err = s.matchRun(ctx, req)
	} else {
		out, err = s.matchDatabase(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.AddCandidates(len(out))
	}
	s.logger.Info("candidates found", "database", req.Database, "run", req.RunID,
		"min_matches", req.MinMatches, "candidates", len(out))
	return out, nil
}

func (s *Service) matchDatabase(ctx context.Context, req MatchRequest) ([]compat.Candidate, error) {
	r, closers, err := s.open(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	return compat.FindCandidates(ctx, r, req.Query, req.MinMatches, compat.WithLogger(s.logger))
}

func (s *Service) matchRun(ctx context.Context, req MatchRequest) ([]compat.Candidate, error) {
	if s.runs == nil {
		return nil, ErrNoRegistry
	}
	donors, err := s.runs.Donors(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	records := make([]record.Record, len(donors))
	for i, d := range donors {
		records[i] = d.Record
	}
	return compat.Filter(records, req.Query, req.MinMatches)
}

// Blobs lists the stored blobs whose key starts with prefix, ordered by key.
func (s *Service) Blobs(ctx context.Context, prefix string) ([]blob.Info, error) {
	infos, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return infos, nil
}

// Runs lists registered runs, newest first.
func (s *Service) Runs(ctx context.Context) ([]registry.Run, error) {
	if s.runs == nil {
		return nil, ErrNoRegistry
	}
	return s.runs.Runs(ctx)
}

func (s *Service) observe(ctx context.Context, op string, success bool, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.Observe(ctx, op, success, s.now().Sub(start))
}

func (s *Service) countRecords(stats merge.Stats) {
	if s.metrics == nil {
		return
	}
	s.metrics.AddRecords(observability.RecordsRead, stats.Read)
	s.metrics.AddRecords(observability.RecordsEmitted, stats.Emitted)
	s.metrics.AddRecords(observability.RecordsDuplicate, stats.Duplicates)
}

func isGzip(key string) bool { return strings.HasSuffix(strings.ToLower(key), ".gz") }

func contentType(key string) string {
	if isGzip(key) {
		return "application/gzip"
	}
	return "text/plain; charset=utf-8"
}
