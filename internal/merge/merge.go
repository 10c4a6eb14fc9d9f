// Package merge unifies per-unit donor files into one name-ordered database.
//
// Unify runs a k-way merge over sources that are each already sorted by
// name. One current record is held per source; the smallest name wins each
// step (earlier sources win ties) and identifiers are deduplicated globally,
// so the first copy encountered is the one written.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"donorbase/internal/observability"
	"donorbase/internal/record"
)

// Stats summarises a Unify call.
type Stats struct {
	Sources    int `json:"sources"`
	Read       int `json:"read"`
	Emitted    int `json:"emitted"`
	Duplicates int `json:"duplicates"`
	// Malformed counts sources that stopped on a malformed record instead of a clean end of stream.
	Malformed int `json:"malformed_sources"`
}

// EmitFunc is called for every record written to the database, with the index
// of its source. A non-nil error stops the merge and is returned by Unify.
type EmitFunc func(source int, r record.Record) error

// Option configures Unify.
type Option func(*options)

type options struct {
	layout record.Layout
	emit   EmitFunc
	logger observability.Logger
}

// WithLayout selects the database layout (default record.LayoutUniform).
func WithLayout(l record.Layout) Option { return func(o *options) { o.layout = l } }

// WithEmit registers a callback for written records.
func WithEmit(fn EmitFunc) Option { return func(o *options) { o.emit = fn } }

// WithLogger sets the logger used for per-source diagnostics.
func WithLogger(l observability.Logger) Option {
	return func(o *options) { o.logger = observability.OrNoop(l) }
}

type cursor struct {
	rd      *record.Reader
	current record.Record
	active  bool
}

// Unify merges sources into sink. The caller owns the sources and the sink;
// Unify only flushes its own buffering before returning.
func Unify(ctx context.Context, sources []io.Reader, sink io.Writer, opts ...Option) (Stats, error) {
	o := options{logger: observability.NoopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	m := &merger{
		opts:    o,
		stats:   Stats{Sources: len(sources)},
		cursors: make([]cursor, len(sources)),
		seen:    make(map[string]struct{}),
		out:     newSinkWriter(sink, o.layout),
	}
	for i, src := range sources {
		m.cursors[i].rd = record.NewReader(src)
		if err := m.advance(i); err != nil {
			return m.stats, err
		}
	}
	if err := m.run(ctx); err != nil {
		return m.stats, err
	}
	if err := m.out.flush(); err != nil {
		return m.stats, fmt.Errorf("flush database: %w", err)
	}
	return m.stats, nil
}

type merger struct {
	opts    options
	stats   Stats
	cursors []cursor
	seen    map[string]struct{}
	out     *sinkWriter
}

func (m *merger) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		win := m.smallest()
		if win < 0 {
			return nil
		}
		rec := m.cursors[win].current
		_, dup := m.seen[rec.ID]
		if dup {
			m.stats.Duplicates++
			m.opts.logger.Debug("duplicate identifier dropped", "id", rec.ID, "name", rec.Name, "source", win)
		} else {
			m.seen[rec.ID] = struct{}{}
			m.stats.Emitted++
		}
		if err := m.out.write(win, rec, dup); err != nil {
			return fmt.Errorf("write database: %w", err)
		}
		if !dup && m.opts.emit != nil {
			if err := m.opts.emit(win, rec); err != nil {
				return fmt.Errorf("emit %s: %w", rec.ID, err)
			}
		}
		if err := m.advance(win); err != nil {
			return err
		}
	}
}

// smallest returns the active cursor with the lowest name, or -1.
func (m *merger) smallest() int {
	win := -1
	for i := range m.cursors {
		c := &m.cursors[i]
		if !c.active {
			continue
		}
		if win < 0 || c.current.Name < m.cursors[win].current.Name {
			win = i
		}
	}
	return win
}

// advance loads the next record of source i, deactivating it when the source
// is exhausted or malformed. Only read failures of the stream itself are returned.
func (m *merger) advance(i int) error {
	c := &m.cursors[i]
	rec, err := c.rd.Read()
	switch {
	case err == nil:
		c.current = rec
		c.active = true
		m.stats.Read++
		return nil
	case errors.Is(err, io.EOF):
		m.opts.logger.Debug("source exhausted", "source", i, "records", c.rd.Count())
	case errors.Is(err, record.ErrMalformed):
		m.stats.Malformed++
		m.opts.logger.Warn("source deactivated on malformed record", "source", i, "records", c.rd.Count(), "err", err)
	default:
		return fmt.Errorf("read source %d: %w", i, err)
	}
	c.current = record.Record{}
	c.active = false
	return nil
}
