// Package compat selects donor records compatible with a patient profile.
package compat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"donorbase/internal/observability"
	"donorbase/internal/record"
)

// ErrInvalidThreshold is returned for a negative minimum match count.
var ErrInvalidThreshold = errors.New("compat: minimum match count must not be negative")

// Candidate is a donor record together with its exact gene match count.
type Candidate struct {
	record.Record
	Matches int `json:"matches"`
}

// Option configures FindCandidates.
type Option func(*options)

type options struct {
	logger observability.Logger
}

// WithLogger sets the logger used to report a truncated database.
func WithLogger(l observability.Logger) Option {
	return func(o *options) { o.logger = observability.OrNoop(l) }
}

// FindCandidates scans the unified database in r and returns, in encounter
// order, every record sharing at least minMatches gene codes with query. The
// scan ends at the first record that cannot be parsed.
func FindCandidates(ctx context.Context, r io.Reader, query record.Record, minMatches int, opts ...Option) ([]Candidate, error) {
	if minMatches < 0 {
		return nil, ErrInvalidThreshold
	}
	o := options{logger: observability.NoopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	rd := record.NewReader(r)
	out := make([]Candidate, 0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if errors.Is(err, record.ErrMalformed) {
			o.logger.Warn("database scan stopped on malformed record", "records", rd.Count(), "err", err)
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read database: %w", err)
		}
		if c, ok := match(rec, query, minMatches); ok {
			out = append(out, c)
		}
	}
}

// Filter applies the same selection as FindCandidates to records already in memory.
func Filter(records []record.Record, query record.Record, minMatches int) ([]Candidate, error) {
	if minMatches < 0 {
		return nil, ErrInvalidThreshold
	}
	out := make([]Candidate, 0)
	for _, rec := range records {
		if c, ok := match(rec, query, minMatches); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func match(rec, query record.Record, minMatches int) (Candidate, bool) {
	n := record.MatchCount(rec, query)
	return Candidate{Record: rec, Matches: n}, n >= minMatches
}
