// Package render prints candidate lists and run summaries for terminals.
package render

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"donorbase/internal/blob"
	"donorbase/internal/compat"
	"donorbase/internal/record"
	"donorbase/internal/registry"
)

var (
	headerColor  = color.New(color.Bold)
	fullColor    = color.New(color.FgGreen, color.Bold)
	partialColor = color.New(color.FgYellow)
	emptyColor   = color.New(color.FgRed)
)

// Candidates writes the numbered candidate list. The match column shows the
// count of identical genes and the number of differing gene bytes.
func Candidates(w io.Writer, cands []compat.Candidate, query record.Record) error {
	if len(cands) == 0 {
		_, err := emptyColor.Fprintln(w, "No potential donors found.")
		return err
	}
	if _, err := headerColor.Fprintln(w, "Potential Donors Details"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "------------------------"); err != nil {
		return err
	}
	for i, c := range cands {
		if _, err := fmt.Fprintf(w, "%d. %-30s %s ", i+1, c.Name, c.ID); err != nil {
			return err
		}
		col := partialColor
		if c.Matches == record.GeneCount {
			col = fullColor
		}
		if _, err := col.Fprintf(w, "[%d/%d genes, %d mismatched bases]\n", c.Matches, record.GeneCount, mismatches(c.Record, query)); err != nil {
			return err
		}
	}
	return nil
}

func mismatches(donor, query record.Record) int {
	n := 0
	for i := range donor.Genes {
		n += record.Mismatches(donor.Genes[i], query.Genes[i])
	}
	return n
}

// Runs writes one line per registered run.
func Runs(w io.Writer, runs []registry.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs registered.")
		return err
	}
	for _, r := range runs {
		if _, err := headerColor.Fprint(w, r.ID); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "  %s  %s  units=%d read=%d emitted=%d duplicates=%d malformed=%d  %s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.Database, len(r.Sources),
			r.Stats.Read, r.Stats.Emitted, r.Stats.Duplicates, r.Stats.Malformed, r.Layout)
		if err != nil {
			return err
		}
	}
	return nil
}

// Blobs writes one line per stored blob, naming the run that wrote it when known.
func Blobs(w io.Writer, infos []blob.Info) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "No blobs found.")
		return err
	}
	for _, info := range infos {
		if _, err := headerColor.Fprint(w, info.Key); err != nil {
			return err
		}
		line := fmt.Sprintf("  %d bytes  %s", info.Size, info.LastModified.Format("2006-01-02 15:04:05"))
		if id := info.Metadata["run-id"]; id != "" {
			line += "  run=" + id
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
