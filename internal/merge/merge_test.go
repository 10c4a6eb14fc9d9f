package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"donorbase/internal/record"
)

func sources(texts ...string) []io.Reader {
	out := make([]io.Reader, len(texts))
	for i, t := range texts {
		out[i] = strings.NewReader(t)
	}
	return out
}

func parseAll(t *testing.T, b []byte) []record.Record {
	t.Helper()
	rd := record.NewReader(bytes.NewReader(b))
	var out []record.Record
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("parse output: %v\n%s", err, b)
		}
		out = append(out, rec)
	}
}

func rec(name, id string, gene string) record.Record {
	return record.Record{Name: name, ID: id, Genes: [record.GeneCount]string{gene, gene, gene, gene, gene}}
}

func line(r record.Record) string { return record.Format(r) + "\n" }

func TestUnifyMergesAndDropsDuplicates(t *testing.T) {
	a := "Alice 111 X X X X X\nCarol 333 Y Y Y Y Y\n"
	b := "Bob 222 Z Z Z Z Z\nCarol 333 Y Y Y Y Y\n"
	var out bytes.Buffer
	stats, err := Unify(context.Background(), sources(a, b), &out)
	if err != nil {
		t.Fatalf("Unify: %v", err)
	}
	want := line(rec("Alice", "111", "X")) + line(rec("Bob", "222", "Z")) + line(rec("Carol", "333", "Y"))
	if out.String() != want {
		t.Fatalf("unexpected database\n got %q\nwant %q", out.String(), want)
	}
	if stats != (Stats{Sources: 2, Read: 4, Emitted: 3, Duplicates: 1}) {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestUnifyFirstSeenWins(t *testing.T) {
	a := "Carol 333 A A A A A\n"
	b := "Carol 333 B B B B B\nDave 444 D D D D D\n"
	var out bytes.Buffer
	if _, err := Unify(context.Background(), sources(a, b), &out); err != nil {
		t.Fatalf("Unify: %v", err)
	}
	got := parseAll(t, out.Bytes())
	if len(got) != 2 || got[0] != rec("Carol", "333", "A") || got[1].ID != "444" {
		t.Fatalf("expected earlier source copy to win, got %+v", got)
	}
}

func TestUnifyDedupFollowsMergeOrder(t *testing.T) {
	// The same id under different names: whichever copy the merge reaches first is kept.
	a := "Zed 500 A A A A A\n"
	b := "Amy 500 B B B B B\n"
	var out bytes.Buffer
	stats, err := Unify(context.Background(), sources(a, b), &out)
	if err != nil {
		t.Fatalf("Unify: %v", err)
	}
	got := parseAll(t, out.Bytes())
	if len(got) != 1 || got[0].Name != "Amy" || stats.Duplicates != 1 {
		t.Fatalf("unexpected result %+v %+v", got, stats)
	}
}

func TestUnifyTiesPreferEarlierSource(t *testing.T) {
	a := "Sam 1 A A A A A\n"
	b := "Sam 2 B B B B B\n"
	c := "Sam 3 C C C C C\n"
	var out bytes.Buffer
	if _, err := Unify(context.Background(), sources(c, a, b), &out); err != nil {
		t.Fatalf("Unify: %v", err)
	}
	got := parseAll(t, out.Bytes())
	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	if strings.Join(ids, ",") != "3,1,2" {
		t.Fatalf("expected source order on ties, got %v", ids)
	}
}

func TestUnifyMalformedSourceIsDeactivated(t *testing.T) {
	a := "Alice 111 X X X X X\nCarol 333 Y Y Y Y Y\n"
	b := "Bob 222 Z Z\n"
	var out bytes.Buffer
	stats, err := Unify(context.Background(), sources(a, b, ""), &out)
	if err != nil {
		t.Fatalf("Unify: %v", err)
	}
	got := parseAll(t, out.Bytes())
	if len(got) != 2 || got[0].Name != "Alice" || got[1].Name != "Carol" {
		t.Fatalf("unexpected records %+v", got)
	}
	if stats.Malformed != 1 || stats.Sources != 3 || stats.Read != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestUnifyNoSources(t *testing.T) {
	var out bytes.Buffer
	stats, err := Unify(context.Background(), nil, &out)
	if err != nil || out.Len() != 0 || stats != (Stats{}) {
		t.Fatalf("unexpected %v %q %+v", err, out.String(), stats)
	}
}

func TestUnifyLegacyLayout(t *testing.T) {
	a := "Alice 111 X X X X X\nCarol 333 Y Y Y Y Y\n"
	b := "Bob 222 Z Z Z Z Z\nCarol 333 Y Y Y Y Y\n"
	var out bytes.Buffer
	if _, err := Unify(context.Background(), sources(a, b), &out, WithLayout(record.LayoutLegacy)); err != nil {
		t.Fatalf("Unify: %v", err)
	}
	want := fmt.Sprintf("%-30s %-9s %-21s %-21s %-21s %-21s %-21s", "Alice", "111", "X", "X", "X", "X", "X") +
		"\n" + fmt.Sprintf("%-30s%-9s %-21s %-21s %-21s %-21s %-21s", "Bob", "222", "Z", "Z", "Z", "Z", "Z") +
		"\n" + fmt.Sprintf("%-30s%-9s %-21s %-21s %-21s %-21s %-21s", "Carol", "333", "Y", "Y", "Y", "Y", "Y")
	if out.String() != want {
		t.Fatalf("legacy layout mismatch\n got %q\nwant %q", out.String(), want)
	}
	if got := parseAll(t, out.Bytes()); len(got) != 3 || got[2] != rec("Carol", "333", "Y") {
		t.Fatalf("legacy output does not parse back: %+v", got)
	}
}

func TestUnifyLegacyRunWithinOneSource(t *testing.T) {
	a := "Ann 1 A A A A A\nBea 2 B B B B B\n"
	var out bytes.Buffer
	if _, err := Unify(context.Background(), sources(a), &out, WithLayout(record.LayoutLegacy)); err != nil {
		t.Fatalf("Unify: %v", err)
	}
	want := string(record.AppendFields(nil, rec("Ann", "1", "A"), true)) + string(record.AppendFields(nil, rec("Bea", "2", "B"), true))
	if out.String() != want {
		t.Fatalf("unexpected legacy bytes %q", out.String())
	}
}

func TestUnifyEmitHook(t *testing.T) {
	a := "Alice 111 X X X X X\nCarol 333 Y Y Y Y Y\n"
	b := "Bob 222 Z Z Z Z Z\nCarol 333 Y Y Y Y Y\n"
	var got []string
	_, err := Unify(context.Background(), sources(a, b), io.Discard, WithEmit(func(source int, r record.Record) error {
		got = append(got, fmt.Sprintf("%d:%s", source, r.ID))
		return nil
	}), WithLogger(nil))
	if err != nil {
		t.Fatalf("Unify: %v", err)
	}
	if strings.Join(got, " ") != "0:111 1:222 0:333" {
		t.Fatalf("unexpected emits %v", got)
	}
}

func TestUnifyStopsOnEmitError(t *testing.T) {
	refused := errors.New("registry unavailable")
	var out bytes.Buffer
	stats, err := Unify(context.Background(), sources("Alice 111 X X X X X\nBob 222 Y Y Y Y Y\n"), &out,
		WithEmit(func(int, record.Record) error { return refused }))
	if !errors.Is(err, refused) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if stats.Emitted != 1 || stats.Read != 1 {
		t.Fatalf("expected merge to stop after the first record, got %+v", stats)
	}
}

type failingWriter struct{ err error }

func (f failingWriter) Write([]byte) (int, error) { return 0, f.err }

func TestUnifySinkFailure(t *testing.T) {
	boom := errors.New("disk full")
	_, err := Unify(context.Background(), sources("Alice 111 X X X X X\n"), failingWriter{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestUnifySourceReadFailure(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := Unify(context.Background(), []io.Reader{failingReader{err: boom}}, io.Discard)
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestUnifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Unify(ctx, sources("Alice 111 X X X X X\n"), io.Discard)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestUnifyProperties checks sortedness, uniqueness and completeness over generated units.
func TestUnifyProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{"Abe", "Ann", "Bea", "Bo", "Cy", "Dee", "Eli", "Fay", "Gus", "Hal", "Ivy", "Jo"}
	for round := 0; round < 20; round++ {
		n := 1 + rng.Intn(6)
		var texts []string
		var all []record.Record
		for s := 0; s < n; s++ {
			count := rng.Intn(8)
			var unit []record.Record
			for k := 0; k < count; k++ {
				unit = append(unit, rec(names[rng.Intn(len(names))], fmt.Sprintf("%d", 100+rng.Intn(15)), "G"))
			}
			sort.SliceStable(unit, func(i, j int) bool { return unit[i].Name < unit[j].Name })
			var sb strings.Builder
			for _, r := range unit {
				sb.WriteString(line(r))
			}
			texts = append(texts, sb.String())
			all = append(all, unit...)
		}
		var out bytes.Buffer
		stats, err := Unify(context.Background(), sources(texts...), &out)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		got := parseAll(t, out.Bytes())
		seen := map[string]bool{}
		for i, r := range got {
			if i > 0 && got[i-1].Name > r.Name {
				t.Fatalf("round %d: unsorted output at %d: %q > %q", round, i, got[i-1].Name, r.Name)
			}
			if seen[r.ID] {
				t.Fatalf("round %d: duplicate id %s", round, r.ID)
			}
			seen[r.ID] = true
		}
		unique := map[string]bool{}
		for _, r := range all {
			unique[r.ID] = true
		}
		if len(got) != len(unique) || stats.Read != len(all) || stats.Emitted != len(all)-stats.Duplicates {
			t.Fatalf("round %d: incomplete merge: out=%d unique=%d stats=%+v", round, len(got), len(unique), stats)
		}
	}
}
