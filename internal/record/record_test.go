package record

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, input string) ([]Record, error) {
	t.Helper()
	rd := NewReader(strings.NewReader(input))
	var out []Record
	for {
		rec, err := rd.Read()
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func TestReaderParsesWhitespaceDrivenRecords(t *testing.T) {
	input := "Alice 111 X X X X X\nJohn Doe 123456789 A B C D E\n\n  Carol 333\tY Y\nY Y Y\n"
	got, err := readAll(t, input)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	want := []Record{
		{Name: "Alice", ID: "111", Genes: [GeneCount]string{"X", "X", "X", "X", "X"}},
		{Name: "John Doe", ID: "123456789", Genes: [GeneCount]string{"A", "B", "C", "D", "E"}},
		{Name: "Carol", ID: "333", Genes: [GeneCount]string{"Y", "Y", "Y", "Y", "Y"}},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestReaderMalformedAndEmpty(t *testing.T) {
	cases := []struct {
		name  string
		input string
		eof   bool
	}{
		{name: "empty", input: "", eof: true},
		{name: "blank", input: " \n\t\n", eof: true},
		{name: "missing genes", input: "Alice 111 X X", eof: false},
		{name: "missing id", input: "Alice", eof: false},
		{name: "missing name", input: "111 X X X X X", eof: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tc.input)).Read()
			if tc.eof {
				if !errors.Is(err, io.EOF) {
					t.Fatalf("expected io.EOF, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestReaderStopsAtMalformedTail(t *testing.T) {
	got, err := readAll(t, "Alice 111 X X X X X\nBob 222 Z Z\n")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if len(got) != 1 || got[0].ID != "111" {
		t.Fatalf("unexpected records %+v", got)
	}
	if !strings.Contains(err.Error(), "record 2") {
		t.Fatalf("expected position in error, got %v", err)
	}
}

func TestReaderSplitsOverlongTokens(t *testing.T) {
	long := strings.Repeat("G", GeneWidth+3)
	rec, err := NewReader(strings.NewReader("Dan 444 " + long + " B C D\n")).Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Genes[0] != strings.Repeat("G", GeneWidth) || rec.Genes[1] != "GGG" || rec.Genes[4] != "D" {
		t.Fatalf("unexpected split %+v", rec.Genes)
	}
}

func TestReaderRoundTripsBothColumnVariants(t *testing.T) {
	recs := []Record{
		{Name: "Alice", ID: "111", Genes: [GeneCount]string{"AAT", "CGG", "TTA", "GCA", "ATG"}},
		{Name: "Maximilian Alexander Longname", ID: "987654321", Genes: [GeneCount]string{"A", "B", "C", "D", "E"}},
	}
	for _, spaced := range []bool{true, false} {
		var b []byte
		for _, r := range recs {
			b = AppendFields(b, r, spaced)
			b = append(b, '\n')
		}
		got, err := readAll(t, string(b))
		if !errors.Is(err, io.EOF) {
			t.Fatalf("spaced=%v: expected io.EOF, got %v", spaced, err)
		}
		if len(got) != len(recs) {
			t.Fatalf("spaced=%v: expected %d records, got %+v", spaced, len(recs), got)
		}
		for i := range recs {
			if got[i] != recs[i] {
				t.Fatalf("spaced=%v: expected %+v, got %+v", spaced, recs[i], got[i])
			}
		}
	}
}

func TestCleanName(t *testing.T) {
	cases := map[string]string{
		"Alice   ":      "Alice",
		"Bob2 trailing": "Bob",
		"Eve \t\n":      "Eve",
		"42":            "",
		"Mary Ann":      "Mary Ann",
	}
	for in, want := range cases {
		if got := CleanName(in); got != want {
			t.Fatalf("CleanName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatAlignsColumns(t *testing.T) {
	r := Record{Name: "Alice", ID: "111", Genes: [GeneCount]string{"A", "B", "C", "D", "E"}}
	want := fmt.Sprintf("%-30s %-9s %-21s %-21s %-21s %-21s %-21s", "Alice", "111", "A", "B", "C", "D", "E")
	if got := Format(r); got != want {
		t.Fatalf("Format mismatch\n got %q\nwant %q", got, want)
	}
	compact := string(AppendFields(nil, r, false))
	wantCompact := fmt.Sprintf("%-30s%-9s %-21s %-21s %-21s %-21s %-21s", "Alice", "111", "A", "B", "C", "D", "E")
	if compact != wantCompact {
		t.Fatalf("compact mismatch\n got %q\nwant %q", compact, wantCompact)
	}
}

func TestParseLayout(t *testing.T) {
	for in, want := range map[string]Layout{"": LayoutUniform, "Uniform": LayoutUniform, "legacy": LayoutLegacy} {
		got, err := ParseLayout(in)
		if err != nil || got != want {
			t.Fatalf("ParseLayout(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLayout("columnar"); err == nil {
		t.Fatalf("expected error for unknown layout")
	}
	if LayoutLegacy.String() != "legacy" {
		t.Fatalf("unexpected String %s", LayoutLegacy)
	}
}

func TestMatchCountRange(t *testing.T) {
	q := Record{Genes: [GeneCount]string{"X", "X", "X", "X", "X"}}
	for mask := 0; mask < 1<<GeneCount; mask++ {
		var r Record
		want := 0
		for i := range r.Genes {
			if mask&(1<<i) != 0 {
				r.Genes[i] = "X"
				want++
			} else {
				r.Genes[i] = "Y"
			}
		}
		got := MatchCount(r, q)
		if got != want || got < 0 || got > GeneCount {
			t.Fatalf("mask %05b: expected %d, got %d", mask, want, got)
		}
	}
}

func TestMismatches(t *testing.T) {
	cases := []struct {
		donor, patient string
		want           int
	}{
		{"ACGT", "ACGT", 0},
		{"ACGT", "ACGA", 1},
		{"ACGT", "AC", 2},
		{"", "ACGT", 0},
		{"AC", "ACGT", 0},
	}
	for _, tc := range cases {
		if got := Mismatches(tc.donor, tc.patient); got != tc.want {
			t.Fatalf("Mismatches(%q,%q) = %d, want %d", tc.donor, tc.patient, got, tc.want)
		}
	}
}

func TestNewQuery(t *testing.T) {
	q, err := NewQuery("A", "B", "C", "D", "E")
	if err != nil || q.Genes[4] != "E" {
		t.Fatalf("NewQuery: %+v %v", q, err)
	}
	bad := [][]string{
		{"A", "B"},
		{"A", "", "C", "D", "E"},
		{"A", "B C", "C", "D", "E"},
		{"A", strings.Repeat("T", GeneWidth+1), "C", "D", "E"},
	}
	for _, genes := range bad {
		if _, err := NewQuery(genes...); !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("NewQuery(%v): expected ErrInvalidQuery, got %v", genes, err)
		}
	}
}
