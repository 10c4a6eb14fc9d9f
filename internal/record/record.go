// Package record defines the donor record value type and its text codec.
package record

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	// NameWidth is the maximum name length and its column width.
	NameWidth = 30
	// IDWidth is the maximum identifier length and its column width.
	IDWidth = 9
	// GeneWidth is the maximum gene code length and its column width.
	GeneWidth = 21
	// GeneCount is the number of gene positions carried by every record.
	GeneCount = 5
)

var (
	// ErrMalformed is returned by Reader.Read when a record does not yield all of its fields.
	ErrMalformed = errors.New("record: malformed record")
	// ErrInvalidQuery is returned when a query profile cannot be built.
	ErrInvalidQuery = errors.New("record: invalid query")
)

// Record is one donor or patient entry. Gene i is only comparable to gene i of another record.
type Record struct {
	Name  string            `json:"name"`
	ID    string            `json:"id"`
	Genes [GeneCount]string `json:"genes"`
}

// NewQuery builds a patient profile from exactly GeneCount gene codes.
func NewQuery(genes ...string) (Record, error) {
	if len(genes) != GeneCount {
		return Record{}, fmt.Errorf("%w: want %d genes, got %d", ErrInvalidQuery, GeneCount, len(genes))
	}
	var q Record
	for i, g := range genes {
		switch {
		case g == "":
			return Record{}, fmt.Errorf("%w: gene %d is empty", ErrInvalidQuery, i+1)
		case len(g) > GeneWidth:
			return Record{}, fmt.Errorf("%w: gene %d longer than %d characters", ErrInvalidQuery, i+1, GeneWidth)
		case strings.IndexFunc(g, unicode.IsSpace) >= 0:
			return Record{}, fmt.Errorf("%w: gene %d contains whitespace", ErrInvalidQuery, i+1)
		}
		q.Genes[i] = g
	}
	return q, nil
}

// CleanName cuts name at its first digit and trims trailing whitespace.
func CleanName(name string) string {
	if i := strings.IndexFunc(name, isDigitRune); i >= 0 {
		name = name[:i]
	}
	return strings.TrimRightFunc(name, unicode.IsSpace)
}

// MatchCount reports how many gene positions hold identical codes in a and b.
func MatchCount(a, b Record) int {
	n := 0
	for i := range a.Genes {
		if a.Genes[i] == b.Genes[i] {
			n++
		}
	}
	return n
}

// Mismatches counts differing bytes between two gene codes over the length of
// donorGene. Bytes missing from patientGene count as mismatches.
func Mismatches(donorGene, patientGene string) int {
	n := 0
	for i := 0; i < len(donorGene); i++ {
		if i >= len(patientGene) || donorGene[i] != patientGene[i] {
			n++
		}
	}
	return n
}

func isDigitRune(r rune) bool { return r >= '0' && r <= '9' }
