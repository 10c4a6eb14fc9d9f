package record

import (
	"fmt"
	"strings"
)

// Layout selects how records are laid out in a unified database.
type Layout int

const (
	// LayoutUniform writes one aligned, newline terminated line per record.
	LayoutUniform Layout = iota
	// LayoutLegacy keeps byte compatibility with older database files.
	// Records are not newline terminated. A newline separates runs from
	// different sources, and the first record of such a run has no space
	// between the name and identifier columns.
	LayoutLegacy
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutUniform:
		return "uniform"
	case LayoutLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps a configuration value to a Layout. Empty means uniform.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uniform":
		return LayoutUniform, nil
	case "legacy":
		return LayoutLegacy, nil
	}
	return 0, fmt.Errorf("unknown layout %q", s)
}

// Format renders r as a uniform database line without the trailing newline.
func Format(r Record) string {
	return string(AppendFields(nil, r, true))
}

// AppendFields appends the aligned columns of r to dst. When spaced is false
// the separator between the name and identifier columns is omitted.
func AppendFields(dst []byte, r Record, spaced bool) []byte {
	dst = appendPadded(dst, r.Name, NameWidth)
	if spaced {
		dst = append(dst, ' ')
	}
	dst = appendPadded(dst, r.ID, IDWidth)
	for _, g := range r.Genes {
		dst = append(dst, ' ')
		dst = appendPadded(dst, g, GeneWidth)
	}
	return dst
}

// appendPadded left-justifies s in width columns; longer values are not cut.
func appendPadded(dst []byte, s string, width int) []byte {
	dst = append(dst, s...)
	for i := len(s); i < width; i++ {
		dst = append(dst, ' ')
	}
	return dst
}
