package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Reader parses records from a whitespace-driven text stream.
//
// Field rules: the name runs up to the first digit (at most NameWidth bytes,
// at least one), the identifier is the next token of at most IDWidth bytes and
// each gene is the next token of at most GeneWidth bytes. Tokens longer than
// their width are split, so the remainder becomes the next field.
type Reader struct {
	br   *bufio.Reader
	read int
}

// NewReader wraps r. Readers that are already buffered are used as is.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br}
}

// Count returns the number of records parsed successfully so far.
func (r *Reader) Count() int { return r.read }

// Read parses the next record. It returns io.EOF when the stream ends before a
// record starts and an error wrapping ErrMalformed when a record is cut short.
func (r *Reader) Read() (Record, error) {
	if err := r.skipSpace(); err != nil {
		return Record{}, err
	}
	name, err := r.scanName()
	if err != nil {
		return Record{}, err
	}
	var rec Record
	rec.Name = CleanName(name)
	if rec.ID, err = r.token("id", IDWidth); err != nil {
		return Record{}, err
	}
	for i := range rec.Genes {
		if rec.Genes[i], err = r.token(fmt.Sprintf("gene %d", i+1), GeneWidth); err != nil {
			return Record{}, err
		}
	}
	r.read++
	return rec, nil
}

func (r *Reader) malformed(field string) error {
	return fmt.Errorf("%w: record %d: missing %s", ErrMalformed, r.read+1, field)
}

// skipSpace consumes whitespace and reports io.EOF if nothing else is left.
func (r *Reader) skipSpace() error {
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return err
		}
		if !isSpace(b) {
			return r.br.UnreadByte()
		}
	}
}

func (r *Reader) scanName() (string, error) {
	buf := make([]byte, 0, NameWidth)
	for len(buf) < NameWidth {
		b, err := r.br.ReadByte()
		if errors.Is(err, io.EOF) {
			return "", r.malformed("id")
		}
		if err != nil {
			return "", err
		}
		if isDigit(b) {
			if err := r.br.UnreadByte(); err != nil {
				return "", err
			}
			break
		}
		buf = append(buf, b)
	}
	if len(buf) == 0 {
		return "", r.malformed("name")
	}
	return string(buf), nil
}

func (r *Reader) token(field string, width int) (string, error) {
	if err := r.skipSpace(); err != nil {
		if errors.Is(err, io.EOF) {
			return "", r.malformed(field)
		}
		return "", err
	}
	buf := make([]byte, 0, width)
	for len(buf) < width {
		b, err := r.br.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if isSpace(b) {
			if err := r.br.UnreadByte(); err != nil {
				return "", err
			}
			break
		}
		buf = append(buf, b)
	}
	return string(buf), nil
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
