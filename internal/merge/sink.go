package merge

import (
	"bufio"
	"io"

	"donorbase/internal/record"
)

// sinkWriter lays records out in the configured database layout.
type sinkWriter struct {
	bw     *bufio.Writer
	layout record.Layout
	last   int // source of the previous winner, -1 before the first
	buf    []byte
}

func newSinkWriter(w io.Writer, layout record.Layout) *sinkWriter {
	return &sinkWriter{bw: bufio.NewWriter(w), layout: layout, last: -1}
}

// write is called for every merge winner, duplicates included, because the
// legacy layout tracks source switches across dropped records too.
func (w *sinkWriter) write(source int, r record.Record, duplicate bool) error {
	switched := w.last >= 0 && source != w.last
	w.last = source
	if duplicate {
		return nil
	}
	w.buf = w.buf[:0]
	switch w.layout {
	case record.LayoutLegacy:
		if switched {
			w.buf = append(w.buf, '\n')
		}
		w.buf = record.AppendFields(w.buf, r, !switched)
	default:
		w.buf = record.AppendFields(w.buf, r, true)
		w.buf = append(w.buf, '\n')
	}
	_, err := w.bw.Write(w.buf)
	return err
}

func (w *sinkWriter) flush() error { return w.bw.Flush() }
