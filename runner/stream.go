package runner

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Terminal serialises output from concurrently running units onto one writer,
// prefixing every line with the unit it came from.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTerminal wraps w for shared use across units
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{out: w}
}

// Printf writes a formatted status line for a unit
func (t *Terminal) Printf(unit ExecutionUnit, format string, args ...interface{}) {
	w := t.For(unit)
	fmt.Fprintf(w, format, args...)
	w.Flush()
}

// For returns a line writer for one unit. Call Flush when the unit is done.
func (t *Terminal) For(unit ExecutionUnit) *UnitWriter {
	return &UnitWriter{term: t, prefix: []byte("[" + unit.ID() + "] ")}
}

// UnitWriter buffers partial lines and emits whole prefixed lines
type UnitWriter struct {
	term   *Terminal
	prefix []byte
	buf    []byte
}

func (w *UnitWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx+1])
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// Flush writes any trailing partial line
func (w *UnitWriter) Flush() {
	if len(w.buf) == 0 {
		return
	}
	w.emit(append(w.buf, '\n'))
	w.buf = nil
}

func (w *UnitWriter) emit(line []byte) {
	w.term.mu.Lock()
	defer w.term.mu.Unlock()
	_, _ = w.term.out.Write(w.prefix)
	_, _ = w.term.out.Write(line)
}
