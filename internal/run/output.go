package run

import (
	"bytes"
	"io"
	"sync"

	"kiln/internal/taskgraph"
)

// printer serializes writes to the shared terminal so lines from different
// tasks never interleave mid-line.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) write(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.w.Write(b)
}

// taskOutput captures a task's raw stdout and stderr for the cache and
// renders prefixed whole lines to the printer.
type taskOutput struct {
	prefix  []byte
	printer *printer
	grouped bool

	mu     sync.Mutex
	group  bytes.Buffer
	closed bool

	Stdout *lineWriter
	Stderr *lineWriter
}

func newTaskOutput(id taskgraph.ID, p *printer, mode OutputMode) *taskOutput {
	pkg, task := id.Split()
	t := &taskOutput{
		prefix:  []byte(pkg + ":" + task + ": "),
		printer: p,
		grouped: mode == Grouped,
	}
	t.Stdout = &lineWriter{out: t}
	t.Stderr = &lineWriter{out: t}
	return t
}

// emit renders one line. Callers hold t.mu.
func (t *taskOutput) emit(line []byte) {
	buf := make([]byte, 0, len(t.prefix)+len(line)+1)
	buf = append(buf, t.prefix...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if t.grouped {
		t.group.Write(buf)
		return
	}
	t.printer.write(buf)
}

// Note writes a kiln-generated line attributed to the task.
func (t *taskOutput) Note(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit([]byte(line))
}

// Replay feeds captured logs through the writers as if the task had run.
func (t *taskOutput) Replay(stdout, stderr []byte) {
	_, _ = t.Stdout.Write(stdout)
	_, _ = t.Stderr.Write(stderr)
}

// Close flushes unterminated lines and, in grouped mode, the whole block.
func (t *taskOutput) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.Stdout.flush()
	t.Stderr.flush()
	if t.grouped {
		t.printer.write(t.group.Bytes())
		t.group.Reset()
	}
}

// lineWriter splits a byte stream into lines. It keeps a raw copy of
// everything written.
type lineWriter struct {
	out     *taskOutput
	raw     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.out.mu.Lock()
	defer w.out.mu.Unlock()
	w.raw.Write(b)
	data := append(w.partial, b...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.out.emit(bytes.TrimSuffix(data[:i], []byte{'\r'}))
		data = data[i+1:]
	}
	w.partial = append(w.partial[:0:0], data...)
	return len(b), nil
}

// flush emits a trailing partial line. Callers hold out.mu.
func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.out.emit(w.partial)
		w.partial = nil
	}
}

// Captured returns everything written so far.
func (w *lineWriter) Captured() []byte {
	w.out.mu.Lock()
	defer w.out.mu.Unlock()
	return bytes.Clone(w.raw.Bytes())
}
