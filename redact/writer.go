package redact

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// maxPending caps how much of an unterminated line is buffered before it is
// redacted and written anyway.
const maxPending = 64 * 1024

// Writer redacts a byte stream line by line before passing it on. Secrets
// split across lines are not detected.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	pending []byte
}

// NewWriter returns a Writer that writes redacted output to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write buffers p and emits every complete line redacted. It always reports
// len(p) bytes written unless the underlying writer fails.
func (rw *Writer) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.pending = append(rw.pending, p...)
	for {
		i := bytes.IndexByte(rw.pending, '\n')
		if i < 0 {
			break
		}
		if err := rw.emit(rw.pending[:i+1]); err != nil {
			return 0, err
		}
		rw.pending = rw.pending[i+1:]
	}
	if len(rw.pending) > maxPending {
		if err := rw.emit(rw.pending); err != nil {
			return 0, err
		}
		rw.pending = nil
	}
	return len(p), nil
}

// Flush writes any buffered partial line.
func (rw *Writer) Flush() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if len(rw.pending) == 0 {
		return nil
	}
	err := rw.emit(rw.pending)
	rw.pending = nil
	return err
}

func (rw *Writer) emit(line []byte) error {
	if _, err := rw.w.Write(Bytes(line)); err != nil {
		return fmt.Errorf("writing redacted output: %w", err)
	}
	return nil
}
