package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Sink receives the values selected by a run.
type Sink interface {
	Write(v any) error
	Close() error
}

// ErrClosed is returned by writes to a closed sink.
var ErrClosed = errors.New("sink closed")

// StreamWriter writes a JSON array element by element as values arrive.
// The array is opened on creation and terminated by Close, so callers that
// defer Close get a well-formed file on every exit path.
type StreamWriter struct {
	f      *os.File
	path   string
	count  int
	closed bool
}

// NewStreamWriter creates path (and its directory) and writes the opening
// bracket.
func NewStreamWriter(path string) (*StreamWriter, error) {
	f, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString("[\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return &StreamWriter{f: f, path: path}, nil
}

// Write appends one element, preceded by a separator unless it is the first.
func (w *StreamWriter) Write(v any) error {
	if w.closed {
		return ErrClosed
	}
	data, err := marshalIndent(v)
	if err != nil {
		return err
	}
	if w.count > 0 {
		if _, err := w.f.WriteString(",\n"); err != nil {
			return fmt.Errorf("writing %s: %w", w.path, err)
		}
	}
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", w.path, err)
	}
	w.count++
	return nil
}

// Close terminates the array and closes the file. It is safe to call more
// than once; later calls do nothing.
func (w *StreamWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, writeErr := w.f.WriteString("\n]\n")
	closeErr := w.f.Close()
	if writeErr != nil {
		return fmt.Errorf("writing %s: %w", w.path, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", w.path, closeErr)
	}
	return nil
}

// Count returns the number of elements written.
func (w *StreamWriter) Count() int {
	return w.count
}

// BatchWriter collects values and writes them as one pretty-printed array
// on Close. Nothing touches the filesystem before Close, and Discard drops
// everything so a failed run leaves no file behind.
type BatchWriter struct {
	path   string
	items  []any
	closed bool
}

// NewBatchWriter returns a writer for path.
func NewBatchWriter(path string) *BatchWriter {
	return &BatchWriter{path: path, items: []any{}}
}

// Write buffers v.
func (w *BatchWriter) Write(v any) error {
	if w.closed {
		return ErrClosed
	}
	w.items = append(w.items, v)
	return nil
}

// Close writes the buffered array to disk.
func (w *BatchWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	data, err := marshalIndent(w.items)
	if err != nil {
		return err
	}
	f, err := createOutput(w.path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", w.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", w.path, err)
	}
	return nil
}

// Discard drops buffered values without writing.
func (w *BatchWriter) Discard() {
	w.closed = true
	w.items = nil
}

// Count returns the number of buffered elements.
func (w *BatchWriter) Count() int {
	return len(w.items)
}

// createOutput creates path, making its parent directory if needed.
func createOutput(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, nil
}

// marshalIndent encodes v with two-space indentation. HTML characters are
// left alone since Slack text is full of <links> and &gt; entities.
func marshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding JSON: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
