// Package jsonl writes classification results as JSON lines.
package jsonl

import (
	"bufio"
	"encoding/json"
	"io"

	"go.uber.org/multierr"

	pgio "github.com/hed1ad/packetguard/pkg/io"
)

// Writer encodes one result per line.
type Writer struct {
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

var _ pgio.Writer = (*Writer)(nil)

// NewWriter writes to w. Close flushes and, when w is an io.Closer, closes it.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	jw := &Writer{
		buf: buf,
		enc: json.NewEncoder(buf),
	}
	if c, ok := w.(io.Closer); ok {
		jw.closer = c
	}
	return jw
}

// Write outputs a single result.
func (w *Writer) Write(result pgio.Result) error {
	return w.enc.Encode(result)
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []pgio.Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Close flushes buffered lines and closes the underlying writer.
func (w *Writer) Close() error {
	err := w.buf.Flush()
	if w.closer != nil {
		err = multierr.Append(err, w.closer.Close())
	}
	return err
}
