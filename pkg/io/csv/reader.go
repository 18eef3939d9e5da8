// Package csv reads packet records from CSV files whose header row names the
// attributes.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hed1ad/packetguard/pkg/packet"
)

// ErrNoHeader is returned for a file without a header row.
var ErrNoHeader = errors.New("csv: missing header row")

// Reader reads records from a CSV file.
type Reader struct {
	file    *os.File
	reader  *csv.Reader
	headers []string
	columns map[string]bool
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithColumns keeps only the named columns. By default every column is read.
func WithColumns(names ...string) Option {
	return func(r *Reader) {
		r.columns = make(map[string]bool, len(names))
		for _, n := range names {
			r.columns[n] = true
		}
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.reader.Comma = c
	}
}

// NewReader opens filename and reads its header row.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:   file,
		reader: csv.NewReader(file),
	}
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	headers, err := r.reader.Read()
	if err == io.EOF {
		file.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoHeader, filename)
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}
	r.headers = headers

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns all rows as records. Integer and float cells become numbers,
// other cells stay strings, and empty cells are left out of the record.
func (r *Reader) Read() ([]packet.Record, error) {
	var records []packet.Record

	for {
		row, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		records = append(records, r.parseRow(row))
	}

	return records, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) parseRow(row []string) packet.Record {
	rec := make(packet.Record, len(row))
	for i, cell := range row {
		name := r.headers[i]
		if r.columns != nil && !r.columns[name] {
			continue
		}
		if v, ok := parseCell(cell); ok {
			rec[name] = v
		}
	}
	return rec
}

// parseCell converts a cell to int64, float64 or string.
func parseCell(cell string) (any, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil, false
	}
	if i, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f, true
	}
	return cell, true
}
