// Package io provides input/output utilities for packet records and
// classification results.
package io

import "github.com/hed1ad/packetguard/pkg/packet"

// Reader is the interface for reading packet records from various sources.
type Reader interface {
	// Read returns every record in the source.
	Read() ([]packet.Record, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing classification results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close releases resources.
	Close() error
}

// Result represents the classification of one record.
type Result struct {
	Index       int     `json:"index"`
	Prediction  int     `json:"prediction"`
	Probability float64 `json:"probability"`
	Timestamp   float64 `json:"timestamp,omitempty"`
}
