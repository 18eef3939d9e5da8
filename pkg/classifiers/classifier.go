// Package classifiers provides supervised binary classifiers for packet features.
package classifiers

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyData      = errors.New("empty training data")
	ErrLengthMismatch = errors.New("features and labels differ in length")
	ErrRaggedData     = errors.New("rows have differing feature counts")
	ErrInvalidLabel   = errors.New("label must be 0 or 1")
	ErrNotTrained     = errors.New("model not trained")
	ErrCorruptState   = errors.New("corrupt model state")
)

// Classifier is the common interface for all classification algorithms.
type Classifier interface {
	// Fit trains the classifier on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	// labels holds one 0/1 class per row.
	Fit(data [][]float64, labels []int) error

	// Predict returns the predicted class for each sample.
	Predict(data [][]float64) ([]int, error)

	// Save serializes the trained classifier to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained classifier from bytes.
	Load(data []byte) error
}

// ProbabilityPredictor is implemented by classifiers that produce class
// probabilities natively.
type ProbabilityPredictor interface {
	// PredictProba returns (P(class 0), P(class 1)) for each sample.
	PredictProba(data [][]float64) ([][2]float64, error)
}

// ImportanceReporter is implemented by classifiers that score how much each
// input feature contributed to their decisions.
type ImportanceReporter interface {
	// FeatureImportances returns one non-negative score per feature, summing
	// to 1 unless no split was ever made.
	FeatureImportances() []float64
}

// Config holds hyperparameters shared by the tree-based classifiers.
type Config struct {
	// MaxDepth bounds the depth of every tree. Zero means unbounded.
	MaxDepth int
	// MinSamplesSplit is the smallest node that may be split.
	MinSamplesSplit int
	// MinSamplesLeaf is the smallest population allowed in a leaf.
	MinSamplesLeaf int
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns sensible defaults for classifier configuration.
func DefaultConfig() Config {
	return Config{
		MaxDepth:        10,
		MinSamplesSplit: 5,
		MinSamplesLeaf:  2,
		RandomSeed:      42,
	}
}

// Validate checks a training set and returns its feature count.
func Validate(data [][]float64, labels []int) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyData
	}
	if len(data) != len(labels) {
		return 0, fmt.Errorf("%w: %d rows, %d labels", ErrLengthMismatch, len(data), len(labels))
	}

	nFeatures := len(data[0])
	if nFeatures == 0 {
		return 0, fmt.Errorf("%w: rows have no features", ErrEmptyData)
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return 0, fmt.Errorf("%w: row %d has %d features, want %d", ErrRaggedData, i, len(row), nFeatures)
		}
		if labels[i] != 0 && labels[i] != 1 {
			return 0, fmt.Errorf("%w: row %d has label %d", ErrInvalidLabel, i, labels[i])
		}
	}

	return nFeatures, nil
}

// CheckWidth verifies every row carries exactly nFeatures values.
func CheckWidth(data [][]float64, nFeatures int) error {
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrRaggedData, i, len(row), nFeatures)
		}
	}
	return nil
}
