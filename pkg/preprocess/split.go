package preprocess

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/hed1ad/packetguard/pkg/packet"
)

const (
	DefaultTestFraction = 0.2
	DefaultSeed         = 42
)

// Split is a labeled feature matrix partitioned into train and test rows.
type Split struct {
	TrainFeatures [][]float64
	TestFeatures  [][]float64
	TrainLabels   []int
	TestLabels    []int
	Transform     *Transform
}

// PrepareForTraining labels records, fits a Transform on all of them and
// partitions the rows with a seeded shuffle.
func (p *Preprocessor) PrepareForTraining(records []packet.Record, testFraction float64, seed int64) (*Split, error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidTestFraction, testFraction)
	}

	labels, err := p.Labels(records)
	if err != nil {
		return nil, err
	}

	matrix, t, err := p.FitTransform(records)
	if err != nil {
		return nil, err
	}

	train, test, err := TrainTestSplit(len(matrix), testFraction, seed)
	if err != nil {
		return nil, err
	}

	s := &Split{
		TrainFeatures: make([][]float64, len(train)),
		TestFeatures:  make([][]float64, len(test)),
		TrainLabels:   make([]int, len(train)),
		TestLabels:    make([]int, len(test)),
		Transform:     t,
	}
	for i, idx := range train {
		s.TrainFeatures[i] = matrix[idx]
		s.TrainLabels[i] = labels[idx]
	}
	for i, idx := range test {
		s.TestFeatures[i] = matrix[idx]
		s.TestLabels[i] = labels[idx]
	}

	p.logger.Info("prepared training data",
		zap.Int("train_rows", len(train)),
		zap.Int("test_rows", len(test)),
		zap.Int("columns", t.Width()),
		zap.Int64("seed", seed),
	)

	return s, nil
}

// TrainTestSplit returns shuffled row indices with ceil(testFraction*n) rows
// on the test side. The same n, fraction and seed always give the same split.
func TrainTestSplit(n int, testFraction float64, seed int64) (train, test []int, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("%w: got %v", ErrInvalidTestFraction, testFraction)
	}

	nTest := int(math.Ceil(testFraction * float64(n)))
	nTrain := n - nTest
	if nTrain < 1 || nTest < 1 {
		return nil, nil, fmt.Errorf("%w: %d rows cannot be split with test fraction %v", ErrInsufficientData, n, testFraction)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[nTest:], perm[:nTest], nil
}

// Labels returns the labels of records from the configured Labeler.
func (p *Preprocessor) Labels(records []packet.Record) ([]int, error) {
	labels, err := p.labeler.Labels(records)
	if err != nil {
		return nil, err
	}
	if err := checkLabels(labels, len(records)); err != nil {
		return nil, err
	}
	return labels, nil
}
