// Package iforest implements an Isolation Forest used as a binary classifier.
//
// Trees are grown on the normal (label 0) rows only. The anomaly threshold is
// then placed so that the share of training rows flagged matches the share of
// positive labels, unless a contamination is set explicitly.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/packetguard/pkg/classifiers"
)

// ErrNoNormalSamples is returned when every training row is labeled anomalous.
var ErrNoNormalSamples = errors.New("no normal samples to isolate against")

// IsolationForest flags samples that are isolated in few random splits.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64 // 0 derives it from the labels
	seed          int64

	// Trained model
	trees         []*iTree
	threshold     float64
	avgPathLength float64
	nFeatures     int
	trained       bool
}

// iTree represents a single isolation tree.
type iTree struct {
	Root *node
}

// node is a node in the isolation tree.
type node struct {
	// Split parameters (for internal nodes)
	SplitFeature int
	SplitValue   float64

	// Children
	Left  *node
	Right *node

	// Leaf information
	Size int // number of samples that reached this leaf
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination fixes the expected proportion of anomalies instead of
// deriving it from the training labels.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:     100,
		sampleSize: 256,
		seed:       42,
		threshold:  0.5,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.nTrees < 1 {
		f.nTrees = 1
	}
	if f.sampleSize < 2 {
		f.sampleSize = 2
	}

	return f
}

// Fit grows the forest on the normal rows and calibrates the threshold.
func (f *IsolationForest) Fit(data [][]float64, labels []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	nFeatures, err := classifiers.Validate(data, labels)
	if err != nil {
		return err
	}

	var normal [][]float64
	for i, row := range data {
		if labels[i] == 0 {
			normal = append(normal, row)
		}
	}
	if len(normal) == 0 {
		return ErrNoNormalSamples
	}

	rng := rand.New(rand.NewSource(f.seed))
	nSamples := len(normal)

	// Adjust sample size if needed
	sampleSize := f.sampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	// Build trees
	f.trees = make([]*iTree, f.nTrees)
	for i := 0; i < f.nTrees; i++ {
		// Sample without replacement
		indices := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = normal[idx]
		}

		f.trees[i] = &iTree{Root: buildNode(rng, sample, nFeatures, 0, maxDepth)}
	}

	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.nFeatures = nFeatures
	f.trained = true

	contamination := f.contamination
	if contamination <= 0 {
		positives := len(data) - len(normal)
		contamination = float64(positives) / float64(len(data))
	}

	// Set threshold based on contamination
	if contamination <= 0 {
		f.threshold = math.Inf(1)
	} else {
		f.threshold = percentile(f.scores(data), 100*(1-contamination))
	}

	return nil
}

func buildNode(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return &node{Size: n}
	}

	// Random feature and split value
	feature := rng.Intn(nFeatures)

	// Find min/max for this feature
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}

	// If all values are the same, return leaf
	if minVal == maxVal {
		return &node{Size: n}
	}

	// Random split value
	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	// Partition data
	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}
	if len(leftData) == 0 || len(rightData) == 0 {
		return &node{Size: n}
	}

	return &node{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         buildNode(rng, leftData, nFeatures, depth+1, maxDepth),
		Right:        buildNode(rng, rightData, nFeatures, depth+1, maxDepth),
	}
}

// Predict labels a sample 1 when its anomaly score reaches the threshold.
func (f *IsolationForest) Predict(data [][]float64) ([]int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, classifiers.ErrNotTrained
	}
	if err := classifiers.CheckWidth(data, f.nFeatures); err != nil {
		return nil, err
	}

	preds := make([]int, len(data))
	for i, score := range f.scores(data) {
		if score >= f.threshold {
			preds[i] = 1
		}
	}
	return preds, nil
}

// Scores returns anomaly scores in [0, 1] for the given samples.
// Higher values indicate anomalies.
func (f *IsolationForest) Scores(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, classifiers.ErrNotTrained
	}
	if err := classifiers.CheckWidth(data, f.nFeatures); err != nil {
		return nil, err
	}

	return f.scores(data), nil
}

func (f *IsolationForest) scores(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.scoreOne(sample)
	}
	return scores
}

func (f *IsolationForest) scoreOne(sample []float64) float64 {
	// Average path length across all trees
	var totalPath float64
	for _, tree := range f.trees {
		totalPath += pathLength(sample, tree.Root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	// A forest grown on a single sample cannot isolate anything.
	if f.avgPathLength == 0 {
		return 0.5
	}

	// Anomaly score: 2^(-avgPath / c(n))
	return math.Pow(2, -avgPath/f.avgPathLength)
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.Left == nil && n.Right == nil {
		// Leaf node: add expected path length for remaining isolation
		return float64(currentDepth) + averagePathLength(float64(n.Size))
	}

	if sample[n.SplitFeature] < n.SplitValue {
		return pathLength(sample, n.Left, currentDepth+1)
	}
	return pathLength(sample, n.Right, currentDepth+1)
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is harmonic number
	// Approximation: H(n) ≈ ln(n) + 0.5772156649 (Euler-Mascheroni constant)
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = t
}

type state struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Seed          int64
	Threshold     float64
	AvgPathLength float64
	NFeatures     int
	Trees         []*iTree
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, classifiers.ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(state{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Seed:          f.seed,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
		NFeatures:     f.nFeatures,
		Trees:         f.trees,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var s state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if len(s.Trees) == 0 {
		return classifiers.ErrEmptyData
	}
	if s.NFeatures < 1 {
		return fmt.Errorf("%w: %d features", classifiers.ErrCorruptState, s.NFeatures)
	}
	for i, t := range s.Trees {
		if t == nil || t.Root == nil {
			return fmt.Errorf("%w: tree %d has no root", classifiers.ErrCorruptState, i)
		}
		if err := t.Root.validate(s.NFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = s.NTrees
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.seed = s.Seed
	f.threshold = s.Threshold
	f.avgPathLength = s.AvgPathLength
	f.nFeatures = s.NFeatures
	f.trees = s.Trees
	f.trained = true

	return nil
}

// validate checks that internal nodes have both children and split on an
// existing feature.
func (n *node) validate(nFeatures int) error {
	if n.Left == nil && n.Right == nil {
		return nil
	}
	if n.Left == nil || n.Right == nil {
		return fmt.Errorf("%w: internal node with one child", classifiers.ErrCorruptState)
	}
	if n.SplitFeature < 0 || n.SplitFeature >= nFeatures {
		return fmt.Errorf("%w: split on feature %d of %d", classifiers.ErrCorruptState, n.SplitFeature, nFeatures)
	}
	if err := n.Left.validate(nFeatures); err != nil {
		return err
	}
	return n.Right.validate(nFeatures)
}

// percentile calculates the p-th percentile of the data.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}
