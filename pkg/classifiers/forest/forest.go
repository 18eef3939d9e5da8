// Package forest implements a random forest classifier built from CART trees.
package forest

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/hed1ad/packetguard/pkg/classifiers"
	"github.com/hed1ad/packetguard/pkg/classifiers/tree"
)

// RandomForest averages the class distributions of bootstrapped trees.
type RandomForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees          int
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int // 0 selects sqrt(nFeatures)
	seed            int64

	// Trained model
	trees       []*tree.Tree
	nFeatures   int
	importances []float64
	trained     bool
}

// Option configures a RandomForest.
type Option func(*RandomForest)

// WithTrees sets the number of trees.
func WithTrees(n int) Option {
	return func(f *RandomForest) {
		f.nTrees = n
	}
}

// WithMaxDepth bounds the depth of every tree. Zero means unbounded.
func WithMaxDepth(d int) Option {
	return func(f *RandomForest) {
		f.maxDepth = d
	}
}

// WithMinSamplesSplit sets the smallest node population that may be split.
func WithMinSamplesSplit(n int) Option {
	return func(f *RandomForest) {
		f.minSamplesSplit = n
	}
}

// WithMinSamplesLeaf sets the smallest population allowed in a leaf.
func WithMinSamplesLeaf(n int) Option {
	return func(f *RandomForest) {
		f.minSamplesLeaf = n
	}
}

// WithMaxFeatures sets the number of features considered per split.
func WithMaxFeatures(n int) Option {
	return func(f *RandomForest) {
		f.maxFeatures = n
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *RandomForest) {
		f.seed = seed
	}
}

// WithConfig applies shared classifier hyperparameters.
func WithConfig(cfg classifiers.Config) Option {
	return func(f *RandomForest) {
		f.maxDepth = cfg.MaxDepth
		f.minSamplesSplit = cfg.MinSamplesSplit
		f.minSamplesLeaf = cfg.MinSamplesLeaf
		f.seed = cfg.RandomSeed
	}
}

// New creates a new RandomForest with the given options.
func New(opts ...Option) *RandomForest {
	f := &RandomForest{
		nTrees:          100,
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		seed:            42,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.nTrees < 1 {
		f.nTrees = 1
	}

	return f
}

// Fit trains every tree on a bootstrap sample of data.
func (f *RandomForest) Fit(data [][]float64, labels []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	nFeatures, err := classifiers.Validate(data, labels)
	if err != nil {
		return err
	}

	maxFeatures := f.maxFeatures
	if maxFeatures <= 0 {
		maxFeatures = max(1, int(math.Sqrt(float64(nFeatures))))
	}

	rng := rand.New(rand.NewSource(f.seed))
	nSamples := len(data)
	trees := make([]*tree.Tree, f.nTrees)
	importances := make([]float64, nFeatures)

	for i := range trees {
		sample := make([][]float64, nSamples)
		sampleLabels := make([]int, nSamples)
		for j := 0; j < nSamples; j++ {
			idx := rng.Intn(nSamples)
			sample[j] = data[idx]
			sampleLabels[j] = labels[idx]
		}

		t := tree.New(
			tree.WithMaxDepth(f.maxDepth),
			tree.WithMinSamplesSplit(f.minSamplesSplit),
			tree.WithMinSamplesLeaf(f.minSamplesLeaf),
			tree.WithMaxFeatures(maxFeatures),
			tree.WithSeed(rng.Int63()),
		)
		if err := t.Fit(sample, sampleLabels); err != nil {
			return err
		}
		trees[i] = t

		for j, v := range t.FeatureImportances() {
			importances[j] += v
		}
	}

	var total float64
	for _, v := range importances {
		total += v
	}
	if total > 0 {
		for i := range importances {
			importances[i] /= total
		}
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.importances = importances
	f.trained = true

	return nil
}

// Predict returns the class with the highest averaged probability.
func (f *RandomForest) Predict(data [][]float64) ([]int, error) {
	probs, err := f.PredictProba(data)
	if err != nil {
		return nil, err
	}

	preds := make([]int, len(probs))
	for i, p := range probs {
		if p[1] > p[0] {
			preds[i] = 1
		}
	}
	return preds, nil
}

// PredictProba returns the mean class distribution across all trees.
func (f *RandomForest) PredictProba(data [][]float64) ([][2]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, classifiers.ErrNotTrained
	}

	probs := make([][2]float64, len(data))
	for _, t := range f.trees {
		treeProbs, err := t.PredictProba(data)
		if err != nil {
			return nil, err
		}
		for i, p := range treeProbs {
			probs[i][0] += p[0]
			probs[i][1] += p[1]
		}
	}

	n := float64(len(f.trees))
	for i := range probs {
		probs[i][0] /= n
		probs[i][1] /= n
	}
	return probs, nil
}

// FeatureImportances returns the normalized mean importances of the trees.
func (f *RandomForest) FeatureImportances() []float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil
	}
	out := make([]float64, len(f.importances))
	copy(out, f.importances)
	return out
}

// Trees returns the number of trained trees.
func (f *RandomForest) Trees() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees)
}

type state struct {
	NTrees          int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int
	Seed            int64
	NFeatures       int
	Importances     []float64
	Trees           []*tree.Tree
}

// Save serializes the trained forest.
func (f *RandomForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, classifiers.ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(state{
		NTrees:          f.nTrees,
		MaxDepth:        f.maxDepth,
		MinSamplesSplit: f.minSamplesSplit,
		MinSamplesLeaf:  f.minSamplesLeaf,
		MaxFeatures:     f.maxFeatures,
		Seed:            f.seed,
		NFeatures:       f.nFeatures,
		Importances:     f.importances,
		Trees:           f.trees,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained forest.
func (f *RandomForest) Load(data []byte) error {
	var s state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if len(s.Trees) == 0 {
		return classifiers.ErrEmptyData
	}
	if len(s.Importances) != 0 && len(s.Importances) != s.NFeatures {
		return fmt.Errorf("%w: %d importances for %d features", classifiers.ErrCorruptState, len(s.Importances), s.NFeatures)
	}
	for i, t := range s.Trees {
		if t == nil || t.NFeatures() != s.NFeatures {
			return fmt.Errorf("%w: tree %d does not match %d features", classifiers.ErrCorruptState, i, s.NFeatures)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = s.NTrees
	f.maxDepth = s.MaxDepth
	f.minSamplesSplit = s.MinSamplesSplit
	f.minSamplesLeaf = s.MinSamplesLeaf
	f.maxFeatures = s.MaxFeatures
	f.seed = s.Seed
	f.nFeatures = s.NFeatures
	f.importances = s.Importances
	f.trees = s.Trees
	f.trained = true

	return nil
}
