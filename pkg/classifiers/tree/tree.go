// Package tree implements a CART decision tree classifier using gini impurity.
package tree

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/packetguard/pkg/classifiers"
)

// Tree is a binary decision tree classifier.
type Tree struct {
	mu sync.RWMutex

	// Configuration
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int
	seed            int64
	rng             *rand.Rand

	// Trained model
	nodes       []node
	nFeatures   int
	importances []float64
	trained     bool
}

// node is one entry of the flattened tree. Leaves have Left == -1.
type node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Counts    [2]float64
}

func (n node) leaf() bool {
	return n.Left < 0
}

// Option configures a Tree.
type Option func(*Tree)

// WithMaxDepth bounds tree depth. Zero means unbounded.
func WithMaxDepth(d int) Option {
	return func(t *Tree) {
		t.maxDepth = d
	}
}

// WithMinSamplesSplit sets the smallest node population that may be split.
func WithMinSamplesSplit(n int) Option {
	return func(t *Tree) {
		t.minSamplesSplit = n
	}
}

// WithMinSamplesLeaf sets the smallest population allowed in either child.
func WithMinSamplesLeaf(n int) Option {
	return func(t *Tree) {
		t.minSamplesLeaf = n
	}
}

// WithMaxFeatures limits the number of features considered per split.
// Zero considers every feature.
func WithMaxFeatures(n int) Option {
	return func(t *Tree) {
		t.maxFeatures = n
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(t *Tree) {
		t.seed = seed
	}
}

// WithConfig applies shared classifier hyperparameters.
func WithConfig(cfg classifiers.Config) Option {
	return func(t *Tree) {
		t.maxDepth = cfg.MaxDepth
		t.minSamplesSplit = cfg.MinSamplesSplit
		t.minSamplesLeaf = cfg.MinSamplesLeaf
		t.seed = cfg.RandomSeed
	}
}

// New creates a new Tree with the given options.
func New(opts ...Option) *Tree {
	t := &Tree{
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		seed:            42,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.minSamplesSplit < 2 {
		t.minSamplesSplit = 2
	}
	if t.minSamplesLeaf < 1 {
		t.minSamplesLeaf = 1
	}

	return t
}

// Fit trains the tree on the provided data.
func (t *Tree) Fit(data [][]float64, labels []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	nFeatures, err := classifiers.Validate(data, labels)
	if err != nil {
		return err
	}

	t.rng = rand.New(rand.NewSource(t.seed))
	t.nFeatures = nFeatures
	t.nodes = t.nodes[:0]
	t.importances = make([]float64, nFeatures)

	indices := make([]int, len(data))
	for i := range indices {
		indices[i] = i
	}
	t.buildNode(data, labels, indices, 0)

	var total float64
	for _, v := range t.importances {
		total += v
	}
	if total > 0 {
		for i := range t.importances {
			t.importances[i] /= total
		}
	}

	t.trained = true
	return nil
}

// split describes the best partition found for a node.
type split struct {
	feature   int
	threshold float64
	impurity  float64 // weighted child impurity
	ok        bool
}

// buildNode appends the subtree for indices and returns its node index.
func (t *Tree) buildNode(data [][]float64, labels []int, indices []int, depth int) int {
	var counts [2]float64
	for _, idx := range indices {
		counts[labels[idx]]++
	}

	id := len(t.nodes)
	t.nodes = append(t.nodes, node{Left: -1, Right: -1, Counts: counts})

	n := len(indices)
	nodeImpurity := gini(counts)

	// Terminal conditions
	if (t.maxDepth > 0 && depth >= t.maxDepth) ||
		n < t.minSamplesSplit ||
		n < 2*t.minSamplesLeaf ||
		nodeImpurity == 0 {
		return id
	}

	best := t.bestSplit(data, labels, indices)
	if !best.ok {
		return id
	}

	// Zero-gain splits are kept; the children may still separate.
	decrease := max(float64(n)*(nodeImpurity-best.impurity), 0)

	var left, right []int
	for _, idx := range indices {
		if data[idx][best.feature] <= best.threshold {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}

	t.importances[best.feature] += decrease

	l := t.buildNode(data, labels, left, depth+1)
	r := t.buildNode(data, labels, right, depth+1)

	t.nodes[id].Feature = best.feature
	t.nodes[id].Threshold = best.threshold
	t.nodes[id].Left = l
	t.nodes[id].Right = r

	return id
}

// bestSplit scans candidate features for the threshold with the lowest
// weighted gini impurity that respects minSamplesLeaf.
func (t *Tree) bestSplit(data [][]float64, labels []int, indices []int) split {
	features := t.rng.Perm(t.nFeatures)
	if t.maxFeatures > 0 && t.maxFeatures < t.nFeatures {
		features = features[:t.maxFeatures]
	}

	n := len(indices)
	sorted := make([]int, n)
	best := split{}

	var total [2]float64
	for _, idx := range indices {
		total[labels[idx]]++
	}

	for _, feature := range features {
		copy(sorted, indices)
		sort.SliceStable(sorted, func(a, b int) bool {
			return data[sorted[a]][feature] < data[sorted[b]][feature]
		})

		var left [2]float64
		for i := 0; i < n-1; i++ {
			left[labels[sorted[i]]]++

			nLeft := i + 1
			nRight := n - nLeft
			if nLeft < t.minSamplesLeaf || nRight < t.minSamplesLeaf {
				continue
			}

			cur := data[sorted[i]][feature]
			next := data[sorted[i+1]][feature]
			if cur == next {
				continue
			}

			right := [2]float64{total[0] - left[0], total[1] - left[1]}
			impurity := (float64(nLeft)*gini(left) + float64(nRight)*gini(right)) / float64(n)

			if !best.ok || impurity < best.impurity {
				threshold := cur + (next-cur)/2
				if threshold == next {
					threshold = cur
				}
				best = split{
					feature:   feature,
					threshold: threshold,
					impurity:  impurity,
					ok:        true,
				}
			}
		}
	}

	return best
}

// gini returns the gini impurity of a class distribution.
func gini(counts [2]float64) float64 {
	n := counts[0] + counts[1]
	if n == 0 {
		return 0
	}
	p0 := counts[0] / n
	p1 := counts[1] / n
	return 1 - p0*p0 - p1*p1
}

// Predict returns the majority class of the leaf each sample falls into.
func (t *Tree) Predict(data [][]float64) ([]int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.trained {
		return nil, classifiers.ErrNotTrained
	}
	if err := classifiers.CheckWidth(data, t.nFeatures); err != nil {
		return nil, err
	}

	preds := make([]int, len(data))
	for i, sample := range data {
		counts := t.leafFor(sample).Counts
		if counts[1] > counts[0] {
			preds[i] = 1
		}
	}
	return preds, nil
}

// PredictProba returns the class distribution of the leaf each sample falls into.
func (t *Tree) PredictProba(data [][]float64) ([][2]float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.trained {
		return nil, classifiers.ErrNotTrained
	}
	if err := classifiers.CheckWidth(data, t.nFeatures); err != nil {
		return nil, err
	}

	probs := make([][2]float64, len(data))
	for i, sample := range data {
		probs[i] = distribution(t.leafFor(sample).Counts)
	}
	return probs, nil
}

func (t *Tree) leafFor(sample []float64) node {
	n := t.nodes[0]
	for !n.leaf() {
		if sample[n.Feature] <= n.Threshold {
			n = t.nodes[n.Left]
		} else {
			n = t.nodes[n.Right]
		}
	}
	return n
}

func distribution(counts [2]float64) [2]float64 {
	total := counts[0] + counts[1]
	if total == 0 {
		return [2]float64{1, 0}
	}
	return [2]float64{counts[0] / total, counts[1] / total}
}

// FeatureImportances returns the normalized total impurity decrease per feature.
func (t *Tree) FeatureImportances() []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.trained {
		return nil
	}
	out := make([]float64, len(t.importances))
	copy(out, t.importances)
	return out
}

// Depth returns the depth of the trained tree.
func (t *Tree) Depth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.trained {
		return 0
	}
	return t.depth(0)
}

func (t *Tree) depth(id int) int {
	n := t.nodes[id]
	if n.leaf() {
		return 0
	}
	return 1 + max(t.depth(n.Left), t.depth(n.Right))
}

// state is the gob representation of a trained tree.
type state struct {
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int
	Seed            int64
	NFeatures       int
	Nodes           []node
	Importances     []float64
}

// Save serializes the trained tree.
func (t *Tree) Save() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.trained {
		return nil, classifiers.ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(state{
		MaxDepth:        t.maxDepth,
		MinSamplesSplit: t.minSamplesSplit,
		MinSamplesLeaf:  t.minSamplesLeaf,
		MaxFeatures:     t.maxFeatures,
		Seed:            t.seed,
		NFeatures:       t.nFeatures,
		Nodes:           t.nodes,
		Importances:     t.importances,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained tree.
func (t *Tree) Load(data []byte) error {
	var s state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if len(s.Nodes) == 0 {
		return classifiers.ErrEmptyData
	}
	if err := s.validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.maxDepth = s.MaxDepth
	t.minSamplesSplit = s.MinSamplesSplit
	t.minSamplesLeaf = s.MinSamplesLeaf
	t.maxFeatures = s.MaxFeatures
	t.seed = s.Seed
	t.nFeatures = s.NFeatures
	t.nodes = s.Nodes
	t.importances = s.Importances
	t.trained = true

	return nil
}

// validate checks that every split reads an existing feature and that every
// child index follows its parent's.
func (s *state) validate() error {
	if s.NFeatures < 1 {
		return fmt.Errorf("%w: %d features", classifiers.ErrCorruptState, s.NFeatures)
	}
	if len(s.Importances) != 0 && len(s.Importances) != s.NFeatures {
		return fmt.Errorf("%w: %d importances for %d features", classifiers.ErrCorruptState, len(s.Importances), s.NFeatures)
	}

	for id, n := range s.Nodes {
		if n.leaf() {
			continue
		}
		if n.Feature < 0 || n.Feature >= s.NFeatures {
			return fmt.Errorf("%w: node %d splits on feature %d of %d", classifiers.ErrCorruptState, id, n.Feature, s.NFeatures)
		}
		for _, child := range []int{n.Left, n.Right} {
			if child <= id || child >= len(s.Nodes) {
				return fmt.Errorf("%w: node %d has child %d", classifiers.ErrCorruptState, id, child)
			}
		}
	}

	return nil
}

// NFeatures returns the width the tree was trained on, or 0 before training.
func (t *Tree) NFeatures() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nFeatures
}

// GobEncode lets a Tree be embedded in other gob-encoded models.
func (t *Tree) GobEncode() ([]byte, error) {
	return t.Save()
}

// GobDecode restores a Tree written by GobEncode.
func (t *Tree) GobDecode(data []byte) error {
	return t.Load(data)
}
