// Package model manages the lifecycle of a packet anomaly classifier:
// build, train, predict, evaluate, save and load.
package model

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hed1ad/packetguard/pkg/classifiers"
	"github.com/hed1ad/packetguard/pkg/evaluate"
	"github.com/hed1ad/packetguard/pkg/preprocess"
)

// State is a Model's position in its lifecycle.
type State int

const (
	Untrained State = iota
	Built
	Trained
)

func (s State) String() string {
	switch s {
	case Untrained:
		return "untrained"
	case Built:
		return "built"
	case Trained:
		return "trained"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Model owns one classifier together with the Transform that produced its
// training features and, for tree-based kinds, its feature importances.
type Model struct {
	mu sync.RWMutex

	// Configuration
	kind   Kind
	seed   int64
	logger *zap.Logger
	now    func() time.Time
	inst   *instruments

	// Lifecycle
	state      State
	classifier classifiers.Classifier
	proba      classifiers.ProbabilityPredictor // nil when not supported
	reporter   classifiers.ImportanceReporter   // nil when not supported

	// Trained model
	id          string
	trainedAt   time.Time
	nFeatures   int
	transform   *preprocess.Transform
	importances []float64
}

// Option configures a Model.
type Option func(*Model)

// WithKind sets the kind Train builds when no classifier was built yet.
func WithKind(k Kind) Option {
	return func(m *Model) {
		m.kind = k
	}
}

// WithSeed sets the random seed passed to every classifier.
func WithSeed(seed int64) Option {
	return func(m *Model) {
		m.seed = seed
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Model) {
		m.logger = l
	}
}

// WithRegisterer registers the model's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Model) {
		m.inst = newInstruments(reg)
	}
}

// WithClock overrides the clock used to stamp training time.
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		m.now = now
	}
}

// New creates an untrained Model. The default kind is DecisionTree.
func New(opts ...Option) *Model {
	m := &Model{
		kind:   DecisionTree,
		seed:   classifiers.DefaultConfig().RandomSeed,
		logger: zap.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.inst == nil {
		m.inst = newInstruments(nil)
	}

	return m
}

// Build instantiates a fresh classifier of the given kind, discarding any
// previous classifier and its importances.
func (m *Model) Build(kind Kind) (classifiers.Classifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.build(kind)
}

func (m *Model) build(kind Kind) (classifiers.Classifier, error) {
	k, err := ParseKind(string(kind))
	if err != nil {
		return nil, err
	}

	c, err := newClassifier(k, m.seed)
	if err != nil {
		return nil, err
	}

	m.bind(k, c)
	m.importances = nil
	m.state = Built

	m.logger.Debug("built classifier",
		zap.String("kind", string(k)),
		zap.Bool("probabilities", m.proba != nil),
		zap.Bool("importances", m.reporter != nil),
	)

	return c, nil
}

// bind stores c and resolves its optional capabilities once.
func (m *Model) bind(kind Kind, c classifiers.Classifier) {
	m.kind = kind
	m.classifier = c
	m.proba, _ = c.(classifiers.ProbabilityPredictor)
	m.reporter, _ = c.(classifiers.ImportanceReporter)
}

// Train fits the classifier, building one of the configured kind first if
// needed. A non-nil transform is kept as the model's associated Transform.
func (m *Model) Train(data [][]float64, labels []int, transform *preprocess.Transform) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Untrained {
		if _, err := m.build(m.kind); err != nil {
			return err
		}
	}

	start := m.now()
	defer func() {
		m.inst.trainings.WithLabelValues(string(m.kind), outcome(err)).Inc()
	}()

	if transform != nil && len(data) > 0 && transform.Width() != len(data[0]) {
		return fmt.Errorf("%w: transform produces %d columns, data has %d", ErrInvalidTrainingData, transform.Width(), len(data[0]))
	}
	if err := m.classifier.Fit(data, labels); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTrainingData, err)
	}

	nFeatures := len(data[0])

	m.importances = nil
	if m.reporter != nil {
		m.importances = m.reporter.FeatureImportances()
	}
	if transform != nil {
		m.transform = transform
	}

	m.nFeatures = nFeatures
	m.trainedAt = m.now().UTC()
	m.id = uuid.NewString()
	m.state = Trained

	took := m.now().Sub(start)
	m.inst.trainDuration.WithLabelValues(string(m.kind)).Observe(took.Seconds())
	m.logger.Info("model trained",
		zap.String("kind", string(m.kind)),
		zap.String("id", m.id),
		zap.Int("rows", len(data)),
		zap.Int("features", nFeatures),
		zap.Duration("took", took),
	)

	return nil
}

// Predict returns the class (0 normal, 1 anomalous) of each row.
func (m *Model) Predict(data [][]float64) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.predict(data)
}

func (m *Model) predict(data [][]float64) ([]int, error) {
	if m.state != Trained {
		return nil, ErrModelNotTrained
	}
	if err := classifiers.CheckWidth(data, m.nFeatures); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFeatures, err)
	}

	preds, err := m.classifier.Predict(data)
	if err != nil {
		return nil, err
	}

	var positives int
	for _, p := range preds {
		positives += p
	}
	m.inst.predictions.WithLabelValues(string(m.kind), "1").Add(float64(positives))
	m.inst.predictions.WithLabelValues(string(m.kind), "0").Add(float64(len(preds) - positives))

	return preds, nil
}

// PredictProbability returns (P(normal), P(anomalous)) per row. Classifiers
// without native probabilities yield (1-pred, pred).
func (m *Model) PredictProbability(data [][]float64) ([][2]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != Trained {
		return nil, ErrModelNotTrained
	}

	if m.proba != nil {
		if err := classifiers.CheckWidth(data, m.nFeatures); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFeatures, err)
		}
		return m.proba.PredictProba(data)
	}

	preds, err := m.predict(data)
	if err != nil {
		return nil, err
	}

	probs := make([][2]float64, len(preds))
	for i, p := range preds {
		probs[i] = [2]float64{float64(1 - p), float64(p)}
	}
	return probs, nil
}

// Evaluate predicts data and scores the predictions against labels.
func (m *Model) Evaluate(data [][]float64, labels []int) (evaluate.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	preds, err := m.predict(data)
	if err != nil {
		return evaluate.Report{}, err
	}

	return evaluate.Score(labels, preds)
}

// Kind returns the kind of the current classifier, or the configured kind
// before Build.
func (m *Model) Kind() Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kind
}

// State returns the lifecycle state.
func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transform returns the associated Transform, or nil.
func (m *Model) Transform() *preprocess.Transform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transform
}

// FeatureImportances returns a copy of the importances, or nil when the
// classifier does not report them.
func (m *Model) FeatureImportances() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.importances == nil {
		return nil
	}
	out := make([]float64, len(m.importances))
	copy(out, m.importances)
	return out
}

// TrainedAt returns when the classifier was trained, in UTC.
func (m *Model) TrainedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trainedAt
}

// ID returns the identifier assigned at training time.
func (m *Model) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// Features returns the number of input columns the model was trained on.
func (m *Model) Features() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nFeatures
}
