// Package preprocess turns packet records into a numeric feature matrix.
//
// ExtractFeatures derives port_difference and src_ip_class from the raw
// attributes, FitTransform learns a Transform (standard scaling plus one-hot
// encoding) and PrepareForTraining adds labels and a seeded train/test split.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/hed1ad/packetguard/pkg/packet"
)

// Derived attribute names.
const (
	PortDifference = "port_difference"
	SrcIPClass     = "src_ip_class"
)

// Values of SrcIPClass.
const (
	Private = "private"
	Public  = "public"
)

var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrInvalidRecord       = errors.New("invalid record")
	ErrInvalidTestFraction = errors.New("test fraction must be in (0, 1)")
	ErrLabelsUnavailable   = errors.New("labels unavailable")
	ErrInvalidLabels       = errors.New("invalid labels")
)

// NumericColumns are standard-scaled, in output order.
func NumericColumns() []string {
	return []string{packet.Length, packet.TTL, PortDifference}
}

// CategoricalColumns are one-hot encoded after the numeric columns.
func CategoricalColumns() []string {
	return []string{packet.TransportProtocol, SrcIPClass}
}

// privatePrefixes approximate RFC 1918 by text prefix: 172.17-31 count as
// public.
var privatePrefixes = []string{"10.", "172.16.", "192.168."}

// Preprocessor converts record batches into feature matrices.
type Preprocessor struct {
	labeler Labeler
	logger  *zap.Logger
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithLabeler sets the source of training labels.
func WithLabeler(l Labeler) Option {
	return func(p *Preprocessor) {
		p.labeler = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Preprocessor) {
		p.logger = l
	}
}

// New creates a Preprocessor. Without WithLabeler, PrepareForTraining fails
// with ErrLabelsUnavailable.
func New(opts ...Option) *Preprocessor {
	p := &Preprocessor{
		labeler: Unlabeled(),
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ExtractFeatures returns copies of records with absent or NaN attributes
// set to packet.Missing and the derived attributes added. Input records are not
// modified.
func (p *Preprocessor) ExtractFeatures(records []packet.Record) ([]packet.Record, error) {
	out := make([]packet.Record, len(records))

	for i, rec := range records {
		r := rec.Clone()
		for _, name := range packet.Attributes() {
			if !r.Has(name) {
				r[name] = packet.Missing
			}
		}

		src, err := r.Float(packet.SrcPort)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrInvalidRecord, i, err)
		}
		dst, err := r.Float(packet.DstPort)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrInvalidRecord, i, err)
		}

		diff := math.Abs(src - dst)
		if math.IsNaN(diff) {
			diff = packet.Missing
		}
		r[PortDifference] = diff
		r[SrcIPClass] = ipClass(r[packet.SrcIP])
		out[i] = r
	}

	return out, nil
}

func ipClass(v any) string {
	s, ok := v.(string)
	if !ok {
		return Public
	}
	for _, prefix := range privatePrefixes {
		if strings.HasPrefix(s, prefix) {
			return Private
		}
	}
	return Public
}

// FitTransform extracts features, fits a Transform on them and returns the
// encoded matrix together with the Transform.
func (p *Preprocessor) FitTransform(records []packet.Record) ([][]float64, *Transform, error) {
	extracted, err := p.ExtractFeatures(records)
	if err != nil {
		return nil, nil, err
	}

	t, err := fitTransform(extracted, NumericColumns(), CategoricalColumns())
	if err != nil {
		return nil, nil, err
	}

	matrix, err := t.Apply(extracted)
	if err != nil {
		return nil, nil, err
	}

	p.logger.Debug("fitted transform",
		zap.Int("records", len(records)),
		zap.Int("columns", t.Width()),
		zap.Strings("features", t.FeatureNames()),
	)

	return matrix, t, nil
}

// Apply extracts features and encodes them with an already fitted Transform.
func (p *Preprocessor) Apply(records []packet.Record, t *Transform) ([][]float64, error) {
	if t == nil {
		return nil, errors.New("nil transform")
	}

	extracted, err := p.ExtractFeatures(records)
	if err != nil {
		return nil, err
	}
	return t.Apply(extracted)
}
