// Package evaluate scores binary predictions against ground-truth labels.
package evaluate

import (
	"errors"
	"fmt"
)

var (
	ErrLengthMismatch = errors.New("labels and predictions differ in length")
	ErrNoSamples      = errors.New("no samples to evaluate")
)

// ConfusionMatrix counts outcomes indexed as [actual][predicted].
type ConfusionMatrix [2][2]int

// TruePositives returns the count of anomalies predicted as anomalies.
func (c ConfusionMatrix) TruePositives() int { return c[1][1] }

// FalsePositives returns the count of normal rows predicted as anomalies.
func (c ConfusionMatrix) FalsePositives() int { return c[0][1] }

// FalseNegatives returns the count of anomalies predicted as normal.
func (c ConfusionMatrix) FalseNegatives() int { return c[1][0] }

// TrueNegatives returns the count of normal rows predicted as normal.
func (c ConfusionMatrix) TrueNegatives() int { return c[0][0] }

// Rows returns the matrix as nested slices, the shape used in JSON reports.
func (c ConfusionMatrix) Rows() [][]int {
	return [][]int{
		{c[0][0], c[0][1]},
		{c[1][0], c[1][1]},
	}
}

// Report holds the scores of one evaluation. Class 1 is the positive class.
type Report struct {
	Accuracy  float64         `json:"accuracy"`
	Precision float64         `json:"precision"`
	Recall    float64         `json:"recall"`
	F1        float64         `json:"f1_score"`
	Confusion ConfusionMatrix `json:"-"`
}

// Score compares predictions to labels. Precision, recall and F1 are 0 when
// their denominator is 0.
func Score(labels, predictions []int) (Report, error) {
	if len(labels) != len(predictions) {
		return Report{}, fmt.Errorf("%w: %d labels, %d predictions", ErrLengthMismatch, len(labels), len(predictions))
	}
	if len(labels) == 0 {
		return Report{}, ErrNoSamples
	}

	var cm ConfusionMatrix
	for i, actual := range labels {
		pred := predictions[i]
		if actual < 0 || actual > 1 || pred < 0 || pred > 1 {
			return Report{}, fmt.Errorf("row %d: classes must be 0 or 1, got actual=%d predicted=%d", i, actual, pred)
		}
		cm[actual][pred]++
	}

	tp := float64(cm.TruePositives())
	fp := float64(cm.FalsePositives())
	fn := float64(cm.FalseNegatives())
	correct := float64(cm.TruePositives() + cm.TrueNegatives())

	r := Report{
		Accuracy:  correct / float64(len(labels)),
		Precision: ratio(tp, tp+fp),
		Recall:    ratio(tp, tp+fn),
		Confusion: cm,
	}
	r.F1 = ratio(2*r.Precision*r.Recall, r.Precision+r.Recall)

	return r, nil
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
