// Package report renders evaluation results as the JSON document printed by
// the metrics command.
package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/hed1ad/packetguard/pkg/evaluate"
)

// DateLayout formats the training date.
const DateLayout = "2006-01-02"

// Metrics is the success document.
type Metrics struct {
	Accuracy           float64   `json:"accuracy"`
	Precision          float64   `json:"precision"`
	Recall             float64   `json:"recall"`
	F1                 float64   `json:"f1_score"`
	ModelType          string    `json:"model_type"`
	TrainingDate       string    `json:"training_date"`
	ConfusionMatrix    [][]int   `json:"confusion_matrix"`
	FeatureImportances []float64 `json:"feature_importances,omitempty"`
}

// Failure is the document printed instead of Metrics when anything fails.
type Failure struct {
	Error string `json:"error"`
}

// New combines an evaluation with model metadata. Importances are omitted
// when imp is empty.
func New(r evaluate.Report, kind string, trainedAt time.Time, imp []float64) Metrics {
	return Metrics{
		Accuracy:           r.Accuracy,
		Precision:          r.Precision,
		Recall:             r.Recall,
		F1:                 r.F1,
		ModelType:          kind,
		TrainingDate:       trainedAt.UTC().Format(DateLayout),
		ConfusionMatrix:    r.Confusion.Rows(),
		FeatureImportances: imp,
	}
}

// Fail wraps err as a Failure.
func Fail(err error) Failure {
	return Failure{Error: err.Error()}
}

// Write encodes v as a single line of JSON.
func Write(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
