package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/packetguard/pkg/evaluate"
)

func TestMetricsJSON(t *testing.T) {
	r, err := evaluate.Score([]int{1, 1, 0, 0}, []int{1, 0, 0, 1})
	require.NoError(t, err)

	trainedAt := time.Date(2024, 3, 9, 23, 30, 0, 0, time.UTC)

	tests := []struct {
		name           string
		importances    []float64
		wantImportance bool
	}{
		{name: "with importances", importances: []float64{0.75, 0.25}, wantImportance: true},
		{name: "without importances", importances: nil},
		{name: "empty importances", importances: []float64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, New(r, "random-forest", trainedAt, tt.importances)))

			var got map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &got))

			assert.Equal(t, 0.5, got["accuracy"])
			assert.Equal(t, 0.5, got["precision"])
			assert.Equal(t, 0.5, got["recall"])
			assert.Equal(t, 0.5, got["f1_score"])
			assert.Equal(t, "random-forest", got["model_type"])
			assert.Equal(t, "2024-03-09", got["training_date"])
			assert.Equal(t, []any{
				[]any{1.0, 1.0},
				[]any{1.0, 1.0},
			}, got["confusion_matrix"])

			_, ok := got["feature_importances"]
			assert.Equal(t, tt.wantImportance, ok)
		})
	}
}

func TestTrainingDateIsUTC(t *testing.T) {
	loc := time.FixedZone("east", 10*60*60)
	trainedAt := time.Date(2024, 1, 2, 3, 0, 0, 0, loc)

	m := New(evaluate.Report{}, "decision-tree", trainedAt, nil)
	assert.Equal(t, "2024-01-01", m.TrainingDate)
}

func TestFailure(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Fail(errors.New("model file not found"))))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, map[string]any{"error": "model file not found"}, got)
}
