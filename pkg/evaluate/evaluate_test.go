package evaluate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name          string
		labels        []int
		predictions   []int
		wantAccuracy  float64
		wantPrecision float64
		wantRecall    float64
		wantF1        float64
	}{
		{
			name:         "all negative",
			labels:       []int{0, 0, 0, 0},
			predictions:  []int{0, 0, 0, 0},
			wantAccuracy: 1.0,
		},
		{
			name:          "perfect",
			labels:        []int{0, 1, 1, 0},
			predictions:   []int{0, 1, 1, 0},
			wantAccuracy:  1.0,
			wantPrecision: 1.0,
			wantRecall:    1.0,
			wantF1:        1.0,
		},
		{
			name:          "mixed",
			labels:        []int{1, 1, 1, 0, 0},
			predictions:   []int{1, 0, 1, 1, 0},
			wantAccuracy:  0.6,
			wantPrecision: 2.0 / 3.0,
			wantRecall:    2.0 / 3.0,
			wantF1:        2.0 / 3.0,
		},
		{
			name:         "no positive predictions",
			labels:       []int{1, 0},
			predictions:  []int{0, 0},
			wantAccuracy: 0.5,
		},
		{
			name:         "no positive labels",
			labels:       []int{0, 0},
			predictions:  []int{1, 0},
			wantAccuracy: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Score(tt.labels, tt.predictions)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantAccuracy, r.Accuracy, 1e-12)
			assert.InDelta(t, tt.wantPrecision, r.Precision, 1e-12)
			assert.InDelta(t, tt.wantRecall, r.Recall, 1e-12)
			assert.InDelta(t, tt.wantF1, r.F1, 1e-12)
		})
	}
}

func TestConfusionMatrix(t *testing.T) {
	r, err := Score([]int{1, 1, 0, 0, 0}, []int{1, 0, 1, 0, 0})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Confusion.TruePositives())
	assert.Equal(t, 1, r.Confusion.FalseNegatives())
	assert.Equal(t, 1, r.Confusion.FalsePositives())
	assert.Equal(t, 2, r.Confusion.TrueNegatives())
	assert.Equal(t, [][]int{{2, 1}, {1, 1}}, r.Confusion.Rows())
}

func TestScoreErrors(t *testing.T) {
	_, err := Score([]int{0, 1}, []int{0})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = Score(nil, nil)
	assert.ErrorIs(t, err, ErrNoSamples)

	_, err = Score([]int{2}, []int{0})
	assert.Error(t, err)
}
