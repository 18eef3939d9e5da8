package model

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/packetguard/pkg/packet"
	"github.com/hed1ad/packetguard/pkg/preprocess"
)

func TestUntrainedModel(t *testing.T) {
	data, labels := generateTestData(10)
	dir := t.TempDir()

	for _, m := range []*Model{New(), New(WithKind(RandomForest))} {
		_, err := m.Predict(data)
		assert.ErrorIs(t, err, ErrModelNotTrained)

		_, err = m.PredictProbability(data)
		assert.ErrorIs(t, err, ErrModelNotTrained)

		_, err = m.Evaluate(data, labels)
		assert.ErrorIs(t, err, ErrModelNotTrained)

		err = m.Save(filepath.Join(dir, "model.bin"), "")
		assert.ErrorIs(t, err, ErrModelNotTrained)
		assert.NoFileExists(t, filepath.Join(dir, "model.bin"))

		assert.Equal(t, Untrained, m.State())
	}
}

func TestBuild(t *testing.T) {
	t.Run("built is not trained", func(t *testing.T) {
		m := New()
		c, err := m.Build(DecisionTree)
		require.NoError(t, err)
		assert.NotNil(t, c)
		assert.Equal(t, Built, m.State())

		data, labels := generateTestData(10)
		_, err = m.Predict(data)
		assert.ErrorIs(t, err, ErrModelNotTrained)
		_, err = m.Evaluate(data, labels)
		assert.ErrorIs(t, err, ErrModelNotTrained)
		assert.ErrorIs(t, m.Save(filepath.Join(t.TempDir(), "m.bin"), ""), ErrModelNotTrained)
	})

	t.Run("supported kinds", func(t *testing.T) {
		for _, k := range Kinds() {
			m := New()
			_, err := m.Build(k)
			require.NoError(t, err, k)
			assert.Equal(t, k, m.Kind())
		}
	})

	t.Run("legacy spellings", func(t *testing.T) {
		tests := map[string]Kind{
			"decision_tree":  DecisionTree,
			"random_forest":  RandomForest,
			"neural_network": AlternateEnsemble,
			"Random-Forest":  RandomForest,
		}
		for in, want := range tests {
			got, err := ParseKind(in)
			require.NoError(t, err, in)
			assert.Equal(t, want, got)
		}
	})

	t.Run("unsupported kind", func(t *testing.T) {
		for _, k := range []Kind{"", "svm", "gradient-boosting"} {
			m := New()
			_, err := m.Build(k)
			assert.ErrorIs(t, err, ErrUnsupportedModelKind)
			assert.Equal(t, Untrained, m.State())
		}
	})

	t.Run("rebuild discards trained classifier", func(t *testing.T) {
		data, labels := generateTestData(40)
		m := New()
		require.NoError(t, m.Train(data, labels, nil))
		require.NotNil(t, m.FeatureImportances())

		_, err := m.Build(RandomForest)
		require.NoError(t, err)
		assert.Equal(t, Built, m.State())
		assert.Nil(t, m.FeatureImportances())

		_, err = m.Predict(data)
		assert.ErrorIs(t, err, ErrModelNotTrained)
	})
}

func TestTrain(t *testing.T) {
	t.Run("builds default kind", func(t *testing.T) {
		data, labels := generateTestData(60)
		m := New()
		require.NoError(t, m.Train(data, labels, nil))

		assert.Equal(t, Trained, m.State())
		assert.Equal(t, DecisionTree, m.Kind())
		assert.Len(t, m.FeatureImportances(), 3)
		assert.NotEmpty(t, m.ID())
		assert.Equal(t, 3, m.Features())

		preds, err := m.Predict([][]float64{{-2, -2, 0}, {2, 2, 0}})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, preds)
	})

	t.Run("configured kind", func(t *testing.T) {
		data, labels := generateTestData(60)
		m := New(WithKind(RandomForest), WithSeed(3))
		require.NoError(t, m.Train(data, labels, nil))
		assert.Equal(t, RandomForest, m.Kind())
	})

	t.Run("training time", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		data, labels := generateTestData(20)
		m := New(WithClock(func() time.Time { return at }))
		require.NoError(t, m.Train(data, labels, nil))
		assert.Equal(t, at, m.TrainedAt())
	})

	t.Run("invalid data", func(t *testing.T) {
		tests := []struct {
			name   string
			data   [][]float64
			labels []int
		}{
			{name: "empty", data: [][]float64{}, labels: []int{}},
			{name: "length mismatch", data: [][]float64{{1}, {2}}, labels: []int{1}},
			{name: "label out of range", data: [][]float64{{1}, {2}}, labels: []int{0, 5}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m := New()
				err := m.Train(tt.data, tt.labels, nil)
				assert.ErrorIs(t, err, ErrInvalidTrainingData)
				assert.NotEqual(t, Trained, m.State())
			})
		}
	})

	t.Run("transform width mismatch", func(t *testing.T) {
		_, tr, err := preprocess.New().FitTransform(sampleRecords(4))
		require.NoError(t, err)

		data, labels := generateTestData(20)
		err = New().Train(data, labels, tr)
		assert.ErrorIs(t, err, ErrInvalidTrainingData)
	})

	t.Run("alternate ensemble needs normal rows", func(t *testing.T) {
		m := New(WithKind(AlternateEnsemble))
		err := m.Train([][]float64{{1}, {2}}, []int{1, 1}, nil)
		assert.ErrorIs(t, err, ErrInvalidTrainingData)
	})
}

func TestPredictWidth(t *testing.T) {
	data, labels := generateTestData(30)
	m := New()
	require.NoError(t, m.Train(data, labels, nil))

	_, err := m.Predict([][]float64{{1, 2}})
	assert.ErrorIs(t, err, ErrInvalidFeatures)
	_, err = m.PredictProbability([][]float64{{1, 2, 3, 4}})
	assert.ErrorIs(t, err, ErrInvalidFeatures)
}

func TestPredictProbability(t *testing.T) {
	data, labels := generateTestData(200)

	t.Run("native probabilities", func(t *testing.T) {
		m := New(WithKind(RandomForest))
		require.NoError(t, m.Train(data, labels, nil))

		probs, err := m.PredictProbability(data)
		require.NoError(t, err)
		require.Len(t, probs, len(data))
		for _, p := range probs {
			assert.InDelta(t, 1.0, p[0]+p[1], 1e-9)
		}
	})

	t.Run("derived from predictions", func(t *testing.T) {
		m := New(WithKind(AlternateEnsemble))
		require.NoError(t, m.Train(data, labels, nil))

		samples := append([][]float64{{40, 40, 40}}, data...)
		preds, err := m.Predict(samples)
		require.NoError(t, err)
		probs, err := m.PredictProbability(samples)
		require.NoError(t, err)

		require.Len(t, probs, len(preds))
		assert.Equal(t, 1, preds[0])
		for i, p := range preds {
			if p == 1 {
				assert.Equal(t, [2]float64{0, 1}, probs[i])
			} else {
				assert.Equal(t, [2]float64{1, 0}, probs[i])
			}
		}
	})
}

func TestEvaluate(t *testing.T) {
	t.Run("all negative", func(t *testing.T) {
		data, _ := generateTestData(20)
		zeros := make([]int, len(data))

		m := New()
		require.NoError(t, m.Train(data, zeros, nil))

		r, err := m.Evaluate(data, zeros)
		require.NoError(t, err)
		assert.Equal(t, 1.0, r.Accuracy)
		assert.Equal(t, 0.0, r.Precision)
		assert.Equal(t, 0.0, r.Recall)
		assert.Equal(t, 0.0, r.F1)
	})

	t.Run("separable", func(t *testing.T) {
		data, labels := generateTestData(100)
		m := New()
		require.NoError(t, m.Train(data, labels, nil))

		r, err := m.Evaluate(data, labels)
		require.NoError(t, err)
		assert.Equal(t, 1.0, r.Accuracy)
		assert.Equal(t, 1.0, r.F1)
		assert.Equal(t, 50, r.Confusion.TruePositives())
	})
}

func TestSaveLoad(t *testing.T) {
	data, labels := generateTestData(150)
	samples, _ := generateTestData(40)

	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			dir := t.TempDir()
			modelPath := filepath.Join(dir, "nested", "dir", "model.bin")

			original := New(WithKind(kind))
			require.NoError(t, original.Train(data, labels, nil))
			require.NoError(t, original.Save(modelPath, ""))
			assert.FileExists(t, modelPath)

			loaded := New()
			require.NoError(t, loaded.Load(modelPath, ""))
			assert.Equal(t, Trained, loaded.State())
			assert.Equal(t, kind, loaded.Kind())
			assert.Equal(t, original.ID(), loaded.ID())
			assert.True(t, original.TrainedAt().Equal(loaded.TrainedAt()))

			want, err := original.Predict(samples)
			require.NoError(t, err)
			got, err := loaded.Predict(samples)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			wantProbs, err := original.PredictProbability(samples)
			require.NoError(t, err)
			gotProbs, err := loaded.PredictProbability(samples)
			require.NoError(t, err)
			assert.Equal(t, wantProbs, gotProbs)

			sidecar := filepath.Join(dir, "nested", "dir", "model_importances.json")
			if kind == AlternateEnsemble {
				assert.NoFileExists(t, sidecar)
				assert.Nil(t, loaded.FeatureImportances())
			} else {
				assert.FileExists(t, sidecar)
				assert.Equal(t, original.FeatureImportances(), loaded.FeatureImportances())
			}
		})
	}
}

func TestSaveLoadTransform(t *testing.T) {
	records := sampleRecords(40)
	labels := make([]int, len(records))
	for i := range labels {
		labels[i] = i % 2
	}

	p := preprocess.New(preprocess.WithLabeler(preprocess.StaticLabels(labels)))
	split, err := p.PrepareForTraining(records, 0.25, 1)
	require.NoError(t, err)

	original := New(WithKind(RandomForest))
	require.NoError(t, original.Train(split.TrainFeatures, split.TrainLabels, split.Transform))
	require.Same(t, split.Transform, original.Transform())

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.bin")
	transformPath := filepath.Join(dir, "transform.bin")
	require.NoError(t, original.Save(modelPath, transformPath))

	loaded := New()
	require.NoError(t, loaded.Load(modelPath, transformPath))
	require.NotNil(t, loaded.Transform())
	assert.Equal(t, split.Transform, loaded.Transform())

	// Inference path: reuse the loaded transform on fresh records.
	fresh := sampleRecords(5)
	x, err := p.Apply(fresh, loaded.Transform())
	require.NoError(t, err)

	want, err := original.Predict(x)
	require.NoError(t, err)
	got, err := loaded.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	t.Run("load without transform clears it", func(t *testing.T) {
		require.NoError(t, loaded.Load(modelPath, ""))
		assert.Nil(t, loaded.Transform())
	})

	t.Run("transform path ignored without transform", func(t *testing.T) {
		data, labels := generateTestData(20)
		m := New()
		require.NoError(t, m.Train(data, labels, nil))

		path := filepath.Join(dir, "unused-transform.bin")
		require.NoError(t, m.Save(filepath.Join(dir, "other.bin"), path))
		assert.NoFileExists(t, path)
	})
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing model", func(t *testing.T) {
		path := filepath.Join(dir, "absent.bin")
		err := New().Load(path, "")
		assert.ErrorIs(t, err, ErrArtifactNotFound)
		assert.Contains(t, err.Error(), path)
	})

	t.Run("corrupt model", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.bin")
		require.NoError(t, os.WriteFile(path, []byte("definitely not a model"), 0o644))
		assert.ErrorIs(t, New().Load(path, ""), ErrArtifactCorrupt)
	})

	data, labels := generateTestData(30)
	trained := New()
	require.NoError(t, trained.Train(data, labels, nil))
	modelPath := filepath.Join(dir, "good.bin")
	require.NoError(t, trained.Save(modelPath, ""))

	t.Run("missing transform", func(t *testing.T) {
		err := New().Load(modelPath, filepath.Join(dir, "absent-transform.bin"))
		assert.ErrorIs(t, err, ErrArtifactNotFound)
	})

	t.Run("corrupt transform", func(t *testing.T) {
		path := filepath.Join(dir, "bad-transform.bin")
		require.NoError(t, os.WriteFile(path, []byte{0xde, 0xad}, 0o644))
		assert.ErrorIs(t, New().Load(modelPath, path), ErrArtifactCorrupt)
	})

	t.Run("corrupt sidecar", func(t *testing.T) {
		sidecar := ImportancesPath(modelPath)
		original, err := os.ReadFile(sidecar)
		require.NoError(t, err)
		t.Cleanup(func() { os.WriteFile(sidecar, original, 0o644) })

		for _, content := range []string{
			`{"feature_importances": "high"}`,
			`{"importances": [0.5, 0.5]}`,
			`{"feature_importances": [0.5, 0.5]}`,
			`not json`,
		} {
			require.NoError(t, os.WriteFile(sidecar, []byte(content), 0o644))
			assert.ErrorIs(t, New().Load(modelPath, ""), ErrArtifactCorrupt, content)
		}
	})

	t.Run("failed load keeps state", func(t *testing.T) {
		m := New()
		require.NoError(t, m.Train(data, labels, nil))
		id := m.ID()

		require.Error(t, m.Load(filepath.Join(dir, "absent.bin"), ""))
		assert.Equal(t, Trained, m.State())
		assert.Equal(t, id, m.ID())
	})
}

func TestSidecarFailure(t *testing.T) {
	data, labels := generateTestData(30)
	m := New()
	require.NoError(t, m.Train(data, labels, nil))

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.bin")
	sidecar := ImportancesPath(modelPath)
	require.NoError(t, os.Mkdir(sidecar, 0o755))

	err := m.Save(modelPath, "")
	assert.ErrorIs(t, err, ErrSidecarWrite)
	assert.FileExists(t, modelPath)

	require.NoError(t, os.Remove(sidecar))
	loaded := New()
	require.NoError(t, loaded.Load(modelPath, ""))
	assert.Nil(t, loaded.FeatureImportances())

	want, err := m.Predict(data)
	require.NoError(t, err)
	got, err := loaded.Predict(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveRemovesStaleImportances(t *testing.T) {
	data, labels := generateTestData(60)
	modelPath := filepath.Join(t.TempDir(), "model.bin")
	sidecar := ImportancesPath(modelPath)

	tree := New(WithKind(DecisionTree))
	require.NoError(t, tree.Train(data, labels, nil))
	require.NoError(t, tree.Save(modelPath, ""))
	require.FileExists(t, sidecar)

	ensemble := New(WithKind(AlternateEnsemble))
	require.NoError(t, ensemble.Train(data, labels, nil))
	require.NoError(t, ensemble.Save(modelPath, ""))
	assert.NoFileExists(t, sidecar)

	loaded := New()
	require.NoError(t, loaded.Load(modelPath, ""))
	assert.Equal(t, AlternateEnsemble, loaded.Kind())
	assert.Nil(t, loaded.FeatureImportances())

	// Saving without importances when no sidecar exists is not an error.
	require.NoError(t, ensemble.Save(modelPath, ""))
}

func TestConcurrentLoadAndBuild(t *testing.T) {
	data, labels := generateTestData(40)
	modelPath := filepath.Join(t.TempDir(), "model.bin")

	saved := New(WithKind(RandomForest), WithSeed(7))
	require.NoError(t, saved.Train(data, labels, nil))
	require.NoError(t, saved.Save(modelPath, ""))

	m := New(WithSeed(7))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, m.Load(modelPath, ""))
				return
			}
			_, err := m.Build(DecisionTree)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.NoError(t, m.Load(modelPath, ""))
	assert.Equal(t, RandomForest, m.Kind())
	assert.Equal(t, Trained, m.State())
}

func TestImportancesPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "models/model.pkl", want: "models/model_importances.json"},
		{in: "models/model", want: "models/model_importances.json"},
		{in: "a.b/model.tar.zst", want: "a.b/model.tar_importances.json"},
		{in: ".model", want: ".model_importances.json"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ImportancesPath(tt.in))
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	data, labels := generateTestData(30)

	m := New(WithRegisterer(reg))
	require.NoError(t, m.Train(data, labels, nil))
	require.Error(t, m.Train(nil, nil, nil))

	_, err := m.Predict(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, m.Save(path, ""))

	// A second model shares the registered collectors.
	other := New(WithRegisterer(reg))
	require.NoError(t, other.Load(path, ""))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.inst.trainings.WithLabelValues("decision-tree", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inst.trainings.WithLabelValues("decision-tree", "error")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.inst.predictions.WithLabelValues("decision-tree", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(other.inst.artifacts.WithLabelValues("save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(other.inst.artifacts.WithLabelValues("load", "ok")))
}

// generateTestData returns two gaussian clusters in the first two features
// plus a noise feature, alternating labels 0 and 1.
func generateTestData(n int) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(1))
	data := make([][]float64, n)
	labels := make([]int, n)
	for i := range data {
		center := -2.0
		if i%2 == 1 {
			center = 2.0
			labels[i] = 1
		}
		data[i] = []float64{
			center + rng.NormFloat64()*0.3,
			center + rng.NormFloat64()*0.3,
			rng.NormFloat64(),
		}
	}
	return data, labels
}

func sampleRecords(n int) []packet.Record {
	records := make([]packet.Record, n)
	for i := range records {
		proto := "TCP"
		if i%3 == 0 {
			proto = "UDP"
		}
		records[i] = packet.Record{
			packet.Length:            100 + (i%7)*40,
			packet.SrcIP:             fmt.Sprintf("192.168.1.%d", i+1),
			packet.DstIP:             "10.0.0.1",
			packet.TTL:               64 - i%5,
			packet.SrcPort:           12345 + i,
			packet.DstPort:           80,
			packet.TransportProtocol: proto,
		}
	}
	return records
}
