package model

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hed1ad/packetguard/pkg/classifiers"
	"github.com/hed1ad/packetguard/pkg/preprocess"
)

const artifactVersion = 1

// artifact is the gob payload of a model file, stored zstd-compressed.
type artifact struct {
	Version    int
	ID         string
	Kind       string
	TrainedAt  time.Time
	Features   int
	Classifier []byte
}

// importancesFile is the JSON sidecar written next to the model file.
type importancesFile struct {
	FeatureImportances []float64 `json:"feature_importances"`
}

const importancesSchema = `{
	"type": "object",
	"required": ["feature_importances"],
	"properties": {
		"feature_importances": {
			"type": "array",
			"items": {"type": "number"}
		}
	}
}`

// ImportancesPath returns the sidecar path for modelPath:
// the model path without its extension, suffixed with _importances.json.
func ImportancesPath(modelPath string) string {
	base := filepath.Base(modelPath)
	ext := filepath.Ext(base)
	if ext == base {
		ext = ""
	}
	return strings.TrimSuffix(modelPath, ext) + "_importances.json"
}

// Save writes the model to modelPath, the Transform to transformPath when
// both are present, and the importances sidecar when importances exist.
// Without importances any existing sidecar is removed. Parent directories
// are created. The model file is complete before the
// other files are touched; a failed sidecar write returns ErrSidecarWrite
// with the model file already in place.
func (m *Model) Save(modelPath, transformPath string) (err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defer func() {
		m.inst.artifacts.WithLabelValues("save", outcome(err)).Inc()
	}()

	if m.state != Trained {
		return ErrModelNotTrained
	}

	blob, err := m.classifier.Save()
	if err != nil {
		return fmt.Errorf("serialize classifier: %w", err)
	}

	a := artifact{
		Version:    artifactVersion,
		ID:         m.id,
		Kind:       string(m.kind),
		TrainedAt:  m.trainedAt,
		Features:   m.nFeatures,
		Classifier: blob,
	}
	err = writeFile(modelPath, func(w io.Writer) error {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		return multierr.Append(gob.NewEncoder(enc).Encode(a), enc.Close())
	})
	if err != nil {
		return fmt.Errorf("write model %s: %w", modelPath, err)
	}

	if transformPath != "" && m.transform != nil {
		data, err := m.transform.MarshalBinary()
		if err != nil {
			return fmt.Errorf("serialize transform: %w", err)
		}
		if err := writeFile(transformPath, bytesWriter(data)); err != nil {
			return fmt.Errorf("write transform %s: %w", transformPath, err)
		}
	}

	path := ImportancesPath(modelPath)
	if m.importances != nil {
		data, err := json.Marshal(importancesFile{FeatureImportances: m.importances})
		if err == nil {
			err = writeFile(path, bytesWriter(data))
		}
		if err != nil {
			m.logger.Warn("feature importances not saved", zap.String("path", path), zap.Error(err))
			return fmt.Errorf("%w: %s: %w", ErrSidecarWrite, path, err)
		}
	} else if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// Importances of a model previously saved here must not outlive it.
		m.logger.Warn("stale feature importances not removed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrSidecarWrite, path, err)
	}

	m.logger.Info("model saved",
		zap.String("kind", string(m.kind)),
		zap.String("id", m.id),
		zap.String("path", modelPath),
		zap.String("transform", transformPath),
	)

	return nil
}

// Load replaces all state with the model stored at modelPath, the Transform
// at transformPath if given, and the importances sidecar if one exists.
func (m *Model) Load(modelPath, transformPath string) (err error) {
	defer func() {
		m.inst.artifacts.WithLabelValues("load", outcome(err)).Inc()
	}()

	a, err := readArtifact(modelPath)
	if err != nil {
		return err
	}

	kind, err := ParseKind(a.Kind)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, modelPath, err)
	}

	m.mu.RLock()
	seed := m.seed
	m.mu.RUnlock()

	c, err := newClassifier(kind, seed)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, modelPath, err)
	}
	if err := c.Load(a.Classifier); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, modelPath, err)
	}

	var transform *preprocess.Transform
	if transformPath != "" {
		transform, err = readTransform(transformPath)
		if err != nil {
			return err
		}
		if transform.Width() != a.Features {
			return fmt.Errorf("%w: %s produces %d columns, model expects %d", ErrArtifactCorrupt, transformPath, transform.Width(), a.Features)
		}
	}

	importances, err := readImportances(ImportancesPath(modelPath))
	if err != nil {
		return err
	}
	if importances != nil && len(importances) != a.Features {
		return fmt.Errorf("%w: %d importances for %d features", ErrArtifactCorrupt, len(importances), a.Features)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.bind(kind, c)
	m.id = a.ID
	m.trainedAt = a.TrainedAt
	m.nFeatures = a.Features
	m.transform = transform
	m.importances = importances
	m.state = Trained

	m.logger.Info("model loaded",
		zap.String("kind", string(kind)),
		zap.String("id", a.ID),
		zap.String("path", modelPath),
		zap.Bool("transform", transform != nil),
		zap.Bool("importances", importances != nil),
	)

	return nil
}

func readArtifact(path string) (artifact, error) {
	f, err := open(path)
	if err != nil {
		return artifact{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return artifact{}, fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, path, err)
	}
	defer dec.Close()

	var a artifact
	if err := gob.NewDecoder(dec).Decode(&a); err != nil {
		return artifact{}, fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, path, err)
	}
	if a.Version != artifactVersion {
		return artifact{}, fmt.Errorf("%w: %s: unsupported version %d", ErrArtifactCorrupt, path, a.Version)
	}
	if a.Features < 1 {
		return artifact{}, fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, path, classifiers.ErrEmptyData)
	}

	return a, nil
}

func readTransform(path string) (*preprocess.Transform, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read transform %s: %w", path, err)
	}

	var t preprocess.Transform
	if err := t.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, path, err)
	}
	return &t, nil
}

// readImportances returns nil without error when the sidecar does not exist.
func readImportances(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read importances %s: %w", path, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(importancesSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, path, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrArtifactCorrupt, path, strings.Join(msgs, "; "))
	}

	var f importancesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, path, err)
	}
	if f.FeatureImportances == nil {
		f.FeatureImportances = []float64{}
	}
	return f.FeatureImportances, nil
}

func open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	return f, err
}

// writeFile writes through a temporary file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFile(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	err = write(tmp)
	err = multierr.Append(err, tmp.Chmod(0o644))
	err = multierr.Append(err, tmp.Close())
	if err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func bytesWriter(data []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}
}
