package model

import "errors"

var (
	ErrUnsupportedModelKind = errors.New("unsupported model kind")
	ErrModelNotTrained      = errors.New("model has not been trained yet")
	ErrInvalidTrainingData  = errors.New("invalid training data")
	ErrInvalidFeatures      = errors.New("invalid feature matrix")
	ErrArtifactNotFound     = errors.New("model artifact not found")
	ErrArtifactCorrupt      = errors.New("model artifact corrupt")
	ErrSidecarWrite         = errors.New("feature importances not written")
)
