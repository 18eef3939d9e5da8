package model

import (
	"fmt"
	"strings"

	"github.com/hed1ad/packetguard/pkg/classifiers"
	"github.com/hed1ad/packetguard/pkg/classifiers/forest"
	"github.com/hed1ad/packetguard/pkg/classifiers/iforest"
	"github.com/hed1ad/packetguard/pkg/classifiers/tree"
)

// Kind selects the classifier a Model builds.
type Kind string

const (
	DecisionTree      Kind = "decision-tree"
	RandomForest      Kind = "random-forest"
	AlternateEnsemble Kind = "alternate-ensemble"
)

// Kinds lists the supported kinds.
func Kinds() []Kind {
	return []Kind{DecisionTree, RandomForest, AlternateEnsemble}
}

// ParseKind accepts the canonical kind names and the underscore spellings
// decision_tree, random_forest and neural_network.
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	switch Kind(norm) {
	case DecisionTree, RandomForest, AlternateEnsemble:
		return Kind(norm), nil
	case "neural-network":
		return AlternateEnsemble, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedModelKind, s)
}

// Hyperparameters fixed per kind.
const (
	forestTrees      = 100
	isolationTrees   = 100
	isolationSamples = 256
)

func newClassifier(kind Kind, seed int64) (classifiers.Classifier, error) {
	cfg := classifiers.DefaultConfig()
	cfg.RandomSeed = seed

	switch kind {
	case DecisionTree:
		return tree.New(tree.WithConfig(cfg)), nil
	case RandomForest:
		return forest.New(forest.WithTrees(forestTrees), forest.WithConfig(cfg)), nil
	case AlternateEnsemble:
		return iforest.New(
			iforest.WithTrees(isolationTrees),
			iforest.WithSampleSize(isolationSamples),
			iforest.WithSeed(seed),
		), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedModelKind, string(kind))
}
