package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/packetguard/pkg/model"
	"github.com/hed1ad/packetguard/pkg/preprocess"
	"github.com/hed1ad/packetguard/pkg/report"
)

func (a *app) trainCmd() *cobra.Command {
	var (
		dataPath    string
		modelType   string
		seed        int64
		testSize    float64
		labelColumn string
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier on labeled records and save it",
		Long: `Train reads labeled records, fits the feature transform, trains the
selected classifier on the training split and scores it on the held-out split.
The model, its transform and its feature importances are saved, and the
evaluation is printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("type") {
				a.cfg.Model.Type = modelType
			}
			if flags.Changed("seed") {
				a.cfg.Model.Seed = seed
			}
			if flags.Changed("test-size") {
				a.cfg.Data.TestSize = testSize
			}
			if flags.Changed("label-column") {
				a.cfg.Data.LabelColumn = labelColumn
			}

			kind, err := model.ParseKind(a.cfg.Model.Type)
			if err != nil {
				return err
			}

			records, err := a.readRecords(dataPath)
			if err != nil {
				return err
			}

			p := preprocess.New(
				preprocess.WithLabeler(preprocess.AttributeLabeler(a.cfg.Data.LabelColumn)),
				preprocess.WithLogger(a.logger.Named("preprocess")),
			)
			split, err := p.PrepareForTraining(records, a.cfg.Data.TestSize, a.cfg.Model.Seed)
			if err != nil {
				return err
			}

			m := a.newModel(kind)
			if err := m.Train(split.TrainFeatures, split.TrainLabels, split.Transform); err != nil {
				return err
			}

			r, err := m.Evaluate(split.TestFeatures, split.TestLabels)
			if err != nil {
				return err
			}

			// A failed sidecar write leaves a usable model behind; Save has
			// already logged it.
			err = m.Save(a.cfg.Model.Path, a.cfg.Model.TransformPath)
			if err != nil && !errors.Is(err, model.ErrSidecarWrite) {
				return err
			}

			a.logger.Info("training complete",
				zap.String("kind", string(m.Kind())),
				zap.Float64("accuracy", r.Accuracy),
				zap.Float64("f1_score", r.F1),
				zap.String("model", a.cfg.Model.Path),
			)

			return report.Write(cmd.OutOrStdout(), report.New(r, string(m.Kind()), m.TrainedAt(), m.FeatureImportances()))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dataPath, "data", "", "labeled records (CSV, or pcap/pcapng)")
	flags.StringVar(&modelType, "type", "", "decision-tree, random-forest or alternate-ensemble")
	flags.Int64Var(&seed, "seed", preprocess.DefaultSeed, "random seed for the split and the classifier")
	flags.Float64Var(&testSize, "test-size", preprocess.DefaultTestFraction, "fraction of records held out for evaluation")
	flags.StringVar(&labelColumn, "label-column", "", "attribute holding the 0/1 class")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}
