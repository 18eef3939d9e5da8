package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/hed1ad/packetguard/pkg/preprocess"
	"github.com/hed1ad/packetguard/pkg/report"
)

const metricsCmdName = "metrics"

func (a *app) metricsCmd() *cobra.Command {
	var (
		dataPath    string
		labelColumn string
	)

	cmd := &cobra.Command{
		Use:   metricsCmdName,
		Short: "Evaluate a saved model and print its metrics as JSON",
		Long: `Metrics loads a saved model, scores it against labeled records and prints
accuracy, precision, recall, F1, the confusion matrix, the model type, its
training date and, when available, its feature importances as one JSON
object. Any failure prints {"error": "..."} instead and exits with status 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("label-column") {
				a.cfg.Data.LabelColumn = labelColumn
			}

			m, err := a.loadModel()
			if err != nil {
				return err
			}
			if m.Transform() == nil {
				return errors.New("model has no feature transform")
			}

			records, err := a.readRecords(dataPath)
			if err != nil {
				return err
			}

			p := preprocess.New(
				preprocess.WithLabeler(preprocess.AttributeLabeler(a.cfg.Data.LabelColumn)),
				preprocess.WithLogger(a.logger.Named("preprocess")),
			)
			labels, err := p.Labels(records)
			if err != nil {
				return err
			}
			x, err := p.Apply(records, m.Transform())
			if err != nil {
				return err
			}

			r, err := m.Evaluate(x, labels)
			if err != nil {
				return err
			}

			return report.Write(cmd.OutOrStdout(), report.New(r, string(m.Kind()), m.TrainedAt(), m.FeatureImportances()))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dataPath, "data", "", "labeled records to evaluate against (CSV, or pcap/pcapng)")
	flags.StringVar(&labelColumn, "label-column", "", "attribute holding the 0/1 class")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}
