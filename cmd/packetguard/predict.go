package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	pgio "github.com/hed1ad/packetguard/pkg/io"
	"github.com/hed1ad/packetguard/pkg/io/jsonl"
	"github.com/hed1ad/packetguard/pkg/packet"
	"github.com/hed1ad/packetguard/pkg/preprocess"
)

func (a *app) predictCmd() *cobra.Command {
	var (
		dataPath   string
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Classify records with a saved model",
		Long: `Predict loads a saved model and its feature transform, classifies every
record and writes one JSON line per record with its index, predicted class,
anomaly probability and capture timestamp when known.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			p := preprocess.New(preprocess.WithLogger(a.logger.Named("preprocess")))
			x, err := p.Apply(records, m.Transform())
			if err != nil {
				return err
			}

			preds, err := m.Predict(x)
			if err != nil {
				return err
			}
			probs, err := m.PredictProbability(x)
			if err != nil {
				return err
			}

			results := make([]pgio.Result, len(preds))
			var anomalies int
			for i, pred := range preds {
				results[i] = pgio.Result{
					Index:       i,
					Prediction:  pred,
					Probability: probs[i][1],
				}
				if ts, err := records[i].Float(packet.Time); err == nil {
					results[i].Timestamp = ts
				}
				anomalies += pred
			}

			if outputPath == "" || outputPath == "-" {
				w := jsonl.NewWriter(cmd.OutOrStdout())
				if err := w.WriteAll(results); err != nil {
					return err
				}
				if err := w.Flush(); err != nil {
					return err
				}
			} else {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				w := jsonl.NewWriter(f)
				if err := w.WriteAll(results); err != nil {
					w.Close()
					return err
				}
				if err := w.Close(); err != nil {
					return err
				}
			}

			a.logger.Info("prediction complete",
				zap.Int("records", len(results)),
				zap.Int("anomalies", anomalies),
				zap.String("output", outputPath),
			)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dataPath, "data", "", "records to classify (CSV, or pcap/pcapng)")
	flags.StringVarP(&outputPath, "output", "o", "-", "JSON lines output file, - for stdout")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}
