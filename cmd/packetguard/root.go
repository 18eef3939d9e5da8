package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hed1ad/packetguard/internal/config"
	pgio "github.com/hed1ad/packetguard/pkg/io"
	"github.com/hed1ad/packetguard/pkg/io/csv"
	"github.com/hed1ad/packetguard/pkg/io/pcap"
	"github.com/hed1ad/packetguard/pkg/model"
	"github.com/hed1ad/packetguard/pkg/packet"
)

// app carries state shared by all commands of one invocation.
type app struct {
	stderr   io.Writer
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	// Persistent flags
	configPath    string
	modelPath     string
	transformPath string
	logLevel      string
	textfile      string
}

func newApp(stderr io.Writer) *app {
	return &app{
		stderr:   stderr,
		cfg:      config.Default(),
		logger:   zap.NewNop(),
		registry: prometheus.NewRegistry(),
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "packetguard",
		Short:         "Classify network packets as normal or anomalous",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&a.modelPath, "model", "", "model file (default from config)")
	flags.StringVar(&a.transformPath, "transform", "", "feature transform file (default from config)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.textfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(a.trainCmd(), a.predictCmd(), a.metricsCmd())
	return root
}

// setup loads the configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
	}

	flags := cmd.Flags()
	if flags.Changed("model") {
		a.cfg.Model.Path = a.modelPath
	}
	if flags.Changed("transform") {
		a.cfg.Model.TransformPath = a.transformPath
	}
	if flags.Changed("log-level") {
		a.cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("metrics-textfile") {
		a.cfg.Metrics.Textfile = a.textfile
	}

	logger, err := newLogger(a.cfg.Logging, a.stderr)
	if err != nil {
		return err
	}
	a.logger = logger

	return nil
}

// finish writes the metrics text file if one is configured and flushes logs.
func (a *app) finish() error {
	defer func() { _ = a.logger.Sync() }()

	if a.cfg.Metrics.Textfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, a.registry); err != nil {
		a.logger.Error("failed to write metrics", zap.String("path", a.cfg.Metrics.Textfile), zap.Error(err))
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func (a *app) newModel(kind model.Kind) *model.Model {
	return model.New(
		model.WithKind(kind),
		model.WithSeed(a.cfg.Model.Seed),
		model.WithLogger(a.logger.Named("model")),
		model.WithRegisterer(a.registry),
	)
}

// loadModel restores the configured model together with its transform.
func (a *app) loadModel() (*model.Model, error) {
	m := a.newModel(model.DecisionTree)
	if err := m.Load(a.cfg.Model.Path, a.cfg.Model.TransformPath); err != nil {
		return nil, err
	}
	return m, nil
}

// readRecords loads records from a capture file or, for any other
// extension, a CSV file.
func (a *app) readRecords(path string) ([]packet.Record, error) {
	var (
		r   pgio.Reader
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcap", ".pcapng", ".cap":
		r, err = pcap.NewFileReader(path)
	default:
		r, err = csv.NewReader(path)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	records, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	a.logger.Info("records loaded", zap.String("path", path), zap.Int("records", len(records)))
	return records, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var (
		enc  zapcore.Encoder
		opts = []zap.Option{zap.AddCaller()}
	)
	if cfg.Development {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		opts = append(opts, zap.Development())
	} else {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)
	return zap.New(core, opts...), nil
}
