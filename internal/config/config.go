package config

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/packetguard/pkg/model"
	"github.com/hed1ad/packetguard/pkg/packet"
	"github.com/hed1ad/packetguard/pkg/preprocess"
)

const (
	DefaultModelType     = string(model.DecisionTree)
	DefaultModelPath     = "models/model.bin"
	DefaultTransformPath = "models/transform.bin"
	DefaultLogLevel      = "info"
)

// Config holds the settings shared by the CLI commands.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Data    DataConfig    `yaml:"data"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ModelConfig selects the classifier and where its artifacts live.
type ModelConfig struct {
	Type          string `yaml:"type"`
	Seed          int64  `yaml:"seed"`
	Path          string `yaml:"path"`
	TransformPath string `yaml:"transform_path"`
}

// DataConfig controls how training data is labeled and split.
type DataConfig struct {
	TestSize    float64 `yaml:"test_size"`
	LabelColumn string  `yaml:"label_column"`
}

// LoggingConfig selects the logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig controls the Prometheus text file written after a run.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{
		Model: ModelConfig{Seed: preprocess.DefaultSeed},
	}
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that defaults cannot repair.
func Validate(cfg Config) error {
	if _, err := model.ParseKind(cfg.Model.Type); err != nil {
		return fmt.Errorf("model.type: %w", err)
	}
	if cfg.Data.TestSize <= 0 || cfg.Data.TestSize >= 1 {
		return fmt.Errorf("data.test_size must be in (0, 1), got %v", cfg.Data.TestSize)
	}
	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Model.Type == "" {
		cfg.Model.Type = DefaultModelType
	}
	if cfg.Model.Path == "" {
		cfg.Model.Path = DefaultModelPath
	}
	if cfg.Model.TransformPath == "" {
		cfg.Model.TransformPath = DefaultTransformPath
	}
	if cfg.Data.TestSize == 0 {
		cfg.Data.TestSize = preprocess.DefaultTestFraction
	}
	if cfg.Data.LabelColumn == "" {
		cfg.Data.LabelColumn = packet.Label
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
}
