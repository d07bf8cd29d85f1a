package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"deepcase/internal/errs"
)

// Config is the root configuration.
type Config struct {
	DeepCASE DeepCASEConfig `yaml:"deepcase"`
}

// DeepCASEConfig is the project configuration.
type DeepCASEConfig struct {
	Sequence    SequenceConfig    `yaml:"sequence"`
	Encoder     EncoderConfig     `yaml:"encoder"`
	Train       TrainConfig       `yaml:"train"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Input       InputConfig       `yaml:"input"`
	Rules       RulesConfig       `yaml:"rules"`
	Models      ModelsConfig      `yaml:"models"`
	Labels      LabelsConfig      `yaml:"labels"`
	Output      OutputConfig      `yaml:"output"`
	Review      ReviewConfig      `yaml:"review"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SequenceConfig controls context window construction.
type SequenceConfig struct {
	Length  int     `yaml:"length"`
	Timeout float64 `yaml:"timeout"` // seconds
}

// EncoderConfig controls the context encoder shape.
type EncoderConfig struct {
	Hidden int     `yaml:"hidden"`
	Delta  float64 `yaml:"delta"`
	Events string  `yaml:"events"` // auto|<n>
	Device string  `yaml:"device"` // auto|cpu
}

// TrainConfig controls encoder training.
type TrainConfig struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch"`
	LearningRate float64 `yaml:"learning_rate"`
	TeachRatio   float64 `yaml:"teach_ratio"`
	Seed         int64   `yaml:"seed"`
}

// InterpreterConfig controls clustering and decisions.
type InterpreterConfig struct {
	Confidence  float64 `yaml:"confidence"`
	Epsilon     float64 `yaml:"epsilon"`
	MinSamples  int     `yaml:"min_samples"`
	Iterations  int     `yaml:"iterations"`
	BatchSize   int     `yaml:"batch_size"`
	Strategy    string  `yaml:"strategy"` // max|min|avg
	Workers     int     `yaml:"workers"`
	CarryLabels bool    `yaml:"carry_labels"`
}

// InputConfig selects the event source.
type InputConfig struct {
	Mode  string      `yaml:"mode"` // csv|txt|sysmon|redis
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls a Redis connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// RulesConfig controls Sigma tagging of Sysmon records.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ArtifactConfig names where an artifact is saved to and loaded from.
type ArtifactConfig struct {
	Save string `yaml:"save"`
	Load string `yaml:"load"`
}

// ModelsConfig controls persisted artifacts.
type ModelsConfig struct {
	Sequences   ArtifactConfig `yaml:"sequences"`
	Encoder     ArtifactConfig `yaml:"encoder"`
	Interpreter ArtifactConfig `yaml:"interpreter"`
}

// LabelsConfig controls the analyst label store.
type LabelsConfig struct {
	Store  string       `yaml:"store"` // none|sqlite|redis
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

// SQLiteConfig config for the SQLite label store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// OutputConfig controls decision output.
type OutputConfig struct {
	Mode       string                 `yaml:"mode"` // none|file|http|clickhouse|kafka
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
	Kafka      KafkaOutputConfig      `yaml:"kafka"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	Breaker BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig controls the circuit breaker around the HTTP sink.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// KafkaOutputConfig config for the Kafka decision topic.
type KafkaOutputConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ReviewConfig controls the manual-mode report.
type ReviewConfig struct {
	Path string `yaml:"path"` // empty writes to stdout
}

// MetricsConfig controls Prometheus metrics for batch runs.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// Default returns a config holding the defaults of the settings for which
// zero is a valid value. Keys absent from a loaded file keep these values.
func Default() *Config {
	cfg := &Config{}
	cfg.DeepCASE.Encoder.Delta = 0.1
	cfg.DeepCASE.Train.TeachRatio = 0.5
	cfg.DeepCASE.Interpreter.Confidence = 0.2
	return cfg
}

// LoadConfig reads and parses a YAML config file on top of Default. ${VAR}
// references are expanded from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// EventCount resolves the events setting: 0 for auto, otherwise the fixed
// number of event types.
func (c EncoderConfig) EventCount() (int, error) {
	if c.Events == "" || c.Events == "auto" {
		return 0, nil
	}
	n, err := strconv.Atoi(c.Events)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: events must be auto or a positive integer, got %q", errs.ErrInvalidConfig, c.Events)
	}
	return n, nil
}

// Validate checks value ranges after defaults were applied.
func (c *Config) Validate() error {
	d := c.DeepCASE
	checks := []struct {
		ok  bool
		msg string
	}{
		{d.Sequence.Length >= 1, fmt.Sprintf("sequence.length must be >= 1, got %d", d.Sequence.Length)},
		{d.Sequence.Timeout > 0, fmt.Sprintf("sequence.timeout must be > 0, got %v", d.Sequence.Timeout)},
		{d.Encoder.Hidden >= 1, fmt.Sprintf("encoder.hidden must be >= 1, got %d", d.Encoder.Hidden)},
		{d.Encoder.Delta >= 0 && d.Encoder.Delta < 1, fmt.Sprintf("encoder.delta must be in [0,1), got %v", d.Encoder.Delta)},
		{d.Encoder.Device == "auto" || d.Encoder.Device == "cpu", fmt.Sprintf("encoder.device must be auto or cpu, got %q", d.Encoder.Device)},
		{d.Train.Epochs >= 1, fmt.Sprintf("train.epochs must be >= 1, got %d", d.Train.Epochs)},
		{d.Train.BatchSize >= 1, fmt.Sprintf("train.batch must be >= 1, got %d", d.Train.BatchSize)},
		{d.Train.LearningRate > 0, fmt.Sprintf("train.learning_rate must be > 0, got %v", d.Train.LearningRate)},
		{d.Train.TeachRatio >= 0 && d.Train.TeachRatio <= 1, fmt.Sprintf("train.teach_ratio must be in [0,1], got %v", d.Train.TeachRatio)},
		{d.Interpreter.Confidence >= 0 && d.Interpreter.Confidence <= 1, fmt.Sprintf("interpreter.confidence must be in [0,1], got %v", d.Interpreter.Confidence)},
		{d.Interpreter.Epsilon > 0, fmt.Sprintf("interpreter.epsilon must be > 0, got %v", d.Interpreter.Epsilon)},
		{d.Interpreter.MinSamples >= 1, fmt.Sprintf("interpreter.min_samples must be >= 1, got %d", d.Interpreter.MinSamples)},
		{d.Interpreter.Iterations >= 0, fmt.Sprintf("interpreter.iterations must be >= 0, got %d", d.Interpreter.Iterations)},
		{d.Interpreter.BatchSize >= 1, fmt.Sprintf("interpreter.batch_size must be >= 1, got %d", d.Interpreter.BatchSize)},
		{oneOf(d.Interpreter.Strategy, "max", "min", "avg"), fmt.Sprintf("interpreter.strategy must be max, min or avg, got %q", d.Interpreter.Strategy)},
		{oneOf(d.Input.Mode, "csv", "txt", "sysmon", "redis"), fmt.Sprintf("unknown input.mode %q", d.Input.Mode)},
		{oneOf(d.Labels.Store, "none", "sqlite", "redis"), fmt.Sprintf("unknown labels.store %q", d.Labels.Store)},
		{oneOf(d.Output.Mode, "none", "file", "http", "clickhouse", "kafka"), fmt.Sprintf("unknown output.mode %q", d.Output.Mode)},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("%w: %s", errs.ErrInvalidConfig, check.msg)
		}
	}
	if _, err := d.Encoder.EventCount(); err != nil {
		return err
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
