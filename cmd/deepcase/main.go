package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"deepcase/config"
	inputredis "deepcase/internal/input/redis"
	"deepcase/internal/ingest"
	"deepcase/internal/labels"
	"deepcase/internal/logger"
	"deepcase/internal/metrics"
	"deepcase/internal/output/decisionclickhouse"
	"deepcase/internal/output/decisionhttp"
	"deepcase/internal/output/decisionjson"
	"deepcase/internal/output/decisionkafka"
	"deepcase/internal/pipeline"
	"deepcase/internal/rules"
)

const defaultConfigFile = "deepcase.yml"

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, defaultConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func loadConfig(configArg string) (*config.Config, string, error) {
	path := findConfigFile(configArg)
	if path == "" {
		cfg := config.Default()
		cfg.DeepCASE.Logging = config.LoggingConfig{Enabled: true, Console: true}
		return cfg, "", nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func applyDefaults(cfg *config.Config) {
	d := &cfg.DeepCASE

	if d.Sequence.Length <= 0 {
		d.Sequence.Length = 10
	}
	if d.Sequence.Timeout <= 0 {
		d.Sequence.Timeout = 86400
	}

	if d.Encoder.Hidden <= 0 {
		d.Encoder.Hidden = 128
	}
	if d.Encoder.Events == "" {
		d.Encoder.Events = "auto"
	}
	if d.Encoder.Device == "" {
		d.Encoder.Device = "auto"
	}

	if d.Train.Epochs <= 0 {
		d.Train.Epochs = 10
	}
	if d.Train.BatchSize <= 0 {
		d.Train.BatchSize = 128
	}
	if d.Train.LearningRate <= 0 {
		d.Train.LearningRate = 0.01
	}

	if d.Interpreter.Epsilon <= 0 {
		d.Interpreter.Epsilon = 0.1
	}
	if d.Interpreter.MinSamples <= 0 {
		d.Interpreter.MinSamples = 5
	}
	if d.Interpreter.Iterations <= 0 {
		d.Interpreter.Iterations = 100
	}
	if d.Interpreter.BatchSize <= 0 {
		d.Interpreter.BatchSize = 1024
	}
	if d.Interpreter.Strategy == "" {
		d.Interpreter.Strategy = "max"
	}
	if d.Interpreter.Workers <= 0 {
		d.Interpreter.Workers = 4
	}

	if d.Input.Mode == "" {
		d.Input.Mode = "csv"
	}
	if d.Input.Redis.Addr == "" {
		d.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if d.Input.Redis.Key == "" {
		d.Input.Redis.Key = "sysmon_events"
	}
	if d.Input.Redis.BlockTimeout == 0 {
		d.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if d.Labels.Store == "" {
		d.Labels.Store = "none"
	}
	if d.Labels.SQLite.Path == "" {
		d.Labels.SQLite.Path = "output/labels.db"
	}
	if d.Labels.Redis.Addr == "" {
		d.Labels.Redis.Addr = "127.0.0.1:6379"
	}

	if d.Output.Mode == "" {
		d.Output.Mode = "none"
	}
	if d.Output.File.Path == "" {
		d.Output.File.Path = "output/decisions.jsonl"
	}
	if d.Output.ClickHouse.Database == "" {
		d.Output.ClickHouse.Database = "deepcase"
	}
	if d.Output.ClickHouse.Table == "" {
		d.Output.ClickHouse.Table = "decisions"
	}
	if d.Output.Kafka.Topic == "" {
		d.Output.Kafka.Topic = "deepcase.decisions"
	}

	if d.Metrics.Job == "" {
		d.Metrics.Job = "deepcase"
	}

	if d.Logging.Level == "" {
		d.Logging.Level = "info"
	}
}

// modeFlags registers the command-line overrides shared by all modes.
type modeFlags struct {
	fs     *flag.FlagSet
	config string
	csv    string
	txt    string
	sysmon string

	length     int
	timeout    float64
	hidden     int
	delta      float64
	events     string
	device     string
	confidence float64
	epsilon    float64
	minSamples int
	epochs     int
	batch      int

	saveSequences, loadSequences     string
	saveBuilder, loadBuilder         string
	saveInterpreter, loadInterpreter string
}

func newModeFlags(name string) *modeFlags {
	f := &modeFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	fs := f.fs
	fs.StringVar(&f.config, "config", "", "YAML config file (default deepcase.yml)")
	fs.StringVar(&f.csv, "csv", "", "CSV input with timestamp,machine,event,label columns")
	fs.StringVar(&f.txt, "txt", "", "TXT input with one whitespace separated sequence per line")
	fs.StringVar(&f.sysmon, "sysmon", "", "Sysmon JSON lines input, tagged by Sigma rules")
	fs.IntVar(&f.length, "length", 10, "Number of preceding events in a context window")
	fs.Float64Var(&f.timeout, "timeout", 86400, "Maximum seconds between events of one session")
	fs.IntVar(&f.hidden, "hidden", 128, "Hidden dimension of the context encoder")
	fs.Float64Var(&f.delta, "delta", 0.1, "Label smoothing of the training loss")
	fs.StringVar(&f.events, "events", "auto", "Number of event types, or auto")
	fs.StringVar(&f.device, "device", "auto", "Compute device (auto|cpu)")
	fs.Float64Var(&f.confidence, "confidence", 0.2, "Minimum confidence to cluster or decide")
	fs.Float64Var(&f.epsilon, "epsilon", 0.1, "DBSCAN neighbourhood radius")
	fs.IntVar(&f.minSamples, "min_samples", 5, "DBSCAN minimum neighbourhood size")
	fs.IntVar(&f.epochs, "epochs", 10, "Training epochs")
	fs.IntVar(&f.batch, "batch", 128, "Training batch size")
	fs.StringVar(&f.saveSequences, "save-sequences", "", "Save the built dataset to this path")
	fs.StringVar(&f.loadSequences, "load-sequences", "", "Load the dataset from this path")
	fs.StringVar(&f.saveBuilder, "save-builder", "", "Save the trained encoder to this path")
	fs.StringVar(&f.loadBuilder, "load-builder", "", "Load the encoder from this path")
	fs.StringVar(&f.saveInterpreter, "save-interpreter", "", "Save the fitted interpreter to this path")
	fs.StringVar(&f.loadInterpreter, "load-interpreter", "", "Load the interpreter from this path")
	return f
}

// apply copies the flags given on the command line into cfg.
func (f *modeFlags) apply(cfg *config.Config) {
	d := &cfg.DeepCASE
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "csv":
			d.Input.Mode, d.Input.Path = "csv", f.csv
		case "txt":
			d.Input.Mode, d.Input.Path = "txt", f.txt
		case "sysmon":
			d.Input.Mode, d.Input.Path = "sysmon", f.sysmon
		case "length":
			d.Sequence.Length = f.length
		case "timeout":
			d.Sequence.Timeout = f.timeout
		case "hidden":
			d.Encoder.Hidden = f.hidden
		case "delta":
			d.Encoder.Delta = f.delta
		case "events":
			d.Encoder.Events = f.events
		case "device":
			d.Encoder.Device = f.device
		case "confidence":
			d.Interpreter.Confidence = f.confidence
		case "epsilon":
			d.Interpreter.Epsilon = f.epsilon
		case "min_samples":
			d.Interpreter.MinSamples = f.minSamples
		case "epochs":
			d.Train.Epochs = f.epochs
		case "batch":
			d.Train.BatchSize = f.batch
		case "save-sequences":
			d.Models.Sequences.Save = f.saveSequences
		case "load-sequences":
			d.Models.Sequences.Load = f.loadSequences
		case "save-builder":
			d.Models.Encoder.Save = f.saveBuilder
		case "load-builder":
			d.Models.Encoder.Load = f.loadBuilder
		case "save-interpreter":
			d.Models.Interpreter.Save = f.saveInterpreter
		case "load-interpreter":
			d.Models.Interpreter.Load = f.loadInterpreter
		}
	})
}

func openSource(d config.DeepCASEConfig) (pipeline.Source, func() error, error) {
	noop := func() error { return nil }
	if d.Models.Sequences.Load != "" {
		return nil, noop, nil
	}

	tagger := &ingest.Tagger{Engine: &rules.NoopEngine{}, KeepUntagged: !d.Rules.Enabled}
	if d.Rules.Enabled && (d.Input.Mode == "sysmon" || d.Input.Mode == "redis") {
		if strings.TrimSpace(d.Rules.Path) == "" {
			return nil, noop, fmt.Errorf("rules enabled but rules.path is empty")
		}
		engine, stats, err := rules.NewSigmaEngine(d.Rules.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("load sigma rules: %w", err)
		}
		logger.Infof("Sigma rules loaded: loaded=%d unsupported=%d other_source=%d invalid=%d files=%d",
			stats.Loaded, stats.Unsupported, stats.OtherSource, stats.Invalid, stats.Files)
		if stats.Loaded == 0 {
			logger.Warnf("No compatible Sigma rules loaded; every record will be dropped")
		}
		tagger.Engine = engine
	}

	switch d.Input.Mode {
	case "csv", "txt", "sysmon":
		if d.Input.Path == "" {
			return nil, noop, fmt.Errorf("input.path is empty for input mode %s", d.Input.Mode)
		}
		logger.Infof("Input: %s (%s)", d.Input.Mode, d.Input.Path)
		return &pipeline.FileSource{Format: d.Input.Mode, Path: d.Input.Path, Tagger: tagger}, noop, nil
	case "redis":
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:         d.Input.Redis.Addr,
			Password:     d.Input.Redis.Password,
			DB:           d.Input.Redis.DB,
			Key:          d.Input.Redis.Key,
			BlockTimeout: d.Input.Redis.BlockTimeout,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("create redis consumer: %w", err)
		}
		logger.Infof("Input: redis (%s/%s)", d.Input.Redis.Addr, d.Input.Redis.Key)
		return &pipeline.QueueSource{Queue: consumer, Tagger: tagger}, consumer.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown input mode: %s", d.Input.Mode)
	}
}

func openWriter(d config.DeepCASEConfig) (pipeline.DecisionWriter, error) {
	o := d.Output
	switch o.Mode {
	case "none":
		return nil, nil
	case "file":
		logger.Infof("Output mode: file (%s)", o.File.Path)
		return decisionjson.NewWriter(o.File.Path)
	case "http":
		logger.Infof("Output mode: http (%s)", o.HTTP.URL)
		return decisionhttp.NewWriter(decisionhttp.Config{
			URL:            o.HTTP.URL,
			Timeout:        o.HTTP.Timeout,
			Headers:        o.HTTP.Headers,
			MaxFailures:    o.HTTP.Breaker.MaxFailures,
			BreakerTimeout: o.HTTP.Breaker.Timeout,
		})
	case "clickhouse":
		logger.Infof("Output mode: clickhouse (%s/%s.%s)", o.ClickHouse.URL, o.ClickHouse.Database, o.ClickHouse.Table)
		return decisionclickhouse.NewWriter(decisionclickhouse.Config{
			URL:      o.ClickHouse.URL,
			Database: o.ClickHouse.Database,
			Table:    o.ClickHouse.Table,
			Username: o.ClickHouse.Username,
			Password: o.ClickHouse.Password,
			Timeout:  o.ClickHouse.Timeout,
			Headers:  o.ClickHouse.Headers,
		})
	case "kafka":
		logger.Infof("Output mode: kafka (%s)", o.Kafka.Topic)
		return decisionkafka.NewWriter(decisionkafka.Config{
			Brokers:      o.Kafka.Brokers,
			Topic:        o.Kafka.Topic,
			WriteTimeout: o.Kafka.WriteTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown output mode: %s", o.Mode)
	}
}

func openStore(d config.DeepCASEConfig) (labels.Store, error) {
	switch d.Labels.Store {
	case "none":
		return nil, nil
	case "sqlite":
		logger.Infof("Label store: sqlite (%s)", d.Labels.SQLite.Path)
		return labels.NewSQLiteStore(d.Labels.SQLite.Path)
	case "redis":
		logger.Infof("Label store: redis (%s)", d.Labels.Redis.Addr)
		return labels.NewRedisStore(labels.RedisConfig{
			Addr:      d.Labels.Redis.Addr,
			Password:  d.Labels.Redis.Password,
			DB:        d.Labels.Redis.DB,
			KeyPrefix: d.Labels.Redis.Key,
		})
	default:
		return nil, fmt.Errorf("unknown label store: %s", d.Labels.Store)
	}
}

func setup(f *modeFlags, args []string) (*config.Config, error) {
	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, path, err := loadConfig(f.config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyDefaults(cfg)
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lc := cfg.DeepCASE.Logging
	if err := logger.Init(lc.Enabled, lc.Level, lc.File, lc.Console); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if path != "" {
		logger.Infof("Config loaded from: %s", path)
	}
	return cfg, nil
}

type runFunc func(ctx context.Context, r *pipeline.Runner) error

func execute(name string, args []string, stdout io.Writer, run runFunc, extra func(*modeFlags)) int {
	f := newModeFlags(name)
	if extra != nil {
		extra(f)
	}
	cfg, err := setup(f, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "failed to configure %s: %v\n", name, err)
		return 2
	}
	d := cfg.DeepCASE

	var source pipeline.Source
	if name != "label" {
		src, closeSource, err := openSource(d)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open input: %v\n", err)
			return 1
		}
		defer closeSource()
		source = src
	}

	var writer pipeline.DecisionWriter
	if name == pipeline.ModeManual || name == pipeline.ModeAutomatic {
		writer, err = openWriter(d)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open output: %v\n", err)
			return 1
		}
		if writer != nil {
			defer func() {
				if err := writer.Close(); err != nil {
					logger.Errorf("Failed to close decision writer: %v", err)
				}
			}()
		}
	}

	store, err := openStore(d)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open label store: %v\n", err)
		return 1
	}
	if store != nil {
		defer store.Close()
	}

	rec := metrics.New()
	runner := pipeline.NewRunner(d, pipeline.Options{
		Source:  source,
		Writer:  writer,
		Store:   store,
		Metrics: rec,
		Out:     stdout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Infof("DeepCASE %s starting", name)
	if err := run(ctx, runner); err != nil {
		logger.Errorf("%s failed: %v", name, err)
		fmt.Fprintf(os.Stderr, "failed to run %s: %v\n", name, err)
		return 1
	}

	if d.Metrics.Enabled && d.Metrics.PushgatewayURL != "" {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pushCancel()
		if err := rec.Push(pushCtx, d.Metrics.PushgatewayURL, d.Metrics.Job+"_"+name); err != nil {
			logger.Warnf("Metrics push failed: %v", err)
		}
	}
	logger.Infof("DeepCASE %s finished", name)
	return 0
}

func runMode(mode string, args []string) int {
	return execute(mode, args, os.Stdout, func(ctx context.Context, r *pipeline.Runner) error {
		return r.Run(ctx, mode)
	}, nil)
}

func runLabel(args []string) int {
	var req pipeline.LabelRequest
	return execute("label", args, os.Stdout, func(ctx context.Context, r *pipeline.Runner) error {
		return r.Label(ctx, req)
	}, func(f *modeFlags) {
		f.fs.IntVar(&req.Cluster, "cluster", -1, "Cluster id to label")
		f.fs.Float64Var(&req.Score, "score", 0, "Risk score of the cluster (>= 0)")
		f.fs.StringVar(&req.Text, "text", "", "Free-text description of the cluster")
		f.fs.StringVar(&req.Analyst, "analyst", os.Getenv("USER"), "Analyst recording the label")
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: deepcase <mode> [flags]

modes:
  sequence    build context windows and print them
  train       train the context encoder and fit the interpreter
  manual      group events per cluster for analyst review
  automatic   apply labeled cluster scores and defer the rest
  label       record an analyst score for one cluster

run "deepcase <mode> -h" for the flags of a mode
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch mode := os.Args[1]; mode {
	case pipeline.ModeSequence, pipeline.ModeTrain, pipeline.ModeManual, pipeline.ModeAutomatic:
		os.Exit(runMode(mode, os.Args[2:]))
	case "label":
		os.Exit(runLabel(os.Args[2:]))
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		usage()
		os.Exit(2)
	}
}
