package main

import (
	"os"
	"path/filepath"
	"testing"

	"deepcase/config"
)

func TestApplyDefaultsProducesValidConfig(t *testing.T) {
	cfg := config.Default()
	applyDefaults(cfg)
	d := cfg.DeepCASE
	if d.Sequence.Length != 10 || d.Sequence.Timeout != 86400 {
		t.Fatalf("sequence defaults = %+v", d.Sequence)
	}
	if d.Encoder.Hidden != 128 || d.Encoder.Events != "auto" || d.Encoder.Device != "auto" {
		t.Fatalf("encoder defaults = %+v", d.Encoder)
	}
	if d.Interpreter.Confidence != 0.2 || d.Interpreter.MinSamples != 5 || d.Interpreter.Iterations != 100 || d.Interpreter.BatchSize != 1024 {
		t.Fatalf("interpreter defaults = %+v", d.Interpreter)
	}
	if d.Train.Epochs != 10 || d.Train.BatchSize != 128 {
		t.Fatalf("train defaults = %+v", d.Train)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestApplyDefaultsKeepsConfiguredValues(t *testing.T) {
	cfg := &config.Config{}
	cfg.DeepCASE.Sequence.Length = 4
	cfg.DeepCASE.Output.Mode = "file"
	applyDefaults(cfg)
	if cfg.DeepCASE.Sequence.Length != 4 || cfg.DeepCASE.Output.Mode != "file" {
		t.Fatalf("configured values overwritten: %+v", cfg.DeepCASE)
	}
}

func TestApplyDefaultsKeepsExplicitZero(t *testing.T) {
	cfg := config.Default()
	cfg.DeepCASE.Encoder.Delta = 0
	cfg.DeepCASE.Train.TeachRatio = 0
	cfg.DeepCASE.Interpreter.Confidence = 0
	applyDefaults(cfg)
	d := cfg.DeepCASE
	if d.Encoder.Delta != 0 || d.Train.TeachRatio != 0 || d.Interpreter.Confidence != 0 {
		t.Fatalf("explicit zero replaced: delta=%v teach_ratio=%v confidence=%v",
			d.Encoder.Delta, d.Train.TeachRatio, d.Interpreter.Confidence)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero values should validate: %v", err)
	}
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	cfg := &config.Config{}
	cfg.DeepCASE.Sequence.Timeout = 60
	applyDefaults(cfg)

	f := newModeFlags("train")
	if err := f.fs.Parse([]string{"-csv", "alerts.csv", "-length", "5", "-min_samples", "2", "-save-builder", "enc.json"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	f.apply(cfg)
	d := cfg.DeepCASE
	if d.Input.Mode != "csv" || d.Input.Path != "alerts.csv" {
		t.Fatalf("input = %+v", d.Input)
	}
	if d.Sequence.Length != 5 || d.Interpreter.MinSamples != 2 || d.Models.Encoder.Save != "enc.json" {
		t.Fatalf("overrides not applied: %+v", d)
	}
	if d.Sequence.Timeout != 60 {
		t.Fatalf("unset flag overwrote timeout: %v", d.Sequence.Timeout)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)

	cfg, path, err := loadConfig(filepath.Join(dir, "missing.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if path != "" || !cfg.DeepCASE.Logging.Enabled {
		t.Fatalf("expected built-in config with console logging, got path=%q", path)
	}

	if err := os.WriteFile(defaultConfigFile, []byte("deepcase:\n  sequence:\n    length: 7\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, path, err = loadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if path != defaultConfigFile || cfg.DeepCASE.Sequence.Length != 7 {
		t.Fatalf("expected deepcase.yml to be used, got path=%q length=%d", path, cfg.DeepCASE.Sequence.Length)
	}
}
