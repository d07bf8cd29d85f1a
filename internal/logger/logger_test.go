package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevelDefaultsToInfo(t *testing.T) {
	cases := map[string]Level{
		"debug":   Debug,
		"INFO":    Info,
		"warning": Warn,
		"error":   Error,
		"":        Info,
		"verbose": Info,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltersMessages(t *testing.T) {
	var buf bytes.Buffer
	if err := initWith(true, "warn", "", true, &buf); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	defer initWith(false, "", "", false, &buf)

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden 1") {
		t.Fatalf("info message should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Fatalf("expected warn message in output: %q", out)
	}
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "deepcase.log")
	if err := initWith(true, "debug", path, false, &bytes.Buffer{}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	Debugf("epoch=%d loss=%.3f", 3, 0.25)
	initWith(false, "", "", false, &bytes.Buffer{})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "{") || !strings.Contains(line, `"level":"debug"`) {
		t.Fatalf("expected JSON debug line, got %q", line)
	}
	if !strings.Contains(line, "epoch=3 loss=0.250") {
		t.Fatalf("expected formatted message, got %q", line)
	}
}

func TestDisabledLoggerIsSilent(t *testing.T) {
	var buf bytes.Buffer
	if err := initWith(false, "debug", "", true, &buf); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	Errorf("nothing")
	if buf.Len() != 0 {
		t.Fatalf("disabled logger wrote output: %q", buf.String())
	}
}
