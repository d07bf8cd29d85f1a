package decisionjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"deepcase/internal/logger"
	"deepcase/pkg/models"
)

// Writer appends decisions to a JSON lines file.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter creates a JSONL writer, truncating an existing file.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	logger.Infof("Decision JSON writer initialized: %s", path)
	return &Writer{file: f, encoder: json.NewEncoder(f)}, nil
}

// WriteDecisions writes one line per decision.
func (w *Writer) WriteDecisions(decisions []*models.Decision) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, d := range decisions {
		if err := w.encoder.Encode(d); err != nil {
			return fmt.Errorf("failed to encode decision %s: %w", d.DecisionID, err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
