package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"deepcase/internal/errs"
	"deepcase/internal/ingest"
	"deepcase/pkg/models"
)

// Source yields the event stream of one run.
type Source interface {
	Events(ctx context.Context) ([]models.Event, error)
}

// Input formats read by FileSource.
const (
	FormatCSV    = "csv"
	FormatTXT    = "txt"
	FormatSysmon = "sysmon"
)

// FileSource reads events from a local file.
type FileSource struct {
	Format string
	Path   string
	// Tagger converts Sysmon records; only used for FormatSysmon.
	Tagger *ingest.Tagger
}

// Events reads the whole file.
func (s *FileSource) Events(ctx context.Context) ([]models.Event, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	switch s.Format {
	case FormatCSV:
		return ingest.ReadCSV(r)
	case FormatTXT:
		return ingest.ReadTXT(r)
	case FormatSysmon:
		tagger := s.Tagger
		if tagger == nil {
			tagger = &ingest.Tagger{KeepUntagged: true}
		}
		return tagger.ReadSysmon(r)
	default:
		return nil, fmt.Errorf("%w: unknown input format %q", errs.ErrInvalidConfig, s.Format)
	}
}

// QueueSource drains Sysmon documents from a queue once.
type QueueSource struct {
	Queue  ingest.Drainer
	Tagger *ingest.Tagger
	Limit  int
}

// Events drains up to Limit documents and tags them.
func (s *QueueSource) Events(ctx context.Context) ([]models.Event, error) {
	tagger := s.Tagger
	if tagger == nil {
		tagger = &ingest.Tagger{KeepUntagged: true}
	}
	return tagger.ReadQueue(ctx, s.Queue, s.Limit)
}

// StaticSource returns a fixed event slice.
type StaticSource []models.Event

// Events returns the slice.
func (s StaticSource) Events(ctx context.Context) ([]models.Event, error) {
	return s, nil
}
