package pipeline

import (
	"context"
	"time"

	"deepcase/internal/logger"
	"deepcase/pkg/models"
)

// DecisionWriter writes decision outputs.
type DecisionWriter interface {
	WriteDecisions(decisions []*models.Decision) error
	Close() error
}

const writeAttempts = 3

// flushDecisions writes decisions in batches of batchSize, retrying a failed
// batch with a short pause until attempts run out or ctx is done.
func flushDecisions(ctx context.Context, w DecisionWriter, decisions []*models.Decision, batchSize int, pause time.Duration) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	for start := 0; start < len(decisions); start += batchSize {
		end := start + batchSize
		if end > len(decisions) {
			end = len(decisions)
		}
		batch := decisions[start:end]
		var err error
		for attempt := 1; attempt <= writeAttempts; attempt++ {
			if err = w.WriteDecisions(batch); err == nil {
				break
			}
			logger.Errorf("Failed to write decisions (attempt %d/%d): %v", attempt, writeAttempts, err)
			if attempt == writeAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
