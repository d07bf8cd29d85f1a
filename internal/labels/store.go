// Package labels persists analyst cluster labels across runs. Labels are
// keyed by interpreter model id and cluster id, so they only apply to the
// fitted state they were given for.
package labels

import (
	"context"
	"sort"
	"time"

	"deepcase/internal/interpreter"
)

// Record is one analyst label.
type Record struct {
	ModelID   string    `json:"model_id"`
	ClusterID int       `json:"cluster_id"`
	Score     float64   `json:"score"`
	Text      string    `json:"text,omitempty"`
	Analyst   string    `json:"analyst,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes analyst labels.
type Store interface {
	Put(ctx context.Context, rec Record) error
	List(ctx context.Context, modelID string) ([]Record, error)
	Close() error
}

// Assignments converts stored records into interpreter labels.
func Assignments(recs []Record) map[int]interpreter.Assignment {
	out := make(map[int]interpreter.Assignment, len(recs))
	for _, r := range recs {
		out[r.ClusterID] = interpreter.Assignment{Score: r.Score, Text: r.Text}
	}
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ClusterID < recs[j].ClusterID
	})
}
