package labels

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS cluster_labels (
	model_id   TEXT    NOT NULL,
	cluster_id INTEGER NOT NULL,
	score      REAL    NOT NULL,
	label      TEXT    NOT NULL DEFAULT '',
	analyst    TEXT    NOT NULL DEFAULT '',
	updated_at TEXT    NOT NULL,
	PRIMARY KEY (model_id, cluster_id)
);`

// SQLiteStore keeps labels in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the label database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create label store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open label store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init label store: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Put inserts or replaces the label of one cluster.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cluster_labels (model_id, cluster_id, score, label, analyst, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (model_id, cluster_id) DO UPDATE SET
	score = excluded.score,
	label = excluded.label,
	analyst = excluded.analyst,
	updated_at = excluded.updated_at`,
		rec.ModelID, rec.ClusterID, rec.Score, rec.Text, rec.Analyst, rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put label %s/%d: %w", rec.ModelID, rec.ClusterID, err)
	}
	return nil
}

// List returns all labels of a model ordered by cluster id.
func (s *SQLiteStore) List(ctx context.Context, modelID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT cluster_id, score, label, analyst, updated_at
FROM cluster_labels WHERE model_id = ? ORDER BY cluster_id`, modelID)
	if err != nil {
		return nil, fmt.Errorf("list labels of %s: %w", modelID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{ModelID: modelID}
		var updated string
		if err := rows.Scan(&rec.ClusterID, &rec.Score, &rec.Text, &rec.Analyst, &updated); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
