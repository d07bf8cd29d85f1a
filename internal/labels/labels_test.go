package labels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, s Store, model string) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range []Record{
		{ModelID: model, ClusterID: 2, Score: 1, Analyst: "ana"},
		{ModelID: model, ClusterID: 0, Score: 3, Text: "credential dumping"},
		{ModelID: "other", ClusterID: 0, Score: 4},
		{ModelID: model, ClusterID: 2, Score: 2.5, Text: "recon", Analyst: "bo"},
	} {
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	recs, err := s.List(ctx, model)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 labels, got %+v", recs)
	}
	if recs[0].ClusterID != 0 || recs[0].Text != "credential dumping" {
		t.Fatalf("unexpected first label: %+v", recs[0])
	}
	if recs[1].Score != 2.5 || recs[1].Analyst != "bo" || recs[1].UpdatedAt.IsZero() {
		t.Fatalf("label was not replaced: %+v", recs[1])
	}

	assign := Assignments(recs)
	if assign[2].Score != 2.5 || assign[0].Text != "credential dumping" {
		t.Fatalf("unexpected assignments: %+v", assign)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "labels.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s, "model-a")

	recs, err := s.List(context.Background(), "missing")
	if err != nil || len(recs) != 0 {
		t.Fatalf("unknown model = %+v, %v", recs, err)
	}
}

// Requires a reachable Redis at DEEPCASE_TEST_REDIS.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("DEEPCASE_TEST_REDIS")
	if addr == "" {
		t.Skip("DEEPCASE_TEST_REDIS not set")
	}
	prefix := fmt.Sprintf("deepcase:test:%d", time.Now().UnixNano())
	s, err := NewRedisStore(RedisConfig{Addr: addr, KeyPrefix: prefix})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	defer s.client.Del(context.Background(), s.key("model-a"), s.key("other"), prefix+":models")
	exerciseStore(t, s, "model-a")
}
