package decisionjson

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"deepcase/pkg/models"
)

func TestWriterWritesOneLinePerDecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "decisions.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	batch := []*models.Decision{
		{DecisionID: "a", Event: "logon", Cluster: 2, Status: models.StatusAuto, Score: 3},
		{DecisionID: "b", Event: "dump", Cluster: -1, Status: models.StatusDeferred, Reason: "no_cluster"},
	}
	if err := w.WriteDecisions(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var got []models.Decision
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var d models.Decision
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		got = append(got, d)
	}
	if len(got) != 2 || got[1].Reason != "no_cluster" || got[0].Score != 3 {
		t.Fatalf("unexpected decisions: %+v", got)
	}
}
