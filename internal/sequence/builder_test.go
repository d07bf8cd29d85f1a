package sequence

import (
	"bytes"
	"errors"
	"testing"

	"deepcase/internal/errs"
	"deepcase/pkg/models"
)

func uniformStream(n int, gap float64) []models.Event {
	types := []string{"scan", "login", "exfil"}
	out := make([]models.Event, n)
	for i := range out {
		out[i] = models.Event{Type: types[i%len(types)], Timestamp: float64(i) * gap, Entity: "host-a", Label: models.LabelUnknown}
	}
	return out
}

func TestBuildSingleSessionUniformGaps(t *testing.T) {
	ds, err := Build(uniformStream(12, 1), 5, 10)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ds.Len() != 12 {
		t.Fatalf("expected 12 targets, got %d", ds.Len())
	}
	if ds.SessionCount() != 1 {
		t.Fatalf("expected a single session, got %d", ds.SessionCount())
	}
	noEvent := ds.NoEvent()
	for _, id := range ds.Contexts[0] {
		if id != noEvent {
			t.Fatalf("expected first window fully padded, got %v", ds.Contexts[0])
		}
	}
	for i := 5; i < 12; i++ {
		for j, id := range ds.Contexts[i] {
			if id == noEvent {
				t.Fatalf("expected window %d fully populated, got %v", i, ds.Contexts[i])
			}
			if id != ds.Targets[i-5+j] {
				t.Fatalf("window %d position %d = %d, want target %d", i, j, id, ds.Targets[i-5+j])
			}
		}
	}
}

func TestBuildSplitsSessionsOnTimeout(t *testing.T) {
	stream := []models.Event{
		{Type: "a", Timestamp: 0, Label: models.LabelUnknown},
		{Type: "b", Timestamp: 100, Label: models.LabelUnknown},
	}
	ds, err := Build(stream, 3, 50)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ds.SessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", ds.SessionCount())
	}
	for i, ctx := range ds.Contexts {
		for _, id := range ctx {
			if id != ds.NoEvent() {
				t.Fatalf("window %d should be fully padded, got %v", i, ctx)
			}
		}
	}
}

func TestBuildEveryWindowHasConfiguredLength(t *testing.T) {
	stream := []models.Event{
		{Type: "x", Timestamp: 3, Entity: "h1"},
		{Type: "y", Timestamp: 1, Entity: "h2"},
		{Type: "z", Timestamp: 2, Entity: "h1"},
		{Type: "x", Timestamp: 2, Entity: "h2"},
		{Type: "y", Timestamp: 500, Entity: "h1"},
	}
	for _, length := range []int{1, 2, 7} {
		ds, err := Build(stream, length, 10)
		if err != nil {
			t.Fatalf("build length=%d: %v", length, err)
		}
		if ds.Len() != len(stream) {
			t.Fatalf("events must never be dropped: got %d, want %d", ds.Len(), len(stream))
		}
		for i, ctx := range ds.Contexts {
			if len(ctx) != length {
				t.Fatalf("length=%d window %d has %d entries", length, i, len(ctx))
			}
		}
	}
}

func TestBuildSessionInvariant(t *testing.T) {
	stream := []models.Event{
		{Type: "a", Timestamp: 0, Entity: "h1"},
		{Type: "b", Timestamp: 4, Entity: "h1"},
		{Type: "c", Timestamp: 9, Entity: "h1"},
		{Type: "a", Timestamp: 20, Entity: "h1"},
		{Type: "b", Timestamp: 25, Entity: "h2"},
		{Type: "c", Timestamp: 30, Entity: "h2"},
		{Type: "a", Timestamp: 30.5, Entity: "h1"},
	}
	const timeout = 5.0
	ds, err := Build(stream, 4, timeout)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	lastIdx := map[string]int{}
	for i, ev := range ds.Events {
		prev, ok := lastIdx[ev.Entity]
		lastIdx[ev.Entity] = i
		if !ok {
			continue
		}
		gap := ev.Timestamp - ds.Events[prev].Timestamp
		same := ds.Sessions[i] == ds.Sessions[prev]
		if same && gap > timeout {
			t.Fatalf("events %d and %d share a session with gap %v", prev, i, gap)
		}
		if !same && gap <= timeout {
			t.Fatalf("session boundary between %d and %d with gap %v", prev, i, gap)
		}
	}
	// a@0, b@4, c@9 form one session; a@20 starts a new one.
	if ds.Sessions[0] != ds.Sessions[2] || ds.Sessions[2] == ds.Sessions[3] {
		t.Fatalf("unexpected sessions: %v", ds.Sessions)
	}
}

func TestBuildKeepsEntitiesApart(t *testing.T) {
	stream := []models.Event{
		{Type: "a", Timestamp: 0, Entity: "h1"},
		{Type: "b", Timestamp: 1, Entity: "h2"},
		{Type: "c", Timestamp: 2, Entity: "h1"},
	}
	ds, err := Build(stream, 2, 10)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a, _ := ds.Vocabulary.Encode("a")
	want := []int{ds.NoEvent(), a}
	if ds.Contexts[2][0] != want[0] || ds.Contexts[2][1] != want[1] {
		t.Fatalf("h1 window leaked h2 events: %v", ds.Contexts[2])
	}
	for _, id := range ds.Contexts[1] {
		if id != ds.NoEvent() {
			t.Fatalf("first h2 event should be cold-start: %v", ds.Contexts[1])
		}
	}
}

func TestBuildTiesKeepOriginalOrder(t *testing.T) {
	stream := []models.Event{
		{Type: "second", Timestamp: 5},
		{Type: "first", Timestamp: 1},
		{Type: "third", Timestamp: 5},
	}
	ds, err := Build(stream, 1, 10)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := []string{ds.Events[0].Type, ds.Events[1].Type, ds.Events[2].Type}
	if got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	stream := uniformStream(30, 2)
	a, err := Build(stream, 4, 3)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := Build(stream, 4, 3)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var ba, bb bytes.Buffer
	a.WriteTo(&ba)
	b.WriteTo(&bb)
	if !bytes.Equal(ba.Bytes(), bb.Bytes()) {
		t.Fatalf("two builds of the same stream differ")
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	stream := uniformStream(3, 1)
	if _, err := Build(stream, 0, 10); !errors.Is(err, errs.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for length 0, got %v", err)
	}
	if _, err := Build(stream, 3, 0); !errors.Is(err, errs.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for timeout 0, got %v", err)
	}
	if _, err := Build(nil, 3, 10); !errors.Is(err, errs.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestBuildWithFrozenVocabulary(t *testing.T) {
	vocab := NewVocabulary([]string{"a", "b"})
	stream := []models.Event{
		{Type: "a", Timestamp: 0},
		{Type: "unseen", Timestamp: 1},
		{Type: "b", Timestamp: 2},
	}
	ds, err := Builder{Length: 2, Timeout: 10, Vocabulary: vocab}.Build(stream)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ds.Targets[1] != UnknownEvent {
		t.Fatalf("expected unknown target, got %d", ds.Targets[1])
	}
	a, _ := vocab.Encode("a")
	if ds.Contexts[2][0] != a || ds.Contexts[2][1] != vocab.NoEvent() {
		t.Fatalf("unseen event should be padding inside contexts: %v", ds.Contexts[2])
	}
}

func TestDatasetRoundTrip(t *testing.T) {
	stream := uniformStream(6, 1)
	stream[2].Label = 3
	ds, err := Build(stream, 3, 10)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var buf bytes.Buffer
	if _, err := ds.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadDataset(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Len() != ds.Len() || got.Vocabulary.Size() != ds.Vocabulary.Size() {
		t.Fatalf("round trip changed dataset shape")
	}
	scores := got.Scores(-4)
	if scores[2] != 3 || scores[0] != -4 {
		t.Fatalf("unexpected scores: %v", scores)
	}
}
