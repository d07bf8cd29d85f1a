package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"deepcase/internal/errs"
	"deepcase/internal/logger"
	"deepcase/internal/rules"
	"deepcase/pkg/models"
)

// ParseRecord converts one winlogbeat Sysmon document into a RawRecord.
func ParseRecord(data []byte) (*models.RawRecord, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: sysmon record: %v", errs.ErrMalformedInput, err)
	}

	rec := &models.RawRecord{
		EventID:  lookupInt(doc, "winlog.event_id", "event.code", "event_id"),
		AgentID:  lookupString(doc, "agent.id", "agent_id"),
		Hostname: lookupString(doc, "host.name", "host.hostname", "hostname"),
		Channel:  lookupString(doc, "winlog.channel"),
		RecordID: lookupString(doc, "winlog.record_id"),
		Fields:   map[string]interface{}{},
	}
	if v, ok := lookup(doc, "winlog.event_data"); ok {
		if m, ok := v.(map[string]interface{}); ok {
			rec.Fields = m
		}
	}

	// UtcTime is the Sysmon event time; @timestamp is the shipping time.
	if t, ok := parseTime(lookupString(rec.Fields, "UtcTime")); ok {
		rec.Timestamp = t
	} else if t, ok := parseTime(lookupString(doc, "@timestamp")); ok {
		rec.Timestamp = t
	} else {
		return nil, fmt.Errorf("%w: sysmon record %s has no timestamp", errs.ErrMalformedInput, rec.RecordID)
	}
	return rec, nil
}

var sysmonLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000000000",
	"2006-01-02 15:04:05.0000000",
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range sysmonLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func lookup(root map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(root map[string]interface{}, paths ...string) string {
	for _, p := range paths {
		v, ok := lookup(root, p)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}

func lookupInt(root map[string]interface{}, paths ...string) int {
	for _, p := range paths {
		v, ok := lookup(root, p)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return int(val)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				return n
			}
		}
	}
	return 0
}

// Tagger turns Sysmon records into events using detection rules. A record
// matched by several rules becomes one event of its most severe tag, labeled
// with that tag's severity. Untagged records are dropped unless KeepUntagged
// is set, in which case they become "sysmon:<event id>" events without label.
type Tagger struct {
	Engine       rules.Engine
	KeepUntagged bool
}

// Event converts one record. ok is false when the record is dropped.
func (t *Tagger) Event(rec *models.RawRecord) (models.Event, bool) {
	ev := models.Event{
		Timestamp: float64(rec.Timestamp.UnixNano()) / 1e9,
		Entity:    rec.Entity(),
		Label:     models.LabelUnknown,
	}
	engine := t.Engine
	if engine == nil {
		engine = &rules.NoopEngine{}
	}
	if tag, ok := rules.Strongest(engine.Apply(rec)); ok {
		ev.Type = tag.Key()
		ev.Label = rules.SeverityLabel(tag.Severity)
		return ev, true
	}
	if !t.KeepUntagged {
		return models.Event{}, false
	}
	ev.Type = "sysmon:" + strconv.Itoa(rec.EventID)
	return ev, true
}

// Messages converts raw Sysmon documents. Unparseable documents are logged
// and skipped.
func (t *Tagger) Messages(msgs [][]byte) []models.Event {
	var out []models.Event
	skipped := 0
	for _, msg := range msgs {
		rec, err := ParseRecord(msg)
		if err != nil {
			skipped++
			logger.Debugf("Skipping sysmon record: %v", err)
			continue
		}
		if ev, ok := t.Event(rec); ok {
			out = append(out, ev)
		}
	}
	if skipped > 0 {
		logger.Warnf("Skipped %d unparseable sysmon records", skipped)
	}
	return out
}

// ReadSysmon reads newline-delimited winlogbeat documents.
func (t *Tagger) ReadSysmon(r io.Reader) ([]models.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var msgs [][]byte
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			msgs = append(msgs, []byte(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read sysmon: %v", errs.ErrMalformedInput, err)
	}
	return t.Messages(msgs), nil
}

// Drainer is a queue that can be emptied once.
type Drainer interface {
	Drain(ctx context.Context, limit int) ([][]byte, error)
}

// ReadQueue drains up to limit Sysmon documents from src.
func (t *Tagger) ReadQueue(ctx context.Context, src Drainer, limit int) ([]models.Event, error) {
	msgs, err := src.Drain(ctx, limit)
	if err != nil {
		return nil, err
	}
	logger.Infof("Drained %d messages from queue", len(msgs))
	return t.Messages(msgs), nil
}
