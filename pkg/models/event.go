package models

import (
	"fmt"
	"time"
)

// LabelUnknown marks an event without a ground-truth label.
const LabelUnknown = -1

// Event is one categorical security event in the input stream.
type Event struct {
	Type      string  `json:"event"`
	Timestamp float64 `json:"ts"`
	Entity    string  `json:"entity,omitempty"`
	Label     int     `json:"label"`
}

// HasLabel reports whether the event carries a ground-truth label.
func (e Event) HasLabel() bool {
	return e.Label != LabelUnknown
}

// RawRecord is a normalized Sysmon record before rule tagging.
type RawRecord struct {
	Timestamp time.Time              `json:"@timestamp"`
	EventID   int                    `json:"event_id"`
	AgentID   string                 `json:"agent_id"`
	Hostname  string                 `json:"hostname"`
	Channel   string                 `json:"channel,omitempty"`
	RecordID  string                 `json:"record_id,omitempty"`
	Fields    map[string]interface{} `json:"fields"`
}

// Field returns a field value rendered as a string.
func (r *RawRecord) Field(name string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	v, ok := r.Fields[name]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%f", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Entity returns the grouping key of the record: host, then agent.
func (r *RawRecord) Entity() string {
	if r == nil {
		return ""
	}
	if r.Hostname != "" {
		return r.Hostname
	}
	return r.AgentID
}
