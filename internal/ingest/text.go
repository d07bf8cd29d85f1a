// Package ingest reads security events from the supported input formats
// into models.Event streams.
package ingest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"deepcase/internal/errs"
	"deepcase/pkg/models"
)

// ReadCSV reads events from a CSV file with a header naming the columns
// timestamp, machine and event, plus an optional label column. Column order
// is free.
func ReadCSV(r io.Reader) ([]models.Event, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: csv has no header", errs.ErrEmptyInput)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read csv header: %v", errs.ErrMalformedInput, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"timestamp", "machine", "event"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: csv header lacks %q column", errs.ErrMalformedInput, required)
		}
	}
	labelCol, hasLabel := cols["label"]

	var events []models.Event
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv line %d: %v", errs.ErrMalformedInput, line, err)
		}
		ts, err := strconv.ParseFloat(strings.TrimSpace(rec[cols["timestamp"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: csv line %d: bad timestamp %q", errs.ErrMalformedInput, line, rec[cols["timestamp"]])
		}
		ev := models.Event{
			Type:      strings.TrimSpace(rec[cols["event"]]),
			Timestamp: ts,
			Entity:    strings.TrimSpace(rec[cols["machine"]]),
			Label:     models.LabelUnknown,
		}
		if hasLabel {
			if raw := strings.TrimSpace(rec[labelCol]); raw != "" {
				label, err := strconv.Atoi(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: csv line %d: bad label %q", errs.ErrMalformedInput, line, raw)
				}
				ev.Label = label
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// ReadTXT reads one whitespace-separated event sequence per line. The line
// number becomes the entity and the position in the line the timestamp.
// Blank lines still consume a line number.
func ReadTXT(r io.Reader) ([]models.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var events []models.Event
	for line := 0; scanner.Scan(); line++ {
		entity := strconv.Itoa(line)
		for pos, field := range strings.Fields(scanner.Text()) {
			events = append(events, models.Event{
				Type:      field,
				Timestamp: float64(pos),
				Entity:    entity,
				Label:     models.LabelUnknown,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read txt: %v", errs.ErrMalformedInput, err)
	}
	return events, nil
}
