// Package sequence groups a flat event stream into sessions and turns every
// event into a fixed-length context window of the events preceding it.
package sequence

import (
	"fmt"
	"math"
	"sort"

	"deepcase/internal/errs"
	"deepcase/pkg/models"
)

// Defaults used when no configuration overrides them.
const (
	DefaultLength  = 10
	DefaultTimeout = 86400.0
)

// Builder converts event streams into datasets of context windows.
// When Vocabulary is set it is used frozen; otherwise a new one is built from
// the stream.
type Builder struct {
	Length     int
	Timeout    float64
	Vocabulary *Vocabulary
}

// Build is shorthand for Builder{Length: length, Timeout: timeout}.Build.
func Build(stream []models.Event, length int, timeout float64) (*Dataset, error) {
	return Builder{Length: length, Timeout: timeout}.Build(stream)
}

type sessionState struct {
	id      int
	last    float64
	history []int
}

// Build sorts the stream by timestamp (stable), splits it into per-entity
// sessions and emits one window per event.
func (b Builder) Build(stream []models.Event) (*Dataset, error) {
	if b.Length < 1 {
		return nil, fmt.Errorf("%w: length must be >= 1, got %d", errs.ErrInvalidConfig, b.Length)
	}
	if !(b.Timeout > 0) {
		return nil, fmt.Errorf("%w: timeout must be > 0, got %v", errs.ErrInvalidConfig, b.Timeout)
	}
	if len(stream) == 0 {
		return nil, errs.ErrEmptyInput
	}
	for i, ev := range stream {
		if math.IsNaN(ev.Timestamp) || math.IsInf(ev.Timestamp, 0) {
			return nil, fmt.Errorf("%w: event %d has non-finite timestamp", errs.ErrMalformedInput, i)
		}
	}

	events := append([]models.Event(nil), stream...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})

	vocab := b.Vocabulary
	if vocab == nil {
		types := make([]string, len(events))
		for i, ev := range events {
			types[i] = ev.Type
		}
		vocab = NewVocabulary(types)
	}
	noEvent := vocab.NoEvent()

	ds := &Dataset{
		Events:     events,
		Targets:    make([]int, len(events)),
		Contexts:   make([][]int, len(events)),
		Labels:     make([]int, len(events)),
		Sessions:   make([]int, len(events)),
		Vocabulary: vocab,
		Length:     b.Length,
		Timeout:    b.Timeout,
	}

	states := make(map[string]*sessionState, 64)
	nextSession := 0
	for i, ev := range events {
		st := states[ev.Entity]
		if st == nil || ev.Timestamp-st.last > b.Timeout {
			if st == nil {
				st = &sessionState{history: make([]int, 0, b.Length)}
				states[ev.Entity] = st
			}
			st.id = nextSession
			st.history = st.history[:0]
			nextSession++
		}
		st.last = ev.Timestamp

		window := make([]int, b.Length)
		pad := b.Length - len(st.history)
		for j := 0; j < pad; j++ {
			window[j] = noEvent
		}
		copy(window[pad:], st.history)

		id, ok := vocab.Encode(ev.Type)
		target := id
		if !ok {
			id = noEvent
			target = UnknownEvent
		}

		ds.Targets[i] = target
		ds.Contexts[i] = window
		ds.Labels[i] = ev.Label
		ds.Sessions[i] = st.id

		if len(st.history) == b.Length {
			copy(st.history, st.history[1:])
			st.history = st.history[:b.Length-1]
		}
		st.history = append(st.history, id)
	}

	return ds, nil
}
