package sequence

import (
	"encoding/json"
	"fmt"
	"sort"

	"deepcase/internal/errs"
)

// NoEventLabel is the decoded form of the padding id.
const NoEventLabel = "NO_EVENT"

// UnknownEvent is the target id of an event whose type is absent from a
// frozen vocabulary.
const UnknownEvent = -1

// Vocabulary maps raw event labels to dense ids 0..V-1. Id V is reserved for
// padding (NoEvent).
type Vocabulary struct {
	labels []string
	index  map[string]int
}

// NewVocabulary builds a vocabulary from the sorted set of unique labels.
func NewVocabulary(labels []string) *Vocabulary {
	seen := make(map[string]struct{}, len(labels))
	uniq := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		uniq = append(uniq, l)
	}
	sort.Strings(uniq)
	return vocabularyFrom(uniq)
}

func vocabularyFrom(ordered []string) *Vocabulary {
	v := &Vocabulary{
		labels: ordered,
		index:  make(map[string]int, len(ordered)),
	}
	for i, l := range ordered {
		v.index[l] = i
	}
	return v
}

// Size returns V, the number of real event types.
func (v *Vocabulary) Size() int {
	return len(v.labels)
}

// NoEvent returns the padding id.
func (v *Vocabulary) NoEvent() int {
	return len(v.labels)
}

// Encode returns the id of a label.
func (v *Vocabulary) Encode(label string) (int, bool) {
	id, ok := v.index[label]
	return id, ok
}

// Decode returns the label of an id. The padding id decodes to NoEventLabel.
func (v *Vocabulary) Decode(id int) (string, bool) {
	if id == v.NoEvent() {
		return NoEventLabel, true
	}
	if id < 0 || id >= len(v.labels) {
		return "", false
	}
	return v.labels[id], true
}

// DecodeAll decodes a window, rendering unknown ids as "?<id>".
func (v *Vocabulary) DecodeAll(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		label, ok := v.Decode(id)
		if !ok {
			label = fmt.Sprintf("?%d", id)
		}
		out[i] = label
	}
	return out
}

// Labels returns a copy of the ordered labels.
func (v *Vocabulary) Labels() []string {
	return append([]string(nil), v.labels...)
}

// MarshalJSON encodes the vocabulary as its ordered label list.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.labels)
}

// UnmarshalJSON restores a vocabulary, keeping the stored order.
func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			return fmt.Errorf("%w: duplicate vocabulary label %q", errs.ErrMalformedInput, l)
		}
		seen[l] = struct{}{}
	}
	*v = *vocabularyFrom(labels)
	return nil
}
