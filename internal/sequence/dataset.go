package sequence

import (
	"encoding/json"
	"fmt"
	"io"

	"deepcase/internal/errs"
	"deepcase/pkg/models"
)

// Dataset holds parallel arrays indexed by position in the time-sorted stream.
type Dataset struct {
	Events     []models.Event `json:"events"`
	Targets    []int          `json:"targets"`
	Contexts   [][]int        `json:"contexts"`
	Labels     []int          `json:"labels"`
	Sessions   []int          `json:"sessions"`
	Vocabulary *Vocabulary    `json:"vocabulary"`
	Length     int            `json:"length"`
	Timeout    float64        `json:"timeout"`
}

// Len returns the number of targets.
func (d *Dataset) Len() int {
	return len(d.Targets)
}

// NoEvent returns the padding id of the dataset vocabulary.
func (d *Dataset) NoEvent() int {
	return d.Vocabulary.NoEvent()
}

// SessionCount returns the number of distinct sessions.
func (d *Dataset) SessionCount() int {
	n := 0
	for _, s := range d.Sessions {
		if s+1 > n {
			n = s + 1
		}
	}
	return n
}

// Steps reshapes single-step targets into the [][]int form the encoder
// trains on.
func (d *Dataset) Steps() [][]int {
	out := make([][]int, len(d.Targets))
	for i, t := range d.Targets {
		out[i] = []int{t}
	}
	return out
}

// Scores converts ground-truth labels into initial interpreter scores.
// Unlabeled events get the unlabeled sentinel.
func (d *Dataset) Scores(unlabeled float64) []float64 {
	out := make([]float64, len(d.Labels))
	for i, l := range d.Labels {
		if l == models.LabelUnknown {
			out[i] = unlabeled
			continue
		}
		out[i] = float64(l)
	}
	return out
}

// Validate checks that the parallel arrays agree with each other.
func (d *Dataset) Validate() error {
	n := len(d.Targets)
	if d.Vocabulary == nil {
		return fmt.Errorf("%w: dataset has no vocabulary", errs.ErrMalformedInput)
	}
	if len(d.Contexts) != n || len(d.Labels) != n || len(d.Sessions) != n || len(d.Events) != n {
		return fmt.Errorf("%w: dataset arrays differ in length", errs.ErrShapeMismatch)
	}
	for i, ctx := range d.Contexts {
		if len(ctx) != d.Length {
			return fmt.Errorf("%w: context %d has length %d, want %d", errs.ErrShapeMismatch, i, len(ctx), d.Length)
		}
	}
	return nil
}

// WriteTo encodes the dataset as JSON.
func (d *Dataset) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := json.NewEncoder(cw).Encode(d); err != nil {
		return cw.n, fmt.Errorf("encode dataset: %w", err)
	}
	return cw.n, nil
}

// ReadDataset decodes and validates a dataset written by WriteTo.
func ReadDataset(r io.Reader) (*Dataset, error) {
	var d Dataset
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: decode dataset: %v", errs.ErrMalformedInput, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
