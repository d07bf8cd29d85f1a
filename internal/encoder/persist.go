package encoder

import (
	"encoding/json"
	"fmt"

	"deepcase/internal/errs"
)

type snapshot struct {
	Config  Config    `json:"config"`
	Trained bool      `json:"trained"`
	E       []float64 `json:"event_embedding"`
	P       []float64 `json:"position_embedding"`
	B       []float64 `json:"encoder_bias"`
	Q       []float64 `json:"query_embedding"`
	W       []float64 `json:"output_weight"`
	O       []float64 `json:"output_bias"`
}

// MarshalJSON encodes the network shape and all weights.
func (e *ContextEncoder) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{
		Config:  e.cfg,
		Trained: e.trained,
		E:       e.w.E,
		P:       e.w.P,
		B:       e.w.B,
		Q:       e.w.Q,
		W:       e.w.W,
		O:       e.w.O,
	})
}

// UnmarshalJSON restores an encoder written by MarshalJSON.
func (e *ContextEncoder) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: decode encoder: %v", errs.ErrMalformedInput, err)
	}
	if err := snap.Config.validate(); err != nil {
		return err
	}
	want := newParams(snap.Config)
	got := &params{E: snap.E, P: snap.P, B: snap.B, Q: snap.Q, W: snap.W, O: snap.O}
	names := []string{"event_embedding", "position_embedding", "encoder_bias", "query_embedding", "output_weight", "output_bias"}
	for i, s := range got.slices() {
		if len(s) != len(want.slices()[i]) {
			return fmt.Errorf("%w: %s has %d values, want %d", errs.ErrShapeMismatch, names[i], len(s), len(want.slices()[i]))
		}
	}
	e.cfg = snap.Config
	e.w = got
	e.trained = snap.Trained
	return nil
}
