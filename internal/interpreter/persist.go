package interpreter

import (
	"encoding/json"
	"fmt"

	"deepcase/internal/encoder"
	"deepcase/internal/errs"
)

type snapshot struct {
	Config   Config    `json:"config"`
	ModelID  string    `json:"model_id"`
	Fitted   bool      `json:"fitted"`
	Clusters []Cluster `json:"clusters"`
	Points   []point   `json:"points"`
}

// MarshalJSON encodes the configuration and the fitted clustering.
func (in *Interpreter) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{
		Config:   in.cfg,
		ModelID:  in.modelID,
		Fitted:   in.fitted,
		Clusters: in.clusters,
		Points:   in.points,
	})
}

// Load restores an interpreter written by MarshalJSON on top of a fitted
// encoder.
func Load(data []byte, enc *encoder.ContextEncoder) (*Interpreter, error) {
	if !enc.Fitted() {
		return nil, errs.ErrEncoderRequired
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decode interpreter: %v", errs.ErrMalformedInput, err)
	}
	if err := snap.Config.validate(); err != nil {
		return nil, err
	}
	for i, c := range snap.Clusters {
		if c.ID != i {
			return nil, fmt.Errorf("%w: cluster at %d has id %d", errs.ErrMalformedInput, i, c.ID)
		}
	}
	width := enc.Config().InputSize()
	for i, p := range snap.Points {
		if p.Cluster < 0 || p.Cluster >= len(snap.Clusters) {
			return nil, fmt.Errorf("%w: point %d references cluster %d", errs.ErrUnknownCluster, i, p.Cluster)
		}
		if len(p.Vector) != width {
			return nil, fmt.Errorf("%w: point %d has %d dimensions, encoder expects %d", errs.ErrShapeMismatch, i, len(p.Vector), width)
		}
	}
	return &Interpreter{
		enc:      enc,
		cfg:      snap.Config,
		modelID:  snap.ModelID,
		clusters: snap.Clusters,
		points:   snap.Points,
		fitted:   snap.Fitted,
	}, nil
}
