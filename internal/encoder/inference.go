package encoder

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"deepcase/internal/errs"
)

// queryRate is the step size of attention refinement in Query.
const queryRate = 1.0

// Embedding is the context representation of one window.
type Embedding struct {
	// Attention holds one weight per window position; weights sum to 1.
	Attention []float64 `json:"attention"`
	// Hidden is the attended hidden state.
	Hidden []float64 `json:"hidden"`
	// Vector is the attention mass per input id, padding included.
	Vector     []float64 `json:"vector"`
	Prediction int       `json:"prediction"`
	Confidence float64   `json:"confidence"`
}

func (e *ContextEncoder) ready() error {
	if !e.Fitted() {
		return fmt.Errorf("%w: encoder is not trained", errs.ErrUntrainedModel)
	}
	return nil
}

// Embed returns the first-step embedding of every window. Confidence is the
// probability of the predicted event.
func (e *ContextEncoder) Embed(contexts [][]int) ([]Embedding, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.checkContexts(contexts); err != nil {
		return nil, err
	}
	out := make([]Embedding, len(contexts))
	for i, ctx := range contexts {
		s := e.attend(e.encode(ctx), e.cfg.NoEvent())
		out[i] = e.embedding(ctx, s)
		out[i].Confidence = s.p[out[i].Prediction]
	}
	return out, nil
}

// Predict returns the next-event probability distribution of every window.
func (e *ContextEncoder) Predict(contexts [][]int) ([][]float64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.checkContexts(contexts); err != nil {
		return nil, err
	}
	out := make([][]float64, len(contexts))
	for i, ctx := range contexts {
		out[i] = e.attend(e.encode(ctx), e.cfg.NoEvent()).p
	}
	return out, nil
}

// Query embeds every window against a known target. When the model does not
// already predict the target, the attention logits are moved by up to steps
// gradient steps towards it. Confidence is the resulting probability of the
// target.
func (e *ContextEncoder) Query(contexts [][]int, targets []int, steps int) ([]Embedding, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if steps < 0 {
		return nil, fmt.Errorf("%w: query steps must be >= 0, got %d", errs.ErrInvalidConfig, steps)
	}
	if len(contexts) != len(targets) {
		return nil, fmt.Errorf("%w: %d contexts but %d targets", errs.ErrShapeMismatch, len(contexts), len(targets))
	}
	if err := e.checkContexts(contexts); err != nil {
		return nil, err
	}
	for i, y := range targets {
		if err := e.checkTarget(i, y); err != nil {
			return nil, err
		}
	}

	out := make([]Embedding, len(contexts))
	dO := make([]float64, e.cfg.Events)
	for i, ctx := range contexts {
		y := targets[i]
		win := e.encode(ctx)
		s := e.attend(win, e.cfg.NoEvent())
		for k := 0; k < steps && floats.MaxIdx(s.p) != y; k++ {
			copy(dO, s.p)
			dO[y]--
			_, dz := e.backAttention(win, s, dO)
			floats.AddScaled(s.z, -queryRate, dz)
			e.settle(win, s)
		}
		out[i] = e.embedding(ctx, s)
		out[i].Confidence = s.p[y]
	}
	return out, nil
}

func (e *ContextEncoder) embedding(ctx []int, s *step) Embedding {
	emb := Embedding{
		Attention:  append([]float64(nil), s.a...),
		Hidden:     s.c,
		Vector:     make([]float64, e.cfg.InputSize()),
		Prediction: floats.MaxIdx(s.p),
	}
	for i, id := range ctx {
		emb.Vector[id] += s.a[i]
	}
	return emb
}
