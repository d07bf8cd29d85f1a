// Package encoder implements the context-prediction network: an attention
// model that predicts an event from the window of events preceding it and
// exposes the attention it used as a context representation.
package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"deepcase/internal/errs"
)

// Defaults used when no configuration overrides them.
const (
	DefaultHidden = 128
	DefaultDelta  = 0.1
)

// Config describes the network shape.
type Config struct {
	// Events is V, the number of real event types. Input ids range over
	// 0..V where V is the padding id; outputs range over 0..V-1.
	Events int     `json:"events"`
	Length int     `json:"length"`
	Hidden int     `json:"hidden"`
	Delta  float64 `json:"delta"`
	Seed   int64   `json:"seed"`
}

// InputSize is the number of representable input ids, padding included.
func (c Config) InputSize() int {
	return c.Events + 1
}

// NoEvent is the padding id, also used as decoder start token.
func (c Config) NoEvent() int {
	return c.Events
}

func (c Config) validate() error {
	switch {
	case c.Events < 1:
		return fmt.Errorf("%w: events must be >= 1, got %d", errs.ErrInvalidConfig, c.Events)
	case c.Length < 1:
		return fmt.Errorf("%w: length must be >= 1, got %d", errs.ErrInvalidConfig, c.Length)
	case c.Hidden < 1:
		return fmt.Errorf("%w: hidden must be >= 1, got %d", errs.ErrInvalidConfig, c.Hidden)
	case !(c.Delta >= 0 && c.Delta < 1):
		return fmt.Errorf("%w: delta must be in [0,1), got %v", errs.ErrInvalidConfig, c.Delta)
	}
	return nil
}

// params holds all learned weights as flat row-major slices.
type params struct {
	E []float64 // InputSize x Hidden, event embedding
	P []float64 // Length x Hidden, position embedding
	B []float64 // Hidden, encoder bias
	Q []float64 // InputSize x Hidden, attention query per previous token
	W []float64 // Events x Hidden, output projection
	O []float64 // Events, output bias
}

func newParams(c Config) *params {
	in, h := c.InputSize(), c.Hidden
	return &params{
		E: make([]float64, in*h),
		P: make([]float64, c.Length*h),
		B: make([]float64, h),
		Q: make([]float64, in*h),
		W: make([]float64, c.Events*h),
		O: make([]float64, c.Events),
	}
}

func (p *params) slices() [][]float64 {
	return [][]float64{p.E, p.P, p.B, p.Q, p.W, p.O}
}

func (p *params) zero() {
	for _, s := range p.slices() {
		clear(s)
	}
}

// ContextEncoder is the trainable context-prediction model.
type ContextEncoder struct {
	cfg     Config
	w       *params
	trained bool
}

// New creates an encoder with weights initialized from cfg.Seed.
func New(cfg Config) (*ContextEncoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	w := newParams(cfg)
	rng := rand.New(rand.NewSource(cfg.Seed))
	embed := 1 / math.Sqrt(float64(cfg.Hidden))
	fill(rng, w.E, embed)
	fill(rng, w.P, embed)
	fill(rng, w.Q, embed)
	fill(rng, w.W, math.Sqrt(6/float64(cfg.Hidden+cfg.Events)))
	return &ContextEncoder{cfg: cfg, w: w}, nil
}

func fill(rng *rand.Rand, s []float64, bound float64) {
	for i := range s {
		s[i] = (2*rng.Float64() - 1) * bound
	}
}

// Config returns the network shape.
func (e *ContextEncoder) Config() Config {
	return e.cfg
}

// Fitted reports whether the encoder was trained or loaded.
func (e *ContextEncoder) Fitted() bool {
	return e != nil && e.trained
}

func (e *ContextEncoder) row(s []float64, i int) []float64 {
	h := e.cfg.Hidden
	return s[i*h : (i+1)*h]
}

func (e *ContextEncoder) checkContexts(contexts [][]int) error {
	in := e.cfg.InputSize()
	for i, ctx := range contexts {
		if len(ctx) != e.cfg.Length {
			return fmt.Errorf("%w: context %d has length %d, want %d", errs.ErrShapeMismatch, i, len(ctx), e.cfg.Length)
		}
		for _, id := range ctx {
			if id < 0 || id >= in {
				return fmt.Errorf("%w: context %d holds id %d outside [0,%d]", errs.ErrMalformedInput, i, id, in-1)
			}
		}
	}
	return nil
}

func (e *ContextEncoder) checkTarget(i, target int) error {
	if target < 0 || target >= e.cfg.Events {
		return fmt.Errorf("%w: target %d is %d, outside [0,%d)", errs.ErrMalformedInput, i, target, e.cfg.Events)
	}
	return nil
}
