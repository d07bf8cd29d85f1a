package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"deepcase/internal/errs"
	"deepcase/internal/logger"
)

// TrainConfig controls Fit.
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	// TeachRatio is the probability that a mini-batch is decoded with the
	// true previous target instead of the model's own prediction.
	TeachRatio float64
	// Rand drives shuffling and teacher forcing. A source seeded from the
	// encoder seed is used when nil.
	Rand *rand.Rand
}

// DefaultTrainConfig returns the training defaults.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:       10,
		BatchSize:    128,
		LearningRate: 0.01,
		TeachRatio:   0.5,
	}
}

func (tc TrainConfig) validate() error {
	switch {
	case tc.Epochs < 1:
		return fmt.Errorf("%w: epochs must be >= 1, got %d", errs.ErrInvalidConfig, tc.Epochs)
	case tc.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be >= 1, got %d", errs.ErrInvalidConfig, tc.BatchSize)
	case !(tc.LearningRate > 0):
		return fmt.Errorf("%w: learning rate must be > 0, got %v", errs.ErrInvalidConfig, tc.LearningRate)
	case !(tc.TeachRatio >= 0 && tc.TeachRatio <= 1):
		return fmt.Errorf("%w: teach ratio must be in [0,1], got %v", errs.ErrInvalidConfig, tc.TeachRatio)
	}
	return nil
}

// Fit trains the encoder on contexts and their target steps and returns the
// mean loss of every epoch. targets[i] lists the events to decode after
// contexts[i]; single-step training passes one target per row.
func (e *ContextEncoder) Fit(contexts [][]int, targets [][]int, tc TrainConfig) ([]float64, error) {
	if err := tc.validate(); err != nil {
		return nil, err
	}
	if len(contexts) == 0 {
		return nil, fmt.Errorf("%w: no training windows", errs.ErrEmptyInput)
	}
	if len(contexts) != len(targets) {
		return nil, fmt.Errorf("%w: %d contexts but %d targets", errs.ErrShapeMismatch, len(contexts), len(targets))
	}
	if err := e.checkContexts(contexts); err != nil {
		return nil, err
	}
	for i, row := range targets {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: target row %d is empty", errs.ErrShapeMismatch, i)
		}
		for _, y := range row {
			if err := e.checkTarget(i, y); err != nil {
				return nil, err
			}
		}
	}

	rng := tc.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(e.cfg.Seed))
	}
	opt := newAdam(e.cfg, tc.LearningRate)
	grad := newParams(e.cfg)
	n := len(contexts)
	history := make([]float64, 0, tc.Epochs)

	for epoch := 0; epoch < tc.Epochs; epoch++ {
		order := rng.Perm(n)
		total, count := 0.0, 0
		for start := 0; start < n; start += tc.BatchSize {
			end := min(start+tc.BatchSize, n)
			teach := rng.Float64() < tc.TeachRatio

			grad.zero()
			steps := 0
			for _, idx := range order[start:end] {
				loss, k := e.accumulate(contexts[idx], targets[idx], teach, grad)
				total += loss
				steps += k
			}
			for _, s := range grad.slices() {
				floats.Scale(1/float64(steps), s)
			}
			opt.step(e.w, grad)
			count += steps
		}
		mean := total / float64(count)
		history = append(history, mean)
		logger.Debugf("encoder epoch=%d/%d loss=%.5f", epoch+1, tc.Epochs, mean)
	}

	e.trained = true
	return history, nil
}

// accumulate decodes all target steps of one window, adding gradients to g.
func (e *ContextEncoder) accumulate(ctx, tgt []int, teach bool, g *params) (float64, int) {
	win := e.encode(ctx)
	dO := make([]float64, e.cfg.Events)
	prev := e.cfg.NoEvent()
	loss := 0.0
	for _, y := range tgt {
		s := e.attend(win, prev)
		loss += e.smoothedLoss(s.p, y, dO)
		e.backward(win, s, dO, g)
		if teach {
			prev = y
		} else {
			prev = floats.MaxIdx(s.p)
		}
	}
	e.backwardWindow(win, g)
	return loss, len(tgt)
}

// adam is the Adam optimizer over a params set.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  *params
}

func newAdam(cfg Config, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     newParams(cfg),
		v:     newParams(cfg),
	}
}

func (a *adam) step(w, g *params) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	ws, gs, ms, vs := w.slices(), g.slices(), a.m.slices(), a.v.slices()
	for j := range ws {
		wj, gj, mj, vj := ws[j], gs[j], ms[j], vs[j]
		for i, gi := range gj {
			mj[i] = a.beta1*mj[i] + (1-a.beta1)*gi
			vj[i] = a.beta2*vj[i] + (1-a.beta2)*gi*gi
			wj[i] -= a.lr * (mj[i] / c1) / (math.Sqrt(vj[i]/c2) + a.eps)
		}
	}
}
