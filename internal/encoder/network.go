package encoder

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// window caches the per-position hidden states of one context window.
type window struct {
	ids []int
	h   [][]float64
	dh  [][]float64
}

// step caches one decoding step: attention logits, weights, attended state
// and the output distribution.
type step struct {
	prev int
	z    []float64
	a    []float64
	c    []float64
	p    []float64
}

// encode computes h_i = tanh(E[x_i] + P_i + B) for every position.
func (e *ContextEncoder) encode(ids []int) *window {
	win := &window{ids: ids, h: make([][]float64, len(ids))}
	for i, id := range ids {
		h := make([]float64, e.cfg.Hidden)
		copy(h, e.row(e.w.E, id))
		floats.Add(h, e.row(e.w.P, i))
		floats.Add(h, e.w.B)
		for k, v := range h {
			h[k] = math.Tanh(v)
		}
		win.h[i] = h
	}
	return win
}

// attend runs one decoding step with the query of the previous token.
func (e *ContextEncoder) attend(win *window, prev int) *step {
	q := e.row(e.w.Q, prev)
	s := &step{prev: prev, z: make([]float64, len(win.h))}
	for i, h := range win.h {
		s.z[i] = floats.Dot(q, h)
	}
	e.settle(win, s)
	return s
}

// settle recomputes attention weights, attended state and output
// distribution from the current attention logits.
func (e *ContextEncoder) settle(win *window, s *step) {
	s.a = append(s.a[:0], s.z...)
	softmax(s.a)

	s.c = make([]float64, e.cfg.Hidden)
	for i, h := range win.h {
		floats.AddScaled(s.c, s.a[i], h)
	}

	s.p = make([]float64, e.cfg.Events)
	for k := range s.p {
		s.p[k] = floats.Dot(e.row(e.w.W, k), s.c) + e.w.O[k]
	}
	softmax(s.p)
}

func softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	m := floats.Max(x)
	sum := 0.0
	for i, v := range x {
		x[i] = math.Exp(v - m)
		sum += x[i]
	}
	floats.Scale(1/sum, x)
}

const minProb = 1e-12

// smoothedLoss returns the label-smoothed cross entropy of p against target
// y and writes dLoss/dLogits into dO.
func (e *ContextEncoder) smoothedLoss(p []float64, y int, dO []float64) float64 {
	on, off := 1.0, 0.0
	if n := len(p); n > 1 {
		on = 1 - e.cfg.Delta
		off = e.cfg.Delta / float64(n-1)
	}
	loss := 0.0
	for k, pk := range p {
		t := off
		if k == y {
			t = on
		}
		if t > 0 {
			loss -= t * math.Log(math.Max(pk, minProb))
		}
		dO[k] = pk - t
	}
	return loss
}

// backAttention propagates dLoss/dLogits back to the attended state (dc)
// and to the attention logits (dz).
func (e *ContextEncoder) backAttention(win *window, s *step, dO []float64) (dc, dz []float64) {
	dc = make([]float64, e.cfg.Hidden)
	for k, d := range dO {
		if d != 0 {
			floats.AddScaled(dc, d, e.row(e.w.W, k))
		}
	}
	da := make([]float64, len(win.h))
	for i, h := range win.h {
		da[i] = floats.Dot(h, dc)
	}
	mean := floats.Dot(s.a, da)
	dz = make([]float64, len(win.h))
	for i := range dz {
		dz[i] = s.a[i] * (da[i] - mean)
	}
	return dc, dz
}

// backward accumulates parameter gradients of one decoding step into g and
// hidden-state gradients into win.dh.
func (e *ContextEncoder) backward(win *window, s *step, dO []float64, g *params) {
	for k, d := range dO {
		if d == 0 {
			continue
		}
		floats.AddScaled(e.row(g.W, k), d, s.c)
		g.O[k] += d
	}

	dc, dz := e.backAttention(win, s, dO)
	q := e.row(e.w.Q, s.prev)
	gq := e.row(g.Q, s.prev)
	if win.dh == nil {
		win.dh = make([][]float64, len(win.h))
		for i := range win.dh {
			win.dh[i] = make([]float64, e.cfg.Hidden)
		}
	}
	for i, h := range win.h {
		floats.AddScaled(win.dh[i], s.a[i], dc)
		floats.AddScaled(win.dh[i], dz[i], q)
		floats.AddScaled(gq, dz[i], h)
	}
}

// backwardWindow pushes the accumulated hidden-state gradients through the
// tanh encoder into the embedding, position and bias gradients.
func (e *ContextEncoder) backwardWindow(win *window, g *params) {
	if win.dh == nil {
		return
	}
	du := make([]float64, e.cfg.Hidden)
	for i, h := range win.h {
		for k, v := range h {
			du[k] = win.dh[i][k] * (1 - v*v)
		}
		floats.Add(e.row(g.E, win.ids[i]), du)
		floats.Add(e.row(g.P, i), du)
		floats.Add(g.B, du)
	}
}
