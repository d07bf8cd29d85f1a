package interpreter

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"

	"deepcase/internal/encoder"
	"deepcase/internal/errs"
)

// Reasons a prediction carries no usable cluster score.
const (
	ReasonLowConfidence    = "low_confidence"
	ReasonUnknownEvent     = "unknown_event"
	ReasonNoCluster        = "no_cluster"
	ReasonUnlabeledCluster = "unlabeled_cluster"
)

// Prediction assigns one input to a cluster, or to none.
type Prediction struct {
	Cluster    int     `json:"cluster"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Predict embeds every (context, target) pair and assigns it to the cluster
// of its nearest fitted member. Predictions in labeled clusters carry that
// member's propagated score when it has one. Targets outside the encoder vocabulary are
// reported as unknown events without querying the encoder.
func (in *Interpreter) Predict(contexts [][]int, targets []int, iterations, batchSize int) ([]Prediction, error) {
	if !in.fitted {
		return nil, fmt.Errorf("%w: interpreter is not fitted", errs.ErrUntrainedModel)
	}
	if len(contexts) != len(targets) {
		return nil, fmt.Errorf("%w: %d contexts but %d targets", errs.ErrShapeMismatch, len(contexts), len(targets))
	}

	out := make([]Prediction, len(contexts))
	events := in.enc.Config().Events
	var known []int
	for i, y := range targets {
		if y < 0 || y >= events {
			out[i] = Prediction{Cluster: NoCluster, Score: ScoreUnknownEvent, Reason: ReasonUnknownEvent}
			continue
		}
		known = append(known, i)
	}
	if len(known) == 0 {
		return out, nil
	}

	kc := make([][]int, len(known))
	kt := make([]int, len(known))
	for k, i := range known {
		kc[k] = contexts[i]
		kt[k] = targets[i]
	}
	embs, err := in.queryUnique(kc, kt, iterations, batchSize)
	if err != nil {
		return nil, err
	}
	for k, p := range in.PredictEmbeddings(embs) {
		out[known[k]] = p
	}
	return out, nil
}

// PredictEmbeddings assigns already computed embeddings to clusters. The
// nearest-member search is split across workers.
func (in *Interpreter) PredictEmbeddings(embs []encoder.Embedding) []Prediction {
	out := make([]Prediction, len(embs))
	workers := max(in.cfg.Workers, 1)
	jobs := make(chan int, workers*4)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = in.assign(embs[i])
			}
		}()
	}
	for i := range embs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

func (in *Interpreter) assign(emb encoder.Embedding) Prediction {
	p := Prediction{Cluster: NoCluster, Confidence: emb.Confidence}
	if emb.Confidence < in.cfg.Threshold {
		p.Score = ScoreLowConfidence
		p.Reason = ReasonLowConfidence
		return p
	}
	best, bestDist := -1, 0.0
	for j, pt := range in.points {
		if len(pt.Vector) != len(emb.Vector) {
			continue
		}
		d := floats.Distance(pt.Vector, emb.Vector, 2)
		if d <= in.cfg.Epsilon && (best < 0 || d < bestDist) {
			best, bestDist = j, d
		}
	}
	if best < 0 {
		p.Score = ScoreNoCluster
		p.Reason = ReasonNoCluster
		return p
	}
	pt := in.points[best]
	c := in.clusters[pt.Cluster]
	p.Cluster = c.ID
	p.Score = c.Score
	switch {
	case !c.Labeled:
		p.Reason = ReasonUnlabeledCluster
	case labeled(pt.Score):
		// The nearest member's propagated score is more specific than the
		// cluster aggregate.
		p.Score = pt.Score
	}
	return p
}
