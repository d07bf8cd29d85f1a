// Package interpreter clusters context embeddings, propagates risk scores
// from labeled events to their neighbours and turns predictions into
// reviewable or automatic decisions.
package interpreter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"deepcase/internal/encoder"
	"deepcase/internal/errs"
	"deepcase/internal/logger"
)

// Score sentinels.
const (
	ScoreLowConfidence = -1.0
	ScoreUnknownEvent  = -2.0
	ScoreNoCluster     = -3.0
	ScoreUnlabeled     = -4.0
)

// NoCluster marks a point or prediction without cluster.
const NoCluster = -1

// Strategy combines the scores of labeled cluster members.
type Strategy string

const (
	StrategyMax Strategy = "max"
	StrategyMin Strategy = "min"
	StrategyAvg Strategy = "avg"
)

// Config controls clustering and decision thresholds.
type Config struct {
	Epsilon    float64  `json:"epsilon"`
	MinSamples int      `json:"min_samples"`
	Threshold  float64  `json:"threshold"`
	Strategy   Strategy `json:"strategy"`
	Workers    int      `json:"workers"`
	// CarryLabels lets a refit inherit analyst labels from the previous
	// clusters whose centroid lies within Epsilon.
	CarryLabels bool `json:"carry_labels"`
}

// DefaultConfig returns the interpreter defaults.
func DefaultConfig() Config {
	return Config{
		Epsilon:    0.1,
		MinSamples: 5,
		Threshold:  0.2,
		Strategy:   StrategyMax,
		Workers:    4,
	}
}

func (c Config) validate() error {
	switch {
	case !(c.Epsilon > 0):
		return fmt.Errorf("%w: epsilon must be > 0, got %v", errs.ErrInvalidConfig, c.Epsilon)
	case c.MinSamples < 1:
		return fmt.Errorf("%w: min_samples must be >= 1, got %d", errs.ErrInvalidConfig, c.MinSamples)
	case !(c.Threshold >= 0 && c.Threshold <= 1):
		return fmt.Errorf("%w: threshold must be in [0,1], got %v", errs.ErrInvalidConfig, c.Threshold)
	}
	switch c.Strategy {
	case StrategyMax, StrategyMin, StrategyAvg:
	default:
		return fmt.Errorf("%w: unknown strategy %q", errs.ErrInvalidConfig, c.Strategy)
	}
	return nil
}

// Cluster is one group of similar contexts.
type Cluster struct {
	ID       int       `json:"id"`
	Size     int       `json:"size"`
	Centroid []float64 `json:"centroid"`
	Score    float64   `json:"score"`
	Labeled  bool      `json:"labeled"`
	Label    string    `json:"label,omitempty"`
}

// point is a clustered reference vector kept for prediction.
type point struct {
	Vector  []float64 `json:"vector"`
	Cluster int       `json:"cluster"`
	Score   float64   `json:"score"`
}

// Interpreter holds the clustering of a fitted embedding set.
type Interpreter struct {
	enc      *encoder.ContextEncoder
	cfg      Config
	modelID  string
	clusters []Cluster
	points   []point
	fitted   bool
}

// FitResult describes the outcome of Fit per input.
type FitResult struct {
	// Clusters holds the cluster of every input, NoCluster for noise and
	// low-confidence inputs.
	Clusters []int
	// Scores holds the score of every input after propagation.
	Scores        []float64
	Noise         int
	LowConfidence int
}

// New creates an interpreter on top of a fitted encoder.
func New(enc *encoder.ContextEncoder, cfg Config) (*Interpreter, error) {
	if !enc.Fitted() {
		return nil, errs.ErrEncoderRequired
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Interpreter{enc: enc, cfg: cfg}, nil
}

// Config returns the interpreter configuration.
func (in *Interpreter) Config() Config {
	return in.cfg
}

// Reconfigure replaces the configuration used by the next Fit and by
// predictions. The current clusters are kept so a refit can carry their
// labels.
func (in *Interpreter) Reconfigure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	in.cfg = cfg
	return nil
}

// ModelID identifies the current fitted state.
func (in *Interpreter) ModelID() string {
	return in.modelID
}

// Fitted reports whether Fit or a load completed.
func (in *Interpreter) Fitted() bool {
	return in.fitted
}

// Clusters returns a copy of the current clusters ordered by id.
func (in *Interpreter) Clusters() []Cluster {
	out := make([]Cluster, len(in.clusters))
	copy(out, in.clusters)
	return out
}

// Cluster returns the cluster with the given id.
func (in *Interpreter) Cluster(id int) (Cluster, bool) {
	if id < 0 || id >= len(in.clusters) {
		return Cluster{}, false
	}
	return in.clusters[id], true
}

func labeled(score float64) bool {
	return score >= 0
}

// Fit embeds every (context, target) pair, clusters the confident ones and
// scores the clusters from the labeled inputs. scores holds one initial
// score per input; negative scores mark unlabeled inputs.
func (in *Interpreter) Fit(contexts [][]int, targets []int, scores []float64, iterations, batchSize int) (*FitResult, error) {
	n := len(contexts)
	if n == 0 {
		return nil, fmt.Errorf("%w: nothing to fit", errs.ErrEmptyEmbeddingSet)
	}
	if len(targets) != n || len(scores) != n {
		return nil, fmt.Errorf("%w: %d contexts, %d targets, %d scores", errs.ErrShapeMismatch, n, len(targets), len(scores))
	}
	if iterations < 0 {
		return nil, fmt.Errorf("%w: iterations must be >= 0, got %d", errs.ErrInvalidConfig, iterations)
	}

	embs, err := in.queryUnique(contexts, targets, iterations, batchSize)
	if err != nil {
		return nil, err
	}

	result := &FitResult{
		Clusters: make([]int, n),
		Scores:   append([]float64(nil), scores...),
	}
	var confident []int
	for i, emb := range embs {
		result.Clusters[i] = NoCluster
		if emb.Confidence >= in.cfg.Threshold {
			confident = append(confident, i)
		} else {
			result.LowConfidence++
		}
	}

	// Identical vectors are clustered once and weighted by their count. A
	// vector starts from the highest label among its inputs.
	index := make(map[string]int)
	unique := make([]int, len(confident))
	var vectors [][]float64
	var weights []int
	var local []float64
	var origin []bool
	for k, i := range confident {
		key := vectorKey(embs[i].Vector)
		u, ok := index[key]
		if !ok {
			u = len(vectors)
			index[key] = u
			vectors = append(vectors, embs[i].Vector)
			weights = append(weights, 0)
			local = append(local, scores[i])
			origin = append(origin, labeled(scores[i]))
		}
		weights[u]++
		unique[k] = u
		switch {
		case labeled(scores[i]) && (!origin[u] || scores[i] > local[u]):
			local[u] = scores[i]
			origin[u] = true
		case !origin[u] && scores[i] > local[u]:
			local[u] = scores[i]
		}
	}
	labels, nbrs := dbscan(vectors, weights, in.cfg.Epsilon, in.cfg.MinSamples, in.cfg.Workers)
	propagate(labels, nbrs, local, origin, iterations)

	count := 0
	for _, l := range labels {
		if l+1 > count {
			count = l + 1
		}
	}
	labeledScores := make([][]float64, count)
	for k, i := range confident {
		l := labels[unique[k]]
		if l == noise {
			result.Noise++
			continue
		}
		result.Clusters[i] = l
		if labeled(scores[i]) {
			labeledScores[l] = append(labeledScores[l], scores[i])
		} else {
			result.Scores[i] = local[unique[k]]
		}
	}

	members := make([][]int, count)
	for u, l := range labels {
		if l != noise {
			members[l] = append(members[l], u)
		}
	}
	previous := in.clusters
	clusters := make([]Cluster, count)
	points := make([]point, 0, len(vectors))
	for c, us := range members {
		vs := make([][]float64, len(us))
		ws := make([]int, len(us))
		size := 0
		for j, u := range us {
			vs[j] = vectors[u]
			ws[j] = weights[u]
			size += weights[u]
			points = append(points, point{Vector: vectors[u], Cluster: c, Score: local[u]})
		}
		clusters[c] = Cluster{ID: c, Size: size, Centroid: centroid(vs, ws), Score: ScoreUnlabeled}
		if len(labeledScores[c]) > 0 {
			clusters[c].Score = combine(in.cfg.Strategy, labeledScores[c])
			clusters[c].Labeled = true
		}
	}
	if in.cfg.CarryLabels {
		carryLabels(clusters, previous, in.cfg.Epsilon)
	}

	in.clusters = clusters
	in.points = points
	in.modelID = uuid.NewString()
	in.fitted = true

	logger.Infof("Interpreter fitted: model=%s inputs=%d confident=%d clusters=%d noise=%d",
		in.modelID, n, len(confident), count, result.Noise)
	return result, nil
}

// queryUnique queries the encoder once per distinct (context, target) pair
// in batches and expands the embeddings back to the inputs.
func (in *Interpreter) queryUnique(contexts [][]int, targets []int, iterations, batchSize int) ([]encoder.Embedding, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1, got %d", errs.ErrInvalidConfig, batchSize)
	}
	index := make(map[string]int)
	inverse := make([]int, len(contexts))
	var uc [][]int
	var ut []int
	for i, ctx := range contexts {
		key := pairKey(ctx, targets[i])
		u, ok := index[key]
		if !ok {
			u = len(uc)
			index[key] = u
			uc = append(uc, ctx)
			ut = append(ut, targets[i])
		}
		inverse[i] = u
	}

	unique := make([]encoder.Embedding, 0, len(uc))
	for start := 0; start < len(uc); start += batchSize {
		end := min(start+batchSize, len(uc))
		batch, err := in.enc.Query(uc[start:end], ut[start:end], iterations)
		if err != nil {
			return nil, err
		}
		unique = append(unique, batch...)
		logger.Debugf("Interpreter query batch %d-%d of %d", start, end, len(uc))
	}

	out := make([]encoder.Embedding, len(contexts))
	for i, u := range inverse {
		out[i] = unique[u]
	}
	return out, nil
}

func pairKey(ctx []int, target int) string {
	var b strings.Builder
	for _, id := range ctx {
		b.WriteString(strconv.Itoa(id))
		b.WriteByte(',')
	}
	b.WriteByte('>')
	b.WriteString(strconv.Itoa(target))
	return b.String()
}

func vectorKey(v []float64) string {
	var b strings.Builder
	for _, x := range v {
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		b.WriteByte(',')
	}
	return b.String()
}

func combine(strategy Strategy, scores []float64) float64 {
	switch strategy {
	case StrategyMin:
		return floats.Min(scores)
	case StrategyAvg:
		return floats.Sum(scores) / float64(len(scores))
	default:
		return floats.Max(scores)
	}
}

// carryLabels copies labels of previously labeled clusters onto unlabeled
// new clusters with a centroid within eps.
func carryLabels(clusters, previous []Cluster, eps float64) {
	for i := range clusters {
		if clusters[i].Labeled {
			continue
		}
		best, bestDist := -1, 0.0
		for j, prev := range previous {
			if !prev.Labeled || len(prev.Centroid) != len(clusters[i].Centroid) {
				continue
			}
			d := floats.Distance(prev.Centroid, clusters[i].Centroid, 2)
			if d <= eps && (best < 0 || d < bestDist) {
				best, bestDist = j, d
			}
		}
		if best >= 0 {
			clusters[i].Score = previous[best].Score
			clusters[i].Label = previous[best].Label
			clusters[i].Labeled = true
		}
	}
}
