package interpreter

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"deepcase/internal/encoder"
	"deepcase/internal/errs"
	"deepcase/pkg/models"
)

func rotation(copies int) ([][]int, []int) {
	patterns := [][]int{{0, 1, 2}, {1, 2, 3}, {2, 3, 0}, {3, 0, 1}}
	next := []int{3, 0, 1, 2}
	var contexts [][]int
	var targets []int
	for c := 0; c < copies; c++ {
		for i, p := range patterns {
			contexts = append(contexts, p)
			targets = append(targets, next[i])
		}
	}
	return contexts, targets
}

func fittedEncoder(t *testing.T) *encoder.ContextEncoder {
	t.Helper()
	enc, err := encoder.New(encoder.Config{Events: 4, Length: 3, Hidden: 16, Delta: 0.1, Seed: 7})
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	contexts, targets := rotation(8)
	steps := make([][]int, len(targets))
	for i, y := range targets {
		steps[i] = []int{y}
	}
	_, err = enc.Fit(contexts, steps, encoder.TrainConfig{
		Epochs:       60,
		BatchSize:    8,
		LearningRate: 0.05,
		TeachRatio:   0.5,
		Rand:         rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("fit encoder: %v", err)
	}
	return enc
}

func unlabeledScores(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = ScoreUnlabeled
	}
	return out
}

func TestNewRequiresFittedEncoder(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); !errors.Is(err, errs.ErrEncoderRequired) {
		t.Fatalf("nil encoder err = %v", err)
	}
	raw, _ := encoder.New(encoder.Config{Events: 2, Length: 2, Hidden: 2})
	if _, err := New(raw, DefaultConfig()); !errors.Is(err, errs.ErrEncoderRequired) {
		t.Fatalf("untrained encoder err = %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.Epsilon = 0 },
		func(c *Config) { c.MinSamples = 0 },
		func(c *Config) { c.Threshold = 1.5 },
		func(c *Config) { c.Strategy = "median" },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.validate(); !errors.Is(err, errs.ErrInvalidConfig) {
			t.Fatalf("case %d: err = %v, want ErrInvalidConfig", i, err)
		}
	}
}

func TestFitErrors(t *testing.T) {
	in, err := New(fittedEncoder(t), DefaultConfig())
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}
	if _, err := in.Fit(nil, nil, nil, 10, 16); !errors.Is(err, errs.ErrEmptyEmbeddingSet) {
		t.Fatalf("empty fit err = %v", err)
	}
	if _, err := in.Fit([][]int{{0, 1, 2}}, []int{3, 0}, []float64{0}, 10, 16); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("mismatch err = %v", err)
	}
	if _, err := in.Predict([][]int{{0, 1, 2}}, []int{3}, 0, 16); !errors.Is(err, errs.ErrUntrainedModel) {
		t.Fatalf("predict before fit err = %v", err)
	}
}

func TestMinSamplesAboveInputCountIsAllNoise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamples = 1000
	in, err := New(fittedEncoder(t), cfg)
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}
	contexts, targets := rotation(2)
	res, err := in.Fit(contexts, targets, unlabeledScores(len(targets)), 10, 4)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if len(in.Clusters()) != 0 {
		t.Fatalf("expected no clusters, got %d", len(in.Clusters()))
	}
	for i, c := range res.Clusters {
		if c != NoCluster {
			t.Fatalf("input %d clustered into %d", i, c)
		}
	}
	preds, err := in.Predict(contexts, targets, 10, 4)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for i, p := range preds {
		if p.Cluster != NoCluster {
			t.Fatalf("prediction %d = cluster %d, want NONE", i, p.Cluster)
		}
	}
}

func TestFitPropagatesLabelAndAutomaticApplies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamples = 3
	in, err := New(fittedEncoder(t), cfg)
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}
	contexts, targets := rotation(8)
	scores := unlabeledScores(len(targets))
	scores[0] = 2

	res, err := in.Fit(contexts, targets, scores, 10, 5)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if in.ModelID() == "" {
		t.Fatalf("fit should assign a model id")
	}
	c0 := res.Clusters[0]
	if c0 == NoCluster {
		t.Fatalf("repeated pattern should be clustered")
	}
	for i := 0; i < len(contexts); i += 4 {
		if res.Clusters[i] != c0 {
			t.Fatalf("identical input %d in cluster %d, want %d", i, res.Clusters[i], c0)
		}
		if res.Scores[i] != 2 {
			t.Fatalf("input %d score %v, want propagated 2", i, res.Scores[i])
		}
	}
	cluster, _ := in.Cluster(c0)
	if !cluster.Labeled || cluster.Score != 2 {
		t.Fatalf("cluster %+v should be labeled with score 2", cluster)
	}

	preds, err := in.Predict([][]int{{0, 1, 2}, {0, 1, 2}}, []int{3, -1}, 10, 2)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if preds[0].Cluster != c0 {
		t.Fatalf("prediction cluster %d, want %d", preds[0].Cluster, c0)
	}
	if preds[1].Score != ScoreUnknownEvent || preds[1].Reason != ReasonUnknownEvent {
		t.Fatalf("unknown target prediction = %+v", preds[1])
	}
	outs := in.Automatic(preds)
	if outs[0].Status != models.StatusAuto || outs[0].Score != 2 || outs[0].Severity != "medium" {
		t.Fatalf("expected automatic decision, got %+v", outs[0])
	}
	if outs[1].Status != models.StatusDeferred || outs[1].Reason != ReasonUnknownEvent {
		t.Fatalf("expected deferred unknown event, got %+v", outs[1])
	}
}

func TestFitClustersRepeatedWindowsOnce(t *testing.T) {
	cfg := DefaultConfig()
	in, err := New(fittedEncoder(t), cfg)
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}
	contexts, targets := rotation(2000)
	res, err := in.Fit(contexts, targets, unlabeledScores(len(targets)), 5, 64)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if len(in.points) > 4 {
		t.Fatalf("expected at most 4 distinct reference points, got %d", len(in.points))
	}
	clustered := 0
	for _, c := range in.Clusters() {
		clustered += c.Size
	}
	if clustered+res.Noise+res.LowConfidence != len(contexts) {
		t.Fatalf("sizes %d + noise %d + low confidence %d != %d inputs",
			clustered, res.Noise, res.LowConfidence, len(contexts))
	}
	if res.LowConfidence < len(contexts) && clustered == 0 {
		t.Fatalf("repeated windows reach min_samples and should be clustered")
	}
	for i := 4; i < len(contexts); i++ {
		if res.Clusters[i] != res.Clusters[i%4] {
			t.Fatalf("input %d in cluster %d, identical input %d in %d", i, res.Clusters[i], i%4, res.Clusters[i%4])
		}
	}
}

func chained() *Interpreter {
	return &Interpreter{
		cfg: Config{Epsilon: 0.5, MinSamples: 1, Threshold: 0.5, Strategy: StrategyAvg, Workers: 2},
		clusters: []Cluster{
			{ID: 0, Size: 3, Centroid: []float64{1, 0}, Score: 2.5, Labeled: true},
		},
		points: []point{
			{Vector: []float64{0, 0}, Cluster: 0, Score: 4},
			{Vector: []float64{1, 0}, Cluster: 0, Score: 4},
			{Vector: []float64{2, 0}, Cluster: 0, Score: 1},
			{Vector: []float64{3, 0}, Cluster: 0, Score: ScoreUnlabeled},
		},
		modelID: "chain",
		fitted:  true,
	}
}

func TestPredictionCarriesPropagatedMemberScore(t *testing.T) {
	in := chained()
	embs := []encoder.Embedding{
		{Vector: []float64{1.1, 0}, Confidence: 0.9},
		{Vector: []float64{2.1, 0}, Confidence: 0.9},
		{Vector: []float64{3.1, 0}, Confidence: 0.9},
	}
	outs := in.Automatic(in.PredictEmbeddings(embs))
	want := []struct {
		score    float64
		severity string
	}{
		{4, "critical"},
		{1, "low"},
		{2.5, "medium"},
	}
	for i, w := range want {
		if outs[i].Status != models.StatusAuto || outs[i].Score != w.score || outs[i].Severity != w.severity {
			t.Fatalf("outcome %d = %+v, want score %v severity %s", i, outs[i], w.score, w.severity)
		}
	}

	if err := in.Label(0, 2, "triaged"); err != nil {
		t.Fatalf("label: %v", err)
	}
	for i, p := range in.PredictEmbeddings(embs) {
		if p.Score != 2 {
			t.Fatalf("prediction %d score %v, analyst label 2 should override member scores", i, p.Score)
		}
	}
}

func TestFitIsDeterministic(t *testing.T) {
	enc := fittedEncoder(t)
	contexts, targets := rotation(4)
	run := func() []int {
		cfg := DefaultConfig()
		cfg.MinSamples = 2
		cfg.Workers = 3
		in, err := New(enc, cfg)
		if err != nil {
			t.Fatalf("new interpreter: %v", err)
		}
		res, err := in.Fit(contexts, targets, unlabeledScores(len(targets)), 5, 3)
		if err != nil {
			t.Fatalf("fit: %v", err)
		}
		return res.Clusters
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("input %d clustered %d then %d", i, a[i], b[i])
		}
	}
}

func handcrafted() *Interpreter {
	return &Interpreter{
		cfg: Config{Epsilon: 0.5, MinSamples: 1, Threshold: 0.5, Strategy: StrategyMax, Workers: 2},
		clusters: []Cluster{
			{ID: 0, Size: 1, Centroid: []float64{0, 0}, Score: 3, Labeled: true},
			{ID: 1, Size: 1, Centroid: []float64{5, 5}, Score: ScoreUnlabeled},
		},
		points: []point{
			{Vector: []float64{0, 0}, Cluster: 0, Score: 3},
			{Vector: []float64{5, 5}, Cluster: 1, Score: ScoreUnlabeled},
		},
		modelID: "test",
		fitted:  true,
	}
}

func TestAutomaticThresholdBehaviour(t *testing.T) {
	in := handcrafted()
	embs := []encoder.Embedding{
		{Vector: []float64{0.1, 0}, Confidence: 0.9},
		{Vector: []float64{0.1, 0}, Confidence: 0.4},
		{Vector: []float64{5, 5.2}, Confidence: 0.9},
		{Vector: []float64{9, 9}, Confidence: 0.9},
	}
	outs := in.Automatic(in.PredictEmbeddings(embs))
	want := []struct {
		status, reason string
	}{
		{models.StatusAuto, ""},
		{models.StatusDeferred, ReasonLowConfidence},
		{models.StatusDeferred, ReasonUnlabeledCluster},
		{models.StatusDeferred, ReasonNoCluster},
	}
	for i, w := range want {
		if outs[i].Status != w.status || outs[i].Reason != w.reason {
			t.Fatalf("outcome %d = %+v, want %s/%s", i, outs[i], w.status, w.reason)
		}
	}
	if outs[0].Score != 3 || outs[0].Severity != "high" {
		t.Fatalf("auto outcome should carry cluster score, got %+v", outs[0])
	}

	in.cfg.Threshold = 0.95
	outs = in.Automatic(in.PredictEmbeddings(embs[:1]))
	if outs[0].Status != models.StatusDeferred || outs[0].Reason != ReasonLowConfidence {
		t.Fatalf("raised threshold should defer, got %+v", outs[0])
	}
}

func TestLabelMovesClusterToLabeled(t *testing.T) {
	in := handcrafted()
	if err := in.Label(7, 1, "x"); !errors.Is(err, errs.ErrUnknownCluster) {
		t.Fatalf("unknown cluster err = %v", err)
	}
	err := in.ApplyLabels(map[int]Assignment{1: {Score: 4}, 9: {Score: 1}})
	if !errors.Is(err, errs.ErrUnknownCluster) {
		t.Fatalf("bad batch err = %v", err)
	}
	if c, _ := in.Cluster(1); c.Labeled {
		t.Fatalf("failed batch must not apply labels")
	}
	if err := in.Label(1, 4, "lateral movement"); err != nil {
		t.Fatalf("label: %v", err)
	}
	c, _ := in.Cluster(1)
	if !c.Labeled || c.Score != 4 || c.Label != "lateral movement" {
		t.Fatalf("cluster not labeled: %+v", c)
	}
	outs := in.Automatic(in.PredictEmbeddings([]encoder.Embedding{{Vector: []float64{5, 5}, Confidence: 1}}))
	if outs[0].Status != models.StatusAuto || outs[0].Severity != "critical" {
		t.Fatalf("labeled cluster should auto-apply, got %+v", outs[0])
	}
}

func TestReviewGroupsByCluster(t *testing.T) {
	in := handcrafted()
	preds := []Prediction{
		{Cluster: 1, Score: ScoreUnlabeled, Confidence: 0.9, Reason: ReasonUnlabeledCluster},
		{Cluster: NoCluster, Score: ScoreNoCluster, Confidence: 0.9, Reason: ReasonNoCluster},
		{Cluster: 0, Score: 3, Confidence: 0.9},
		{Cluster: 1, Score: ScoreUnlabeled, Confidence: 0.8, Reason: ReasonUnlabeledCluster},
	}
	r := in.Review(preds)
	if len(r.Groups) != 2 || r.Groups[0].Cluster.ID != 1 || len(r.Groups[0].Members) != 2 {
		t.Fatalf("unexpected groups: %+v", r.Groups)
	}
	if len(r.Unclustered) != 1 || r.Unclustered[0] != 1 {
		t.Fatalf("unexpected unclustered: %v", r.Unclustered)
	}
	for _, o := range r.Outcomes {
		if o.Status != models.StatusReview {
			t.Fatalf("manual mode must not decide, got %+v", o)
		}
	}
}

func TestPersistRoundTrip(t *testing.T) {
	enc := fittedEncoder(t)
	in := handcrafted()
	in.enc = enc
	in.points = []point{{Vector: []float64{1, 0, 0, 0, 0}, Cluster: 0, Score: 3}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := Load(data, enc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.ModelID() != "test" || len(restored.Clusters()) != 2 || !restored.Fitted() {
		t.Fatalf("restored state mismatch: %+v", restored.Clusters())
	}
	embs := []encoder.Embedding{{Vector: []float64{1, 0, 0, 0, 0.1}, Confidence: 0.9}}
	if a, b := in.PredictEmbeddings(embs)[0], restored.PredictEmbeddings(embs)[0]; a != b {
		t.Fatalf("prediction changed after reload: %+v vs %+v", a, b)
	}

	raw, _ := encoder.New(encoder.Config{Events: 4, Length: 3, Hidden: 2})
	if _, err := Load(data, raw); !errors.Is(err, errs.ErrEncoderRequired) {
		t.Fatalf("load with untrained encoder err = %v", err)
	}
}

func TestSeverityBuckets(t *testing.T) {
	cases := map[float64]string{
		5:                  "critical",
		3.5:                "high",
		2:                  "medium",
		1:                  "low",
		0:                  "informational",
		ScoreNoCluster:     "none",
		ScoreLowConfidence: "none",
	}
	for score, want := range cases {
		if got := Severity(score); got != want {
			t.Fatalf("Severity(%v) = %q, want %q", score, got, want)
		}
	}
}

func TestReconfigureKeepsClusters(t *testing.T) {
	in := handcrafted()
	bad := in.Config()
	bad.MinSamples = 0
	if err := in.Reconfigure(bad); !errors.Is(err, errs.ErrInvalidConfig) {
		t.Fatalf("invalid config err = %v", err)
	}
	cfg := Config{Epsilon: 0.9, MinSamples: 3, Threshold: 0.7, Strategy: StrategyMin, Workers: 1, CarryLabels: true}
	if err := in.Reconfigure(cfg); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if in.Config() != cfg {
		t.Fatalf("config = %+v, want %+v", in.Config(), cfg)
	}
	if len(in.Clusters()) != 2 || in.ModelID() != "test" {
		t.Fatalf("reconfigure must keep the fitted clusters")
	}
}
