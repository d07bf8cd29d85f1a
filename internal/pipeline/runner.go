// Package pipeline runs the DeepCASE modes end to end: it builds or loads
// the sequence dataset, trains or loads the encoder and interpreter, and
// turns predictions into reviews and decisions.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"

	"deepcase/config"
	"deepcase/internal/encoder"
	"deepcase/internal/errs"
	"deepcase/internal/interpreter"
	"deepcase/internal/labels"
	"deepcase/internal/logger"
	"deepcase/internal/metrics"
	"deepcase/internal/report"
	"deepcase/internal/sequence"
	"deepcase/pkg/models"
)

// Run modes.
const (
	ModeSequence  = "sequence"
	ModeTrain     = "train"
	ModeManual    = "manual"
	ModeAutomatic = "automatic"
)

// Runner executes one mode against configured inputs and sinks.
type Runner struct {
	cfg     config.DeepCASEConfig
	source  Source
	writer  DecisionWriter
	store   labels.Store
	metrics *metrics.Recorder
	out     io.Writer

	writeBatch int
	writePause time.Duration
}

// Options carries the optional collaborators of a Runner.
type Options struct {
	// Source is read when no dataset is loaded from disk.
	Source Source
	// Writer receives the decisions of manual and automatic runs.
	Writer DecisionWriter
	// Store provides and records analyst labels.
	Store labels.Store
	// Metrics defaults to a fresh recorder.
	Metrics *metrics.Recorder
	// Out receives tables and the review when no review path is set.
	Out io.Writer
}

// NewRunner creates a runner for cfg, which must already be validated.
func NewRunner(cfg config.DeepCASEConfig, opts Options) *Runner {
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.New()
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		cfg:        cfg,
		source:     opts.Source,
		writer:     opts.Writer,
		store:      opts.Store,
		metrics:    rec,
		out:        out,
		writeBatch: 1000,
		writePause: time.Second,
	}
}

// Metrics returns the recorder of the runner.
func (r *Runner) Metrics() *metrics.Recorder {
	return r.metrics
}

// Run dispatches one of the run modes.
func (r *Runner) Run(ctx context.Context, mode string) error {
	switch mode {
	case ModeSequence:
		_, err := r.Sequence(ctx)
		return err
	case ModeTrain:
		_, err := r.Train(ctx)
		return err
	case ModeManual:
		_, err := r.Manual(ctx)
		return err
	case ModeAutomatic:
		_, err := r.Automatic(ctx)
		return err
	default:
		return fmt.Errorf("%w: unknown mode %q", errs.ErrInvalidConfig, mode)
	}
}

func (r *Runner) stage(name string, start time.Time) {
	elapsed := time.Since(start).Seconds()
	r.metrics.Stage(name, elapsed)
	logger.Debugf("Stage %s finished in %.3fs", name, elapsed)
}

// dataset loads the configured dataset or builds one from the source. With a
// non-nil vocabulary the dataset is encoded with it, so events unknown to a
// trained encoder become unknown targets.
func (r *Runner) dataset(ctx context.Context, vocab *sequence.Vocabulary) (*sequence.Dataset, error) {
	defer r.stage("sequence", time.Now())

	var ds *sequence.Dataset
	if path := r.cfg.Models.Sequences.Load; path != "" {
		loaded, err := LoadDataset(path)
		if err != nil {
			return nil, err
		}
		logger.Infof("Dataset loaded from %s: windows=%d", path, loaded.Len())
		ds = loaded
		if vocab != nil && !slices.Equal(vocab.Labels(), ds.Vocabulary.Labels()) {
			ds, err = sequence.Builder{Length: ds.Length, Timeout: ds.Timeout, Vocabulary: vocab}.Build(ds.Events)
			if err != nil {
				return nil, err
			}
		}
	} else {
		if r.source == nil {
			return nil, fmt.Errorf("%w: no input configured and no dataset to load", errs.ErrInvalidConfig)
		}
		events, err := r.source.Events(ctx)
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		r.metrics.Events(len(events))
		ds, err = sequence.Builder{
			Length:     r.cfg.Sequence.Length,
			Timeout:    r.cfg.Sequence.Timeout,
			Vocabulary: vocab,
		}.Build(events)
		if err != nil {
			return nil, err
		}
	}

	r.metrics.Sessions(ds.SessionCount())
	logger.Infof("Dataset ready: windows=%d sessions=%d event_types=%d", ds.Len(), ds.SessionCount(), ds.Vocabulary.Size())

	if path := r.cfg.Models.Sequences.Save; path != "" {
		if err := SaveDataset(path, ds); err != nil {
			return nil, err
		}
		logger.Infof("Dataset saved to %s", path)
	}
	return ds, nil
}

// Sequence builds the dataset, saves it when configured and prints it.
func (r *Runner) Sequence(ctx context.Context) (*sequence.Dataset, error) {
	ds, err := r.dataset(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := report.ShowSequences(r.out, ds.Contexts, ds.Targets, ds.Labels, ds.Vocabulary, ds.NoEvent()); err != nil {
		return nil, fmt.Errorf("show sequences: %w", err)
	}
	return ds, nil
}

// Model is a trained encoder bundle and its interpreter.
type Model struct {
	Bundle      *Bundle
	Interpreter *interpreter.Interpreter
}

func (r *Runner) interpreterConfig() interpreter.Config {
	ic := r.cfg.Interpreter
	return interpreter.Config{
		Epsilon:     ic.Epsilon,
		MinSamples:  ic.MinSamples,
		Threshold:   ic.Confidence,
		Strategy:    interpreter.Strategy(ic.Strategy),
		Workers:     ic.Workers,
		CarryLabels: ic.CarryLabels,
	}
}

// Train fits the encoder (unless one is loaded) and the interpreter on the
// dataset and saves the artifacts that have a save path.
func (r *Runner) Train(ctx context.Context) (*Model, error) {
	var bundle *Bundle
	if path := r.cfg.Models.Encoder.Load; path != "" {
		b, err := LoadBundle(path)
		if err != nil {
			return nil, err
		}
		logger.Infof("Encoder loaded from %s", path)
		bundle = b
	}

	var vocab *sequence.Vocabulary
	if bundle != nil {
		vocab = bundle.Vocabulary
	}
	ds, err := r.dataset(ctx, vocab)
	if err != nil {
		return nil, err
	}

	if bundle == nil {
		bundle, err = r.trainEncoder(ds)
		if err != nil {
			return nil, err
		}
	}
	if path := r.cfg.Models.Encoder.Save; path != "" {
		if err := SaveBundle(path, bundle); err != nil {
			return nil, err
		}
		logger.Infof("Encoder saved to %s", path)
	}

	in, err := r.fitInterpreter(ds, bundle)
	if err != nil {
		return nil, err
	}
	if path := r.cfg.Models.Interpreter.Save; path != "" {
		if err := SaveInterpreter(path, in); err != nil {
			return nil, err
		}
		logger.Infof("Interpreter saved to %s", path)
	}
	return &Model{Bundle: bundle, Interpreter: in}, nil
}

func (r *Runner) trainEncoder(ds *sequence.Dataset) (*Bundle, error) {
	defer r.stage("train", time.Now())

	events, err := r.cfg.Encoder.EventCount()
	if err != nil {
		return nil, err
	}
	if events == 0 {
		events = ds.Vocabulary.Size()
	}
	if events < ds.Vocabulary.Size() {
		return nil, fmt.Errorf("%w: events=%d but the dataset has %d event types", errs.ErrInvalidConfig, events, ds.Vocabulary.Size())
	}
	if r.cfg.Encoder.Device != "" && r.cfg.Encoder.Device != "cpu" {
		logger.Debugf("Device %q resolved to cpu", r.cfg.Encoder.Device)
	}

	enc, err := encoder.New(encoder.Config{
		Events: events,
		Length: ds.Length,
		Hidden: r.cfg.Encoder.Hidden,
		Delta:  r.cfg.Encoder.Delta,
		Seed:   r.cfg.Train.Seed,
	})
	if err != nil {
		return nil, err
	}
	history, err := enc.Fit(windows(ds, enc), ds.Steps(), encoder.TrainConfig{
		Epochs:       r.cfg.Train.Epochs,
		BatchSize:    r.cfg.Train.BatchSize,
		LearningRate: r.cfg.Train.LearningRate,
		TeachRatio:   r.cfg.Train.TeachRatio,
		Rand:         rand.New(rand.NewSource(r.cfg.Train.Seed)),
	})
	if err != nil {
		return nil, fmt.Errorf("train encoder: %w", err)
	}
	r.metrics.Training(history)
	logger.Infof("Encoder trained: epochs=%d final_loss=%.4f", len(history), history[len(history)-1])
	return &Bundle{Vocabulary: ds.Vocabulary, Encoder: enc}, nil
}

func (r *Runner) fitInterpreter(ds *sequence.Dataset, bundle *Bundle) (*interpreter.Interpreter, error) {
	defer r.stage("cluster", time.Now())

	var in *interpreter.Interpreter
	// A previous interpreter only shares the embedding space when the
	// encoder was loaded rather than retrained.
	if path := r.cfg.Models.Interpreter.Load; path != "" && r.cfg.Models.Encoder.Load != "" {
		prev, err := LoadInterpreter(path, bundle.Encoder)
		if err != nil {
			return nil, err
		}
		if err := prev.Reconfigure(r.interpreterConfig()); err != nil {
			return nil, err
		}
		in = prev
	} else {
		fresh, err := interpreter.New(bundle.Encoder, r.interpreterConfig())
		if err != nil {
			return nil, err
		}
		in = fresh
	}

	res, err := in.Fit(windows(ds, bundle.Encoder), ds.Targets, ds.Scores(interpreter.ScoreUnlabeled), r.cfg.Interpreter.Iterations, r.cfg.Interpreter.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fit interpreter: %w", err)
	}
	r.metrics.Clustering(len(in.Clusters()), res.Noise)
	return in, nil
}

// windows returns the dataset contexts with the vocabulary padding id
// replaced by the encoder's, which differ when the encoder was sized for more
// event types than the vocabulary holds.
func windows(ds *sequence.Dataset, enc *encoder.ContextEncoder) [][]int {
	from, to := ds.NoEvent(), enc.Config().NoEvent()
	if from == to {
		return ds.Contexts
	}
	out := make([][]int, len(ds.Contexts))
	for i, ctx := range ds.Contexts {
		w := make([]int, len(ctx))
		for j, id := range ctx {
			if id == from {
				id = to
			}
			w[j] = id
		}
		out[i] = w
	}
	return out
}

// load restores the encoder bundle and interpreter of a previous train run.
func (r *Runner) load() (*Model, error) {
	encPath := r.cfg.Models.Encoder.Load
	inPath := r.cfg.Models.Interpreter.Load
	if encPath == "" || inPath == "" {
		return nil, fmt.Errorf("%w: loading a trained encoder and interpreter is required", errs.ErrUntrainedModel)
	}
	bundle, err := LoadBundle(encPath)
	if err != nil {
		return nil, err
	}
	in, err := LoadInterpreter(inPath, bundle.Encoder)
	if err != nil {
		return nil, err
	}
	logger.Infof("Model loaded: encoder=%s interpreter=%s model=%s clusters=%d", encPath, inPath, in.ModelID(), len(in.Clusters()))
	return &Model{Bundle: bundle, Interpreter: in}, nil
}

// applyStoredLabels applies the analyst labels recorded for the model.
func (r *Runner) applyStoredLabels(ctx context.Context, in *interpreter.Interpreter) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.List(ctx, in.ModelID())
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}
	if err := in.ApplyLabels(labels.Assignments(recs)); err != nil {
		return fmt.Errorf("apply stored labels: %w", err)
	}
	logger.Infof("Applied %d stored cluster labels", len(recs))
	return nil
}

// predict loads the model, builds the dataset with its vocabulary and
// predicts every window.
func (r *Runner) predict(ctx context.Context) (*Model, *sequence.Dataset, []interpreter.Prediction, error) {
	m, err := r.load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := r.applyStoredLabels(ctx, m.Interpreter); err != nil {
		return nil, nil, nil, err
	}
	ds, err := r.dataset(ctx, m.Bundle.Vocabulary)
	if err != nil {
		return nil, nil, nil, err
	}

	start := time.Now()
	preds, err := m.Interpreter.Predict(windows(ds, m.Bundle.Encoder), ds.Targets, r.cfg.Interpreter.Iterations, r.cfg.Interpreter.BatchSize)
	r.stage("predict", start)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("predict: %w", err)
	}
	return m, ds, preds, nil
}

// Manual groups the predictions per cluster for an analyst, writes the
// review and emits one review decision per window.
func (r *Runner) Manual(ctx context.Context) (*interpreter.Review, error) {
	m, ds, preds, err := r.predict(ctx)
	if err != nil {
		return nil, err
	}
	review := m.Interpreter.Review(preds)
	if err := r.writeReview(review, ds); err != nil {
		return nil, err
	}
	if err := r.emit(ctx, m, ds, review.Outcomes); err != nil {
		return nil, err
	}
	logger.Infof("Manual review ready: clusters=%d unclustered=%d", len(review.Groups), len(review.Unclustered))
	return review, nil
}

func (r *Runner) writeReview(review *interpreter.Review, ds *sequence.Dataset) error {
	path := r.cfg.Review.Path
	if path == "" {
		if err := report.WriteReview(r.out, review, ds); err != nil {
			return fmt.Errorf("write review: %w", err)
		}
		return nil
	}
	if err := writeAtomic(path, func(w io.Writer) error {
		return report.WriteReview(w, review, ds)
	}); err != nil {
		return fmt.Errorf("write review: %w", err)
	}
	logger.Infof("Review written to %s", path)
	return nil
}

// Automatic applies labeled cluster scores to confident windows and defers
// the rest.
func (r *Runner) Automatic(ctx context.Context) ([]interpreter.Outcome, error) {
	m, ds, preds, err := r.predict(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := m.Interpreter.Automatic(preds)
	if err := r.emit(ctx, m, ds, outcomes); err != nil {
		return nil, err
	}
	auto := 0
	for _, o := range outcomes {
		if o.Status == models.StatusAuto {
			auto++
		}
	}
	logger.Infof("Automatic analysis done: windows=%d auto=%d deferred=%d", len(outcomes), auto, len(outcomes)-auto)
	return outcomes, nil
}

// Decisions converts outcomes into decision records.
func Decisions(modelID string, ds *sequence.Dataset, outcomes []interpreter.Outcome) []*models.Decision {
	out := make([]*models.Decision, len(outcomes))
	noEvent := ds.NoEvent()
	for i, o := range outcomes {
		ev := ds.Events[o.Index]
		window := ds.Contexts[o.Index]
		names := ds.Vocabulary.DecodeAll(window)
		var ctxLabels []string
		for j, id := range window {
			if id != noEvent {
				ctxLabels = append(ctxLabels, names[j])
			}
		}
		out[i] = &models.Decision{
			DecisionID: uuid.NewString(),
			ModelID:    modelID,
			Index:      o.Index,
			Entity:     ev.Entity,
			Timestamp:  ev.Timestamp,
			Event:      ev.Type,
			Context:    ctxLabels,
			Cluster:    o.Cluster,
			Confidence: o.Confidence,
			Score:      o.Score,
			Status:     o.Status,
			Reason:     o.Reason,
			Severity:   o.Severity,
		}
	}
	return out
}

func (r *Runner) emit(ctx context.Context, m *Model, ds *sequence.Dataset, outcomes []interpreter.Outcome) error {
	for _, o := range outcomes {
		r.metrics.Decision(o.Status)
	}
	if r.writer == nil {
		return nil
	}
	decisions := Decisions(m.Interpreter.ModelID(), ds, outcomes)
	if err := flushDecisions(ctx, r.writer, decisions, r.writeBatch, r.writePause); err != nil {
		return fmt.Errorf("write decisions: %w", err)
	}
	logger.Infof("Wrote %d decisions", len(decisions))
	return nil
}

// LabelRequest is an analyst label for one cluster of the loaded model.
type LabelRequest struct {
	Cluster int
	Score   float64
	Text    string
	Analyst string
}

// Label records an analyst label in the label store and, when a save path
// is configured, in the saved interpreter.
func (r *Runner) Label(ctx context.Context, req LabelRequest) error {
	if r.store == nil && r.cfg.Models.Interpreter.Save == "" {
		return fmt.Errorf("%w: labels need a label store or models.interpreter.save", errs.ErrInvalidConfig)
	}
	m, err := r.load()
	if err != nil {
		return err
	}
	if err := r.applyStoredLabels(ctx, m.Interpreter); err != nil {
		return err
	}
	if err := m.Interpreter.Label(req.Cluster, req.Score, req.Text); err != nil {
		return err
	}
	if r.store != nil {
		rec := labels.Record{
			ModelID:   m.Interpreter.ModelID(),
			ClusterID: req.Cluster,
			Score:     req.Score,
			Text:      req.Text,
			Analyst:   req.Analyst,
		}
		if err := r.store.Put(ctx, rec); err != nil {
			return fmt.Errorf("store label: %w", err)
		}
	}
	if path := r.cfg.Models.Interpreter.Save; path != "" {
		if err := SaveInterpreter(path, m.Interpreter); err != nil {
			return err
		}
	}
	logger.Infof("Cluster %d of model %s labeled score=%g", req.Cluster, m.Interpreter.ModelID(), req.Score)
	return nil
}
