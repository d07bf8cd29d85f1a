// Package metrics exposes run statistics as Prometheus collectors and pushes
// them to a Pushgateway at the end of a batch run.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Recorder holds the collectors of one run.
type Recorder struct {
	registry *prometheus.Registry

	events    prometheus.Counter
	sequences prometheus.Gauge
	epochs    prometheus.Counter
	loss      prometheus.Gauge
	clusters  prometheus.Gauge
	noise     prometheus.Gauge
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New creates a recorder with its own registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	return &Recorder{
		registry: registry,
		events: f.NewCounter(prometheus.CounterOpts{
			Name: "deepcase_events_ingested_total",
			Help: "Events read from the input",
		}),
		sequences: f.NewGauge(prometheus.GaugeOpts{
			Name: "deepcase_sessions",
			Help: "Sessions in the last built dataset",
		}),
		epochs: f.NewCounter(prometheus.CounterOpts{
			Name: "deepcase_encoder_epochs_total",
			Help: "Encoder training epochs completed",
		}),
		loss: f.NewGauge(prometheus.GaugeOpts{
			Name: "deepcase_encoder_loss",
			Help: "Mean loss of the last training epoch",
		}),
		clusters: f.NewGauge(prometheus.GaugeOpts{
			Name: "deepcase_interpreter_clusters",
			Help: "Clusters in the fitted interpreter",
		}),
		noise: f.NewGauge(prometheus.GaugeOpts{
			Name: "deepcase_interpreter_noise_points",
			Help: "Confident inputs left unclustered by the last fit",
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deepcase_decisions_total",
			Help: "Decisions emitted by status",
		}, []string{"status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepcase_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
	}
}

// Registry returns the registry holding all collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Events counts ingested events.
func (r *Recorder) Events(n int) {
	r.events.Add(float64(n))
}

// Sessions records the session count of a dataset.
func (r *Recorder) Sessions(n int) {
	r.sequences.Set(float64(n))
}

// Training records a loss history.
func (r *Recorder) Training(history []float64) {
	if len(history) == 0 {
		return
	}
	r.epochs.Add(float64(len(history)))
	r.loss.Set(history[len(history)-1])
}

// Clustering records the outcome of an interpreter fit.
func (r *Recorder) Clustering(clusters, noise int) {
	r.clusters.Set(float64(clusters))
	r.noise.Set(float64(noise))
}

// Decision counts one decision of the given status.
func (r *Recorder) Decision(status string) {
	r.decisions.WithLabelValues(status).Inc()
}

// Stage observes the duration of a named stage in seconds.
func (r *Recorder) Stage(stage string, seconds float64) {
	r.duration.WithLabelValues(stage).Observe(seconds)
}

// Push sends all collectors to the Pushgateway at url under job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
