// Package metrics exposes pipeline run metrics in Prometheus format.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// Config holds collector settings.
type Config struct {
	Namespace string
	Subsystem string
	// Buckets are the duration histogram buckets in seconds.
	Buckets []float64
}

// DefaultConfig returns buckets sized for CI work, from seconds to an hour.
func DefaultConfig() Config {
	return Config{
		Namespace: "stageflow",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	}
}

// Collector records run, stage and step metrics into its own registry. It
// implements pipeline.Observer.
type Collector struct {
	registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	ActiveRuns       *prometheus.GaugeVec
	LastRunTimestamp *prometheus.GaugeVec
	StageResults     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StepDuration     *prometheus.HistogramVec
	HookFailures     *prometheus.CounterVec
}

// NewCollector creates a Collector with DefaultConfig.
func NewCollector() *Collector {
	return NewCollectorWithConfig(DefaultConfig())
}

// NewCollectorWithConfig creates a Collector with its own Prometheus registry.
func NewCollectorWithConfig(cfg Config) *Collector {
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = DefaultConfig().Buckets
	}
	ns, sub := cfg.Namespace, cfg.Subsystem
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by outcome",
		}, []string{"pipeline", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   cfg.Buckets,
		}, []string{"pipeline", "outcome"}),
		ActiveRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active_runs",
			Help:      "Number of pipeline runs in progress",
		}, []string{"pipeline"}),
		LastRunTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of a pipeline finished",
		}, []string{"pipeline"}),
		StageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "stage_results_total",
			Help:      "Total number of stage results by status and reason",
		}, []string{"pipeline", "stage", "status", "reason"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "stage_duration_seconds",
			Help:      "Duration of executed stages in seconds",
			Buckets:   cfg.Buckets,
		}, []string{"pipeline", "stage"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "step_duration_seconds",
			Help:      "Duration of executed steps in seconds",
			Buckets:   cfg.Buckets,
		}, []string{"pipeline", "stage", "status"}),
		HookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "hook_failures_total",
			Help:      "Total number of failed post-hook steps",
		}, []string{"pipeline", "kind"}),
	}

	reg.MustRegister(
		c.RunsTotal, c.RunDuration, c.ActiveRuns, c.LastRunTimestamp,
		c.StageResults, c.StageDuration, c.StepDuration, c.HookFailures,
	)
	return c
}

// Registry returns the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteToTextfile writes the current metrics in the node_exporter textfile
// collector format.
func (c *Collector) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func (c *Collector) RunStarted(_ context.Context, rc *pipeline.RunContext) {
	c.ActiveRuns.WithLabelValues(rc.Pipeline()).Inc()
}

// StageFinished records the stage result and the durations of the steps
// that ran.
func (c *Collector) StageFinished(_ context.Context, rc *pipeline.RunContext, sr pipeline.StageResult) {
	name := rc.Pipeline()
	c.StageResults.WithLabelValues(name, sr.Name, string(sr.Status), sr.Reason).Inc()
	if sr.Status == pipeline.StatusSkipped {
		return
	}
	c.StageDuration.WithLabelValues(name, sr.Name).Observe(sr.Duration.Seconds())
	for _, step := range sr.Steps {
		if step.Status == pipeline.StatusSkipped {
			continue
		}
		c.StepDuration.WithLabelValues(name, sr.Name, string(step.Status)).Observe(step.Duration.Seconds())
	}
}

func (c *Collector) RunFinished(_ context.Context, res *pipeline.RunResult) {
	c.ActiveRuns.WithLabelValues(res.Pipeline).Dec()
	c.RunsTotal.WithLabelValues(res.Pipeline, string(res.Outcome)).Inc()
	c.RunDuration.WithLabelValues(res.Pipeline, string(res.Outcome)).Observe(res.Duration().Seconds())
	for _, h := range res.Hooks {
		if h.Err != nil {
			c.HookFailures.WithLabelValues(res.Pipeline, string(h.Kind)).Inc()
		}
	}
	finished := res.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	c.LastRunTimestamp.WithLabelValues(res.Pipeline).Set(float64(finished.Unix()))
}
