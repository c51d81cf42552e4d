package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelMode   = "mode"
	labelResult = "result"
	labelEntity = "entity"
	labelChange = "change"
)

// Metrics are the sync counters exported on /metrics.
type Metrics struct {
	Runs               *prometheus.CounterVec
	Duration           *prometheus.HistogramVec
	Changes            *prometheus.CounterVec
	InProgress         prometheus.Gauge
	ResolutionFailures prometheus.Counter
	Skipped            prometheus.Counter
}

// NewMetrics creates the sync metrics and registers them with reg. A nil
// reg gets a private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regcache",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Reconciliation passes, by mode and result.",
		}, []string{labelMode, labelResult}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "regcache",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of fetch plus reconciliation, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 9), // top bucket ~= 11 minutes
		}, []string{labelMode}),
		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regcache",
			Subsystem: "sync",
			Name:      "changes_total",
			Help:      "Cache mutations applied, by entity and change kind.",
		}, []string{labelEntity, labelChange}),
		InProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regcache",
			Subsystem: "sync",
			Name:      "in_progress",
			Help:      "1 while a sync pass is running.",
		}),
		ResolutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regcache",
			Name:      "tag_resolution_failures_total",
			Help:      "Tags whose manifest metadata could not be resolved.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regcache",
			Subsystem: "sync",
			Name:      "skipped_total",
			Help:      "Sync requests dropped because a pass was already running.",
		}),
	}
	reg.MustRegister(m.Runs, m.Duration, m.Changes, m.InProgress, m.ResolutionFailures, m.Skipped)
	return m
}

func (m *Metrics) observeChanges(c Changes) {
	for entity, ec := range map[string]EntityChanges{
		"repository": c.Repositories,
		"image":      c.Images,
		"tag":        c.Tags,
	} {
		m.Changes.WithLabelValues(entity, "added").Add(float64(ec.Added))
		m.Changes.WithLabelValues(entity, "updated").Add(float64(ec.Updated))
		m.Changes.WithLabelValues(entity, "removed").Add(float64(ec.Removed))
	}
}
