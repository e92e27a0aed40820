// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package activity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label on the dropped counter.
const (
	DropDisabled    = "disabled"
	DropCircuitOpen = "circuit_open"
	DropInvalid     = "invalid"
	DropOverflow    = "overflow"
)

// Metrics holds the Prometheus collectors for one pipeline.
type Metrics struct {
	Enqueued      prometheus.Counter
	Dropped       *prometheus.CounterVec
	Written       prometheus.Counter
	Failed        prometheus.Counter
	Flushes       *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	BatchSize     prometheus.Histogram

	reg prometheus.Registerer
}

// NewMetrics creates the pipeline collectors and registers them with reg.
// A nil reg keeps the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Enqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_events_enqueued_total",
			Help: "Total number of activity events accepted into the queue",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_events_dropped_total",
			Help: "Total number of activity events dropped before persistence by reason",
		}, []string{"reason"}),
		Written: f.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_events_written_total",
			Help: "Total number of activity events persisted",
		}),
		Failed: f.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_events_failed_total",
			Help: "Total number of activity events discarded after a failed write",
		}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_flushes_total",
			Help: "Total number of flush attempts by result",
		}, []string{"result"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "activitylog_flush_duration_seconds",
			Help:    "Duration of batch writes",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "activitylog_batch_size",
			Help:    "Number of events per flushed batch",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
	}
}

// observe registers gauges that read live pipeline state at scrape time.
func (m *Metrics) observe(l *Logger) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "activitylog_queue_size",
		Help: "Current number of queued activity events",
	}, func() float64 { return float64(l.queue.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "activitylog_queue_high_water",
		Help: "Largest queue size observed",
	}, func() float64 { return float64(l.queue.Metrics().HighWater) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "activitylog_queue_capacity",
		Help: "Configured queue capacity",
	}, func() float64 { return float64(l.queue.Cap()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "activitylog_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, func() float64 { return float64(l.breaker.State()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "activitylog_circuit_breaker_failures",
		Help: "Consecutive failed writes counted by the circuit breaker",
	}, func() float64 { return float64(l.breaker.Failures()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "activitylog_enabled",
		Help: "Whether activity logging is enabled (1) or disabled (0)",
	}, func() float64 {
		if l.Enabled() {
			return 1
		}
		return 0
	})
}
