// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package detector watches persisted activity for bursts of failed logins
// and records a SUSPICIOUS_ACTIVITY event when a client or account crosses
// the configured threshold within the window.
package detector

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/blake2b"

	"github.com/fieldtrack/activitylog/internal/activity"
)

// Sink accepts generated events.
type Sink interface {
	Enqueue(e activity.Event) bool
}

// Config controls burst detection. BatchTimeout bounds the counter work for
// one batch; zero means DefaultBatchTimeout.
type Config struct {
	Threshold    int
	Window       time.Duration
	BatchTimeout time.Duration
}

// DefaultBatchTimeout is the counter budget for one observed batch.
const DefaultBatchTimeout = 500 * time.Millisecond

// DefaultConfig returns the production detection thresholds.
func DefaultConfig() Config {
	return Config{Threshold: 5, Window: 10 * time.Minute, BatchTimeout: DefaultBatchTimeout}
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// WithClock overrides the time source for generated events.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.clock = clock }
}

// WithRegisterer registers the detector's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Detector) { d.reg = reg }
}

// Detector is an activity.BatchObserver.
type Detector struct {
	cfg     Config
	counter Counter
	sink    Sink
	logger  *slog.Logger
	clock   func() time.Time
	reg     prometheus.Registerer

	alerts       *prometheus.CounterVec
	counterError prometheus.Counter
}

// New creates a detector counting with counter.
func New(cfg Config, counter Counter, opts ...Option) *Detector {
	d := &Detector{
		cfg:     cfg,
		counter: counter,
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	f := promauto.With(d.reg)
	d.alerts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "activitylog_detector_alerts_total",
		Help: "Total number of suspicious activity alerts by scope",
	}, []string{"scope"})
	d.counterError = f.NewCounter(prometheus.CounterOpts{
		Name: "activitylog_detector_counter_errors_total",
		Help: "Total number of failed window counter updates",
	})
	return d
}

// Attach sets where alerts are enqueued. Call before the pipeline starts.
func (d *Detector) Attach(sink Sink) {
	d.sink = sink
}

// ObserveBatch counts failed logins per client address and per account.
// All counter calls for the batch share one deadline. The first counter
// error stops counting for the rest of the batch.
func (d *Detector) ObserveBatch(ctx context.Context, events []activity.Event) {
	if d.sink == nil || d.cfg.Threshold < 1 {
		return
	}
	timeout := d.cfg.BatchTimeout
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for i, e := range events {
		if e.Action != activity.ActionFailedLogin {
			continue
		}
		var err error
		if e.IP != "" {
			err = d.count(ctx, e, "ip", e.IP)
		}
		if err == nil && e.ActorID != nil {
			err = d.count(ctx, e, "actor", *e.ActorID)
		}
		if err != nil {
			d.counterError.Inc()
			d.logger.WarnContext(ctx, "failed login counter unavailable; skipping rest of batch",
				"skipped", len(events)-i-1,
				"error", err)
			return
		}
	}
}

func (d *Detector) count(ctx context.Context, e activity.Event, scope, subject string) error {
	n, err := d.counter.Incr(ctx, "failed_login:"+scope+":"+digest(subject), d.cfg.Window)
	if err != nil {
		return err
	}
	// Equality fires once per window.
	if n != int64(d.cfg.Threshold) {
		return nil
	}

	rec := activity.Record{
		Action:    activity.ActionSuspiciousActivity,
		IP:        e.IP,
		UserAgent: e.UserAgent,
		Endpoint:  e.Endpoint,
		Method:    e.Method,
		Metadata: map[string]any{
			"reason":         "failed_login_burst",
			"scope":          scope,
			"count":          n,
			"window_seconds": int64(d.cfg.Window.Seconds()),
			"trigger_event":  e.ID.String(),
		},
	}
	if e.ActorID != nil {
		rec.ActorID = *e.ActorID
	}
	alert, err := activity.NewEvent(rec, d.clock())
	if err != nil {
		d.logger.ErrorContext(ctx, "building suspicious activity event failed", "error", err)
		return nil
	}
	d.alerts.WithLabelValues(scope).Inc()
	d.logger.WarnContext(ctx, "suspicious activity detected",
		"scope", scope,
		"count", n,
		"ip", e.IP,
		"event_uid", alert.ID.String())
	d.sink.Enqueue(alert)
	return nil
}

// digest pseudonymises counter keys so raw addresses and account IDs never
// reach the shared counter store.
func digest(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
