// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package retention removes activity events older than the retention horizon
// on a cron schedule, independently of the write path.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/samber/oops"

	"github.com/fieldtrack/activitylog/internal/store"
)

// Policy is the static retention configuration.
type Policy struct {
	Days            int
	Archive         bool
	BatchSize       int
	Schedule        string
	SessionIdle     time.Duration
	SessionGrace    time.Duration
	PartitionsAhead int
}

// DefaultPolicy returns the production retention policy.
func DefaultPolicy() Policy {
	return Policy{
		Days:            90,
		BatchSize:       1000,
		Schedule:        "@daily",
		SessionIdle:     24 * time.Hour,
		SessionGrace:    7 * 24 * time.Hour,
		PartitionsAhead: 3,
	}
}

// Validate reports the first invalid setting.
func (p Policy) Validate() error {
	invalid := func(field string, value any, msg string) error {
		return oops.Code("CONFIG_INVALID").With("field", field).With("value", value).Errorf("%s", msg)
	}
	switch {
	case p.Days < 1:
		return invalid("retention.days", p.Days, "retention horizon must be at least one day")
	case p.BatchSize < 1:
		return invalid("retention.batch_size", p.BatchSize, "retention batch size must be positive")
	case p.SessionIdle <= 0:
		return invalid("retention.session_idle", p.SessionIdle, "session idle timeout must be positive")
	case p.SessionGrace < 0:
		return invalid("retention.session_grace", p.SessionGrace, "session grace must not be negative")
	case p.PartitionsAhead < 0:
		return invalid("retention.partitions_ahead", p.PartitionsAhead, "partitions ahead must not be negative")
	}
	if _, err := cron.ParseStandard(p.Schedule); err != nil {
		return oops.Code("CONFIG_INVALID").With("field", "retention.schedule").With("value", p.Schedule).Wrap(err)
	}
	return nil
}

// Horizon returns the retention period as a duration.
func (p Policy) Horizon() time.Duration {
	return time.Duration(p.Days) * 24 * time.Hour
}

// Store is the persistence the worker maintains.
type Store interface {
	EnsurePartitions(ctx context.Context, from time.Time, ahead int) error
	DropExpiredPartitions(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	SelectExpired(ctx context.Context, cutoff time.Time, limit int) ([]store.ActivityRow, error)
	DeleteRows(ctx context.Context, rows []store.ActivityRow) (int64, error)
	ExpireSessions(ctx context.Context, idleBefore, now time.Time) (int64, error)
	PurgeSessions(ctx context.Context, expiredBefore time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Archiver keeps expired rows somewhere before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, rows []store.ActivityRow) error
	Close() error
}

// Report summarises one retention run.
type Report struct {
	Cutoff            time.Time     `json:"cutoff"`
	Deleted           int64         `json:"deleted"`
	Archived          int64         `json:"archived"`
	DroppedPartitions []string      `json:"droppedPartitions,omitempty"`
	SessionsExpired   int64         `json:"sessionsExpired"`
	SessionsPurged    int64         `json:"sessionsPurged"`
	Duration          time.Duration `json:"duration"`
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(w *Worker) { w.clock = clock }
}

// WithArchiver sets the archiver used when the policy archives.
func WithArchiver(a Archiver) Option {
	return func(w *Worker) { w.archiver = a }
}

// WithRegisterer registers the worker's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Worker) { w.reg = reg }
}

// WithRunOnStart runs one cycle as soon as the worker starts.
func WithRunOnStart(run bool) Option {
	return func(w *Worker) { w.runOnStart = run }
}

// Worker runs retention cycles on the policy's cron schedule.
type Worker struct {
	policy     Policy
	store      Store
	archiver   Archiver
	logger     *slog.Logger
	clock      func() time.Time
	reg        prometheus.Registerer
	runOnStart bool

	runs        *prometheus.CounterVec
	lastSuccess prometheus.Gauge

	mu     sync.Mutex
	cron   *cron.Cron
	job    cron.Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a retention worker. Archive policies require an archiver.
func NewWorker(policy Policy, s Store, opts ...Option) (*Worker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	w := &Worker{
		policy: policy,
		store:  s,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if policy.Archive && w.archiver == nil {
		return nil, oops.Code("CONFIG_INVALID").With("field", "retention.archive").Errorf("archive mode requires an archiver")
	}

	f := promauto.With(w.reg)
	w.runs = f.NewCounterVec(prometheus.CounterOpts{
		Name: "activitylog_retention_runs_total",
		Help: "Total number of retention runs by result",
	}, []string{"result"})
	w.lastSuccess = f.NewGauge(prometheus.GaugeOpts{
		Name: "activitylog_retention_last_success_timestamp_seconds",
		Help: "Unix time of the last retention run that completed without error",
	})
	return w, nil
}

// RunOnce executes one retention cycle. Every step is attempted even if an
// earlier one fails; errors are combined.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	start := w.clock()
	now := start.UTC()
	report := Report{Cutoff: now.Add(-w.policy.Horizon())}
	var errs []error

	if err := w.store.EnsurePartitions(ctx, now, w.policy.PartitionsAhead); err != nil {
		w.logger.ErrorContext(ctx, "ensure partitions failed", "error", err)
		errs = append(errs, err)
	}

	if w.policy.Archive {
		archived, err := w.archiveExpired(ctx, report.Cutoff)
		report.Archived = archived
		if err != nil {
			w.logger.ErrorContext(ctx, "archive expired activity failed", "error", err, "archived", archived)
			errs = append(errs, err)
		}
	} else {
		dropped, err := w.store.DropExpiredPartitions(ctx, report.Cutoff)
		report.DroppedPartitions = dropped
		if err != nil {
			w.logger.ErrorContext(ctx, "drop expired partitions failed", "error", err)
			errs = append(errs, err)
		}
		deleted, err := w.deleteExpired(ctx, report.Cutoff)
		report.Deleted = deleted
		if err != nil {
			w.logger.ErrorContext(ctx, "delete expired activity failed", "error", err, "deleted", deleted)
			errs = append(errs, err)
		}
	}

	expired, err := w.store.ExpireSessions(ctx, now.Add(-w.policy.SessionIdle), now)
	report.SessionsExpired = expired
	if err != nil {
		w.logger.ErrorContext(ctx, "expire idle sessions failed", "error", err)
		errs = append(errs, err)
	}
	purged, err := w.store.PurgeSessions(ctx, now.Add(-w.policy.SessionGrace))
	report.SessionsPurged = purged
	if err != nil {
		w.logger.ErrorContext(ctx, "purge expired sessions failed", "error", err)
		errs = append(errs, err)
	}

	report.Duration = w.clock().Sub(start)
	if err := errors.Join(errs...); err != nil {
		w.runs.WithLabelValues("failure").Inc()
		return report, err
	}
	w.runs.WithLabelValues("success").Inc()
	w.lastSuccess.Set(float64(now.Unix()))
	w.logger.InfoContext(ctx, "retention run complete",
		"cutoff", report.Cutoff,
		"deleted", report.Deleted,
		"archived", report.Archived,
		"dropped_partitions", report.DroppedPartitions,
		"sessions_expired", report.SessionsExpired,
		"sessions_purged", report.SessionsPurged,
		"duration", report.Duration)
	return report, nil
}

// deleteExpired deletes in batches until a short batch shows nothing is left.
func (w *Worker) deleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for ctx.Err() == nil {
		n, err := w.store.DeleteExpired(ctx, cutoff, w.policy.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(w.policy.BatchSize) {
			return total, nil
		}
	}
	return total, ctx.Err()
}

// archiveExpired hands each batch to the archiver and deletes it only once
// the archiver has accepted it.
func (w *Worker) archiveExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for ctx.Err() == nil {
		rows, err := w.store.SelectExpired(ctx, cutoff, w.policy.BatchSize)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		if err := w.archiver.Archive(ctx, rows); err != nil {
			return total, err
		}
		n, err := w.store.DeleteRows(ctx, rows)
		total += n
		if err != nil {
			return total, err
		}
		if len(rows) < w.policy.BatchSize {
			return total, nil
		}
	}
	return total, ctx.Err()
}

// Start schedules retention runs. A failed run is logged and never stops
// later runs.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return oops.Code("ALREADY_RUNNING").Errorf("retention worker already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{w.logger}),
	)
	// Scheduled and on-start runs share one wrapped job so the skip guard
	// covers both.
	job := cron.NewChain(cron.Recover(cronLogger{w.logger}), cron.SkipIfStillRunning(cronLogger{w.logger})).
		Then(cron.FuncJob(func() { w.runLogged(ctx) }))
	if _, err := c.AddJob(w.policy.Schedule, job); err != nil {
		cancel()
		return oops.Code("CONFIG_INVALID").With("field", "retention.schedule").Wrap(err)
	}
	w.cron = c
	w.cancel = cancel
	w.job = job
	c.Start()

	if w.runOnStart {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			job.Run()
		}()
	}

	w.logger.Info("retention worker started",
		"schedule", w.policy.Schedule,
		"days", w.policy.Days,
		"archive", w.policy.Archive)
	return nil
}

// Stop cancels in-flight work and waits for running jobs to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	c, cancel := w.cron, w.cancel
	w.cron, w.cancel = nil, nil
	w.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	w.wg.Wait()
	if w.archiver != nil {
		if err := w.archiver.Close(); err != nil {
			w.logger.Warn("closing archiver failed", "error", err)
		}
	}
	w.logger.Info("retention worker stopped")
}

// HealthCheck reports whether the store is reachable.
func (w *Worker) HealthCheck(ctx context.Context) error {
	return w.store.Ping(ctx)
}

func (w *Worker) runLogged(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.ErrorContext(ctx, "retention run failed", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
