// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package activity

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/fieldtrack/activitylog/internal/capture"
)

// Config controls the pipeline's buffering, batching and failure handling.
type Config struct {
	Enabled          bool
	QueueCapacity    int
	BatchSize        int
	FlushThreshold   int
	BatchInterval    time.Duration
	WriteTimeout     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		QueueCapacity:    1000,
		BatchSize:        100,
		FlushThreshold:   500,
		BatchInterval:    5 * time.Second,
		WriteTimeout:     6 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	invalid := func(field string, value any, msg string) error {
		return oops.Code("CONFIG_INVALID").With("field", field).With("value", value).Errorf("%s", msg)
	}
	switch {
	case c.QueueCapacity < 1:
		return invalid("queue_capacity", c.QueueCapacity, "queue capacity must be positive")
	case c.BatchSize < 1:
		return invalid("batch_size", c.BatchSize, "batch size must be positive")
	case c.BatchSize > c.QueueCapacity:
		return invalid("batch_size", c.BatchSize, "batch size must not exceed queue capacity")
	case c.FlushThreshold < 1 || c.FlushThreshold > c.QueueCapacity:
		return invalid("flush_threshold", c.FlushThreshold, "flush threshold must be between 1 and queue capacity")
	case c.BatchInterval <= 0:
		return invalid("batch_interval", c.BatchInterval, "batch interval must be positive")
	case c.WriteTimeout <= 0:
		return invalid("write_timeout", c.WriteTimeout, "write timeout must be positive")
	case c.BreakerThreshold < 1:
		return invalid("breaker_threshold", c.BreakerThreshold, "breaker threshold must be positive")
	case c.BreakerCooldown <= 0:
		return invalid("breaker_cooldown", c.BreakerCooldown, "breaker cooldown must be positive")
	}
	return nil
}

// Option configures a Logger.
type Option func(*Logger)

// WithSlog sets the structured logger used for pipeline diagnostics.
func WithSlog(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// WithClock overrides the time source for event stamps, flush timing and
// the circuit breaker.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) { l.clock = clock }
}

// WithRegisterer registers pipeline metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Logger) { l.reg = reg }
}

// WithObserver adds a consumer-side observer for drained batches.
func WithObserver(o BatchObserver) Option {
	return func(l *Logger) { l.observers = append(l.observers, o) }
}

// Snapshot is the health view served by the control surface.
type Snapshot struct {
	Enabled            bool
	Running            bool
	Queue              QueueMetrics
	Breaker            BreakerSnapshot
	Written            int64
	Failed             int64
	DroppedDisabled    int64
	DroppedCircuitOpen int64
	DroppedInvalid     int64
	Flushes            int64
	AvgFlushTime       time.Duration
}

// Logger is the activity-logging service: a non-blocking producer API in
// front of a bounded queue, drained by one consumer goroutine.
type Logger struct {
	cfg       Config
	queue     *Queue
	breaker   *Breaker
	writer    Writer
	observers []BatchObserver
	metrics   *Metrics
	logger    *slog.Logger
	clock     func() time.Time
	reg       prometheus.Registerer

	enabled  atomic.Bool
	flushing atomic.Bool
	running  atomic.Bool
	kick     chan struct{}

	written         atomic.Int64
	failed          atomic.Int64
	droppedDisabled atomic.Int64
	droppedCircuit  atomic.Int64
	droppedInvalid  atomic.Int64
	flushCount      atomic.Int64
	flushNanos      atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Logger writing through w. Call Start to begin draining.
func New(cfg Config, w Writer, opts ...Option) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, oops.Code("CONFIG_INVALID").Errorf("activity writer is required")
	}

	l := &Logger{
		cfg:    cfg,
		queue:  NewQueue(cfg.QueueCapacity),
		writer: w,
		logger: slog.Default(),
		clock:  time.Now,
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.enabled.Store(cfg.Enabled)
	l.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown,
		WithBreakerClock(l.clock),
		WithTransitionHook(func(from, to BreakerState) {
			l.logger.Warn("activity circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
				"failures", l.breaker.Failures())
		}))
	l.metrics = NewMetrics(l.reg)
	l.metrics.observe(l)
	return l, nil
}

// Start launches the consumer loop. It returns an error if already running.
func (l *Logger) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return oops.Code("ALREADY_RUNNING").Errorf("activity logger already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ctx)

	l.logger.Info("activity logger started",
		"enabled", l.Enabled(),
		"queue_capacity", l.cfg.QueueCapacity,
		"batch_size", l.cfg.BatchSize,
		"batch_interval", l.cfg.BatchInterval)
	return nil
}

// Close stops the consumer loop and drains what is left in the queue while
// the breaker allows writes and ctx has not expired.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		l.wg.Wait()
	}
	l.running.Store(false)

	for l.queue.Len() > 0 && ctx.Err() == nil {
		if _, err := l.flush(ctx); err != nil {
			if l.queue.Len() > 0 {
				l.logger.Warn("activity logger closed with undelivered events",
					"remaining", l.queue.Len(),
					"error", err)
			}
			break
		}
	}
	l.logger.Info("activity logger stopped",
		"written", l.written.Load(),
		"failed", l.failed.Load())
	return nil
}

// Running reports whether the consumer loop is active.
func (l *Logger) Running() bool {
	return l.running.Load()
}

// Log records an activity from a request handler. It never blocks and never
// reports an error: invalid records and records arriving while logging is
// disabled or the breaker is open are counted and dropped. Empty request
// fields are filled from the capture context.
func (l *Logger) Log(ctx context.Context, rec Record) {
	if !l.enabled.Load() {
		l.drop(DropDisabled)
		return
	}
	if info, ok := capture.FromContext(ctx); ok {
		rec = enrich(rec, info)
	}
	e, err := NewEvent(rec, l.clock())
	if err != nil {
		l.drop(DropInvalid)
		l.logger.DebugContext(ctx, "activity record rejected",
			"action", string(rec.Action),
			"error", err)
		return
	}
	l.Enqueue(e)
}

// Enqueue offers a constructed event to the queue and reports whether it was
// accepted. Acceptance may evict the oldest queued event.
func (l *Logger) Enqueue(e Event) bool {
	if !l.enabled.Load() {
		l.drop(DropDisabled)
		return false
	}
	if !l.breaker.Accepting() {
		l.drop(DropCircuitOpen)
		return false
	}

	evicted, n := l.queue.Push(e)
	l.metrics.Enqueued.Inc()
	if evicted {
		l.metrics.Dropped.WithLabelValues(DropOverflow).Inc()
	}
	if n >= l.cfg.FlushThreshold {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush synchronously drains and writes one batch, returning the number of
// events persisted. It returns ErrFlushInProgress if another flush is
// running and ErrCircuitOpen if the breaker refuses the write.
func (l *Logger) Flush(ctx context.Context) (int, error) {
	return l.flush(ctx)
}

// SetEnabled turns logging on or off and returns the previous setting. The
// change is visible to the next Log call on any goroutine.
func (l *Logger) SetEnabled(enabled bool) bool {
	prev := l.enabled.Swap(enabled)
	if prev != enabled {
		l.logger.Info("activity logging toggled", "enabled", enabled)
	}
	return prev
}

// Enabled reports whether logging is on.
func (l *Logger) Enabled() bool {
	return l.enabled.Load()
}

// Breaker exposes the circuit breaker for inspection.
func (l *Logger) Breaker() *Breaker {
	return l.breaker
}

// Snapshot returns current health counters without taking any lock.
func (l *Logger) Snapshot() Snapshot {
	s := Snapshot{
		Enabled:            l.enabled.Load(),
		Running:            l.running.Load(),
		Queue:              l.queue.Metrics(),
		Breaker:            l.breaker.Snapshot(),
		Written:            l.written.Load(),
		Failed:             l.failed.Load(),
		DroppedDisabled:    l.droppedDisabled.Load(),
		DroppedCircuitOpen: l.droppedCircuit.Load(),
		DroppedInvalid:     l.droppedInvalid.Load(),
		Flushes:            l.flushCount.Load(),
	}
	if s.Flushes > 0 {
		s.AvgFlushTime = time.Duration(l.flushNanos.Load() / s.Flushes)
	}
	return s
}

func (l *Logger) drop(reason string) {
	switch reason {
	case DropDisabled:
		l.droppedDisabled.Add(1)
	case DropCircuitOpen:
		l.droppedCircuit.Add(1)
	case DropInvalid:
		l.droppedInvalid.Add(1)
	}
	l.metrics.Dropped.WithLabelValues(reason).Inc()
}

func enrich(rec Record, info capture.Info) Record {
	if rec.IP == "" {
		rec.IP = info.IP
	}
	if rec.UserAgent == "" {
		rec.UserAgent = info.UserAgent
	}
	if rec.Endpoint == "" {
		rec.Endpoint = info.Endpoint
	}
	if rec.Method == "" {
		rec.Method = info.Method
	}
	if info.Client != (capture.Client{}) {
		if _, ok := rec.Metadata["client"]; !ok {
			md := maps.Clone(rec.Metadata)
			if md == nil {
				md = make(map[string]any, 1)
			}
			md["client"] = map[string]any{
				"browser": info.Client.Browser,
				"os":      info.Client.OS,
				"mobile":  info.Client.Mobile,
				"bot":     info.Client.Bot,
			}
			rec.Metadata = md
		}
	}
	return rec
}
