// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package activity

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Flush outcomes that are not write failures.
var (
	ErrFlushInProgress = errors.New("activity: flush already in progress")
	ErrCircuitOpen     = errors.New("activity: circuit breaker open")
)

// BatchObserver inspects each drained batch before it is written. It runs on
// the consumer goroutine and must not block for long.
type BatchObserver interface {
	ObserveBatch(ctx context.Context, events []Event)
}

var tracer trace.Tracer = otel.Tracer("github.com/fieldtrack/activitylog/internal/activity")

// run is the single consumer loop. It flushes on every tick and whenever a
// producer signals that the flush threshold was reached.
func (l *Logger) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.BatchInterval)
	defer ticker.Stop()

	// Writes in flight finish under their own deadline even when the loop is
	// cancelled, so the final drain in Close sees a consistent queue.
	flushCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flushLogged(flushCtx)
		case <-l.kick:
			l.flushLogged(flushCtx)
		}
	}
}

func (l *Logger) flushLogged(ctx context.Context) {
	if _, err := l.flush(ctx); err != nil && !errors.Is(err, ErrCircuitOpen) && !errors.Is(err, ErrFlushInProgress) {
		l.logger.WarnContext(ctx, "activity batch write failed",
			"error", err,
			"breaker_state", l.breaker.State().String(),
			"breaker_failures", l.breaker.Failures())
	}
}

// flush drains at most one batch and writes it. The flushing flag keeps
// flushes from overlapping; a trigger that finds it set is skipped.
func (l *Logger) flush(ctx context.Context) (int, error) {
	if !l.flushing.CompareAndSwap(false, true) {
		l.metrics.Flushes.WithLabelValues("skipped").Inc()
		return 0, ErrFlushInProgress
	}
	defer l.flushing.Store(false)

	if l.queue.Len() == 0 {
		return 0, nil
	}
	if !l.breaker.Allow() {
		l.metrics.Flushes.WithLabelValues("circuit_open").Inc()
		return 0, ErrCircuitOpen
	}

	// Only flush drains, and flushes never overlap, so the batch is non-empty.
	batch := l.queue.DrainUpTo(l.cfg.BatchSize)

	for _, o := range l.observers {
		o.ObserveBatch(ctx, batch)
	}

	ctx, span := tracer.Start(ctx, "activity.flush",
		trace.WithAttributes(
			attribute.Int("activity.batch_size", len(batch)),
			attribute.String("activity.breaker_state", l.breaker.State().String()),
		))
	defer span.End()

	writeCtx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	start := l.clock()
	err := l.writer.WriteBatch(writeCtx, batch)
	elapsed := l.clock().Sub(start)
	cancel()

	l.flushCount.Add(1)
	l.flushNanos.Add(int64(elapsed))
	l.metrics.FlushDuration.Observe(elapsed.Seconds())
	l.metrics.BatchSize.Observe(float64(len(batch)))

	if err != nil {
		l.breaker.RecordFailure()
		l.failed.Add(int64(len(batch)))
		l.metrics.Failed.Add(float64(len(batch)))
		l.metrics.Flushes.WithLabelValues("failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch write failed")
		return 0, err
	}

	l.breaker.RecordSuccess()
	l.written.Add(int64(len(batch)))
	l.metrics.Written.Add(float64(len(batch)))
	l.metrics.Flushes.WithLabelValues("success").Inc()
	return len(batch), nil
}
