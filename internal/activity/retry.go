// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package activity

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Writer persists a batch of events. Implementations must honour ctx and
// treat any error as a failed batch.
type Writer interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// WriterFunc adapts a function to the Writer interface.
type WriterFunc func(ctx context.Context, events []Event) error

// WriteBatch calls f.
func (f WriterFunc) WriteBatch(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// RetryWriter retries a failed batch a fixed number of times within a single
// WriteBatch call. Callers only see the final outcome.
type RetryWriter struct {
	next    Writer
	retries uint64
	delay   time.Duration
}

// NewRetryWriter wraps next with up to retries extra attempts spaced delay
// apart (minimum 1ms). retries of zero returns next unchanged.
func NewRetryWriter(next Writer, retries int, delay time.Duration) Writer {
	if retries <= 0 {
		return next
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return &RetryWriter{next: next, retries: uint64(retries), delay: delay}
}

// WriteBatch writes events, retrying on error until the attempts or ctx run out.
func (w *RetryWriter) WriteBatch(ctx context.Context, events []Event) error {
	backoff := retry.WithMaxRetries(w.retries, retry.NewConstant(w.delay))
	//nolint:wrapcheck // the final attempt's error is returned as-is
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.next.WriteBatch(ctx, events); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}
