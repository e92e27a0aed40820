// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldtrack/activitylog/internal/activity"
	"github.com/fieldtrack/activitylog/internal/retention"
	"github.com/fieldtrack/activitylog/internal/store"
)

// fakeDatabase records writes and serves canned retention results.
type fakeDatabase struct {
	mu      sync.Mutex
	events  []activity.Event
	expired []store.ActivityRow
	deleted int64
	pingErr error
	sessErr error
	closed  atomic.Bool
}

func (d *fakeDatabase) WriteBatch(_ context.Context, events []activity.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
	return nil
}

func (d *fakeDatabase) written() []activity.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]activity.Event(nil), d.events...)
}

func (d *fakeDatabase) EnsurePartitions(context.Context, time.Time, int) error { return nil }

func (d *fakeDatabase) DropExpiredPartitions(context.Context, time.Time) ([]string, error) {
	return []string{"activity_logs_2026_01"}, nil
}

func (d *fakeDatabase) DeleteExpired(_ context.Context, _ time.Time, _ int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.deleted
	d.deleted = 0
	return n, nil
}

func (d *fakeDatabase) SelectExpired(_ context.Context, _ time.Time, limit int) ([]store.ActivityRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := min(limit, len(d.expired))
	return append([]store.ActivityRow(nil), d.expired[:n]...), nil
}

func (d *fakeDatabase) DeleteRows(_ context.Context, rows []store.ActivityRow) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expired = d.expired[len(rows):]
	return int64(len(rows)), nil
}

func (d *fakeDatabase) ExpireSessions(context.Context, time.Time, time.Time) (int64, error) {
	return 2, d.sessErr
}

func (d *fakeDatabase) PurgeSessions(context.Context, time.Time) (int64, error) {
	return 1, nil
}

func (d *fakeDatabase) Ping(context.Context) error { return d.pingErr }

func (d *fakeDatabase) TableArchiver() retention.Archiver { return &fakeArchiver{} }

func (d *fakeDatabase) Close() { d.closed.Store(true) }

type fakeArchiver struct {
	mu     sync.Mutex
	rows   []store.ActivityRow
	closed bool
}

func (a *fakeArchiver) Archive(_ context.Context, rows []store.ActivityRow) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, rows...)
	return nil
}

func (a *fakeArchiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeArchiver) archived() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}
