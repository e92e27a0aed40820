// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fieldtrack/activitylog/internal/store"
	"github.com/fieldtrack/activitylog/pkg/errutil"
)

// mockStore keeps rows in memory and records every call.
type mockStore struct {
	mu sync.Mutex

	rows []store.ActivityRow

	ensureCalls   int
	ensureAhead   int
	dropCalls     int
	deleteCalls   int
	selectCalls   int
	deleteLimits  []int
	expireCalls   int
	purgeCalls    int
	lastCutoff    time.Time
	lastIdle      time.Time
	lastPurge     time.Time
	dropped       []string
	ensureErr     error
	deleteErr     error
	rowsDeleteErr error
	ensureBlock   chan struct{}
	dropErr       error
	expireErr     error
	purgeErr      error
	pingErr       error
	sessionsIdled int64
}

func (m *mockStore) EnsurePartitions(ctx context.Context, _ time.Time, ahead int) error {
	m.mu.Lock()
	m.ensureCalls++
	m.ensureAhead = ahead
	block, err := m.ensureBlock, m.ensureErr
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *mockStore) DropExpiredPartitions(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropCalls++
	m.lastCutoff = cutoff
	return m.dropped, m.dropErr
}

func (m *mockStore) DeleteExpired(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	m.deleteLimits = append(m.deleteLimits, limit)
	m.lastCutoff = cutoff
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	var n int64
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.CreatedAt.Before(cutoff) && n < int64(limit) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

func (m *mockStore) SelectExpired(_ context.Context, cutoff time.Time, limit int) ([]store.ActivityRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectCalls++
	var out []store.ActivityRow
	for _, r := range m.rows {
		if r.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) DeleteRows(_ context.Context, rows []store.ActivityRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rowsDeleteErr != nil {
		return 0, m.rowsDeleteErr
	}
	gone := make(map[int64]bool, len(rows))
	for _, r := range rows {
		gone[r.ID] = true
	}
	kept := m.rows[:0]
	for _, r := range m.rows {
		if !gone[r.ID] {
			kept = append(kept, r)
		}
	}
	n := int64(len(m.rows) - len(kept))
	m.rows = kept
	return n, nil
}

func (m *mockStore) ExpireSessions(_ context.Context, idleBefore, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireCalls++
	m.lastIdle = idleBefore
	return m.sessionsIdled, m.expireErr
}

func (m *mockStore) PurgeSessions(_ context.Context, expiredBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeCalls++
	m.lastPurge = expiredBefore
	return 0, m.purgeErr
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *mockStore) runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureCalls
}

type mockArchiver struct {
	archived []store.ActivityRow
	seen     map[int64]bool
	err      error
	closed   bool
}

// Archive skips rows it already holds, like the real archivers.
func (a *mockArchiver) Archive(_ context.Context, rows []store.ActivityRow) error {
	if a.err != nil {
		return a.err
	}
	if a.seen == nil {
		a.seen = make(map[int64]bool)
	}
	for _, r := range rows {
		if !a.seen[r.ID] {
			a.seen[r.ID] = true
			a.archived = append(a.archived, r)
		}
	}
	return nil
}

func (a *mockArchiver) Close() error {
	a.closed = true
	return nil
}

var fixedNow = time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC)

// seedRows creates one row per day for the given number of days before fixedNow.
func seedRows(days int) []store.ActivityRow {
	rows := make([]store.ActivityRow, 0, days)
	for d := 1; d <= days; d++ {
		rows = append(rows, store.ActivityRow{ID: int64(d), CreatedAt: fixedNow.Add(-time.Duration(d)*24*time.Hour + time.Hour)})
	}
	return rows
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Days = 30
	p.BatchSize = 10
	return p
}

func newTestWorker(t *testing.T, p Policy, s Store, opts ...Option) *Worker {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	w, err := NewWorker(p, s, opts...)
	require.NoError(t, err)
	return w
}

func TestWorker_DeletesOnlyRowsPastHorizon(t *testing.T) {
	s := &mockStore{rows: seedRows(45)}
	require.Equal(t, 45, s.count())
	w := newTestWorker(t, testPolicy(), s)

	report, err := w.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 30, s.count(), "rows within 30 days are kept")
	assert.Equal(t, int64(15), report.Deleted)
	assert.Equal(t, fixedNow.Add(-30*24*time.Hour), report.Cutoff)
	assert.Equal(t, []int{10, 10}, s.deleteLimits, "deletes in batches until a short batch")
}

func TestWorker_RunOnce_StepsUseNowRelativeBounds(t *testing.T) {
	s := &mockStore{}
	p := testPolicy()
	p.SessionIdle = 2 * time.Hour
	p.SessionGrace = 48 * time.Hour
	p.PartitionsAhead = 4
	w := newTestWorker(t, p, s)

	_, err := w.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, s.ensureCalls)
	assert.Equal(t, 4, s.ensureAhead)
	assert.Equal(t, 1, s.dropCalls)
	assert.Equal(t, fixedNow.Add(-2*time.Hour), s.lastIdle)
	assert.Equal(t, fixedNow.Add(-48*time.Hour), s.lastPurge)
}

func TestWorker_ArchiveModeArchivesBeforeDeleting(t *testing.T) {
	s := &mockStore{rows: seedRows(45)}
	a := &mockArchiver{}
	p := testPolicy()
	p.Archive = true
	w := newTestWorker(t, p, s, WithArchiver(a))

	report, err := w.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Len(t, a.archived, 15)
	assert.Equal(t, int64(15), report.Archived)
	assert.Equal(t, 30, s.count())
	assert.Zero(t, s.dropCalls, "archive mode never drops partitions")
	assert.Zero(t, s.deleteCalls)
}

func TestWorker_ArchiveFailureKeepsRows(t *testing.T) {
	s := &mockStore{rows: seedRows(40)}
	p := testPolicy()
	p.Archive = true
	w := newTestWorker(t, p, s, WithArchiver(&mockArchiver{err: assert.AnError}))

	_, err := w.RunOnce(context.Background())

	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 40, s.count())
	assert.Equal(t, 1, s.expireCalls, "session maintenance still runs")
}

func TestWorker_ArchiveRecoversAfterFailedDelete(t *testing.T) {
	s := &mockStore{rows: seedRows(40), rowsDeleteErr: assert.AnError}
	a := &mockArchiver{}
	p := testPolicy()
	p.Archive = true
	w := newTestWorker(t, p, s, WithArchiver(a))

	_, err := w.RunOnce(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	require.Len(t, a.archived, 10, "first batch archived before the delete failed")
	require.Equal(t, 40, s.count())

	s.mu.Lock()
	s.rowsDeleteErr = nil
	s.mu.Unlock()

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Archived)
	assert.Len(t, a.archived, 10)
	assert.Equal(t, 30, s.count())
}

func TestWorker_ArchiveModeRequiresArchiver(t *testing.T) {
	p := testPolicy()
	p.Archive = true

	_, err := NewWorker(p, &mockStore{})

	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestWorker_RunOnce_CombinesErrors(t *testing.T) {
	ensureErr := errors.New("ensure failed")
	deleteErr := errors.New("delete failed")
	purgeErr := errors.New("purge failed")
	s := &mockStore{ensureErr: ensureErr, deleteErr: deleteErr, purgeErr: purgeErr}
	w := newTestWorker(t, testPolicy(), s)

	_, err := w.RunOnce(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ensureErr)
	assert.ErrorIs(t, err, deleteErr)
	assert.ErrorIs(t, err, purgeErr)
	assert.Equal(t, 1, s.dropCalls)
	assert.Equal(t, 1, s.expireCalls)
	assert.Equal(t, 1, s.purgeCalls)
}

func TestWorker_FailedRunDoesNotStopSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := &mockStore{ensureErr: assert.AnError}
	p := testPolicy()
	p.Schedule = "@every 1s"
	w := newTestWorker(t, p, s, WithRunOnStart(true))

	require.NoError(t, w.Start(context.Background()))
	assert.Eventually(t, func() bool { return s.runs() >= 2 }, 5*time.Second, 20*time.Millisecond)
	w.Stop()
}

func TestWorker_OnStartRunSharesSkipGuard(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	s := &mockStore{ensureBlock: release}
	p := testPolicy()
	p.Schedule = "@yearly"
	w := newTestWorker(t, p, s, WithRunOnStart(true))

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return s.runs() == 1 }, 2*time.Second, 5*time.Millisecond)

	w.mu.Lock()
	job := w.job
	w.mu.Unlock()
	job.Run()
	assert.Equal(t, 1, s.runs(), "a scheduled run is skipped while the on-start run is active")

	close(release)
	w.Stop()
}

func TestWorker_StartTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newTestWorker(t, testPolicy(), &mockStore{})
	require.NoError(t, w.Start(context.Background()))
	errutil.AssertErrorCode(t, w.Start(context.Background()), "ALREADY_RUNNING")
	w.Stop()
	w.Stop()
}

func TestWorker_StopClosesArchiver(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := &mockArchiver{}
	p := testPolicy()
	p.Archive = true
	w := newTestWorker(t, p, &mockStore{}, WithArchiver(a))
	require.NoError(t, w.Start(context.Background()))

	w.Stop()

	assert.True(t, a.closed)
}

func TestWorker_HealthCheck(t *testing.T) {
	w := newTestWorker(t, testPolicy(), &mockStore{pingErr: assert.AnError})
	assert.ErrorIs(t, w.HealthCheck(context.Background()), assert.AnError)
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
		field  string
	}{
		{"zero days", func(p *Policy) { p.Days = 0 }, "retention.days"},
		{"zero batch", func(p *Policy) { p.BatchSize = 0 }, "retention.batch_size"},
		{"zero idle", func(p *Policy) { p.SessionIdle = 0 }, "retention.session_idle"},
		{"negative grace", func(p *Policy) { p.SessionGrace = -time.Hour }, "retention.session_grace"},
		{"negative ahead", func(p *Policy) { p.PartitionsAhead = -1 }, "retention.partitions_ahead"},
		{"bad schedule", func(p *Policy) { p.Schedule = "every tuesday" }, "retention.schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
			errutil.AssertErrorContext(t, err, "field", tt.field)
		})
	}
	assert.NoError(t, DefaultPolicy().Validate())
}
