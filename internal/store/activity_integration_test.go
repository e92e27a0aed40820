// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

//go:build integration

package store_test

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/fieldtrack/activitylog/internal/activity"
	"github.com/fieldtrack/activitylog/internal/retention"
	"github.com/fieldtrack/activitylog/internal/store"
)

func strPtr(s string) *string { return &s }

func event(action activity.Action, session string, at time.Time) activity.Event {
	e := activity.Event{
		ID:        ulid.Make(),
		ActorID:   strPtr("user-1"),
		Action:    action,
		Category:  action.Category(),
		Endpoint:  "/api/auth/login",
		Method:    "POST",
		Status:    200,
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0",
		Metadata:  map[string]any{"source": "integration"},
		CreatedAt: at,
	}
	if session != "" {
		e.SessionID = strPtr(session)
	}
	return e
}

func countRows(ctx context.Context, table string) int64 {
	var n int64
	Expect(pool.QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&n)).To(Succeed())
	return n
}

var _ = Describe("ActivityWriter", func() {
	var (
		ctx    context.Context
		writer *store.ActivityWriter
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate(ctx)
		writer = store.NewActivityWriter(pool, store.DefaultTimeouts())
	})

	It("persists a batch with all columns", func() {
		now := time.Now().UTC().Truncate(time.Microsecond)
		e := event(activity.ActionLogin, "sess-1", now)

		Expect(writer.WriteBatch(ctx, []activity.Event{e})).To(Succeed())

		var (
			uid, action, category, ip string
			status                    int32
			createdAt                 time.Time
			source                    string
		)
		err := pool.QueryRow(ctx, `
			SELECT event_uid, action_type, category, ip_address, status_code, created_at, metadata->>'source'
			FROM activity_logs`).Scan(&uid, &action, &category, &ip, &status, &createdAt, &source)
		Expect(err).NotTo(HaveOccurred())
		Expect(uid).To(Equal(e.ID.String()))
		Expect(action).To(Equal("LOGIN"))
		Expect(category).To(Equal("AUTH"))
		Expect(ip).To(Equal("203.0.113.7"))
		Expect(status).To(Equal(int32(200)))
		Expect(createdAt.Equal(now)).To(BeTrue())
		Expect(source).To(Equal("integration"))
	})

	It("rejects the whole batch when one row violates a constraint", func() {
		good := event(activity.ActionLogin, "", time.Now())
		bad := event(activity.ActionLogin, "", time.Now())
		bad.Status = 42

		err := writer.WriteBatch(ctx, []activity.Event{good, bad})
		Expect(err).To(HaveOccurred())
		Expect(store.Classify(err)).To(Equal(store.FailureConstraint))
		Expect(countRows(ctx, "activity_logs")).To(BeZero())
	})

	It("maintains session state through the insert trigger", func() {
		start := time.Now().UTC().Add(-time.Hour)
		batch := []activity.Event{
			event(activity.ActionLogin, "sess-2", start),
			event(activity.ActionViewPage, "sess-2", start.Add(10*time.Minute)),
			event(activity.ActionLogout, "sess-2", start.Add(20*time.Minute)),
		}
		Expect(writer.WriteBatch(ctx, batch)).To(Succeed())

		var (
			count     int64
			expiredAt *time.Time
		)
		err := pool.QueryRow(ctx, `
			SELECT event_count, expired_at FROM activity_sessions WHERE session_id = 'sess-2'`).
			Scan(&count, &expiredAt)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(3)))
		Expect(expiredAt).NotTo(BeNil())
	})
})

var _ = Describe("Retention", func() {
	var (
		ctx    context.Context
		writer *store.ActivityWriter
		rs     *store.RetentionStore
		now    time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate(ctx)
		writer = store.NewActivityWriter(pool, store.DefaultTimeouts())
		rs = store.NewRetentionStore(pool, slog.Default())
		now = time.Now().UTC()
	})

	seed := func() {
		var batch []activity.Event
		for _, age := range []int{120, 100, 91, 89, 29, 1} {
			batch = append(batch, event(activity.ActionViewPage, "", now.AddDate(0, 0, -age)))
		}
		Expect(writer.WriteBatch(ctx, batch)).To(Succeed())
	}

	It("creates monthly partitions ahead and is idempotent", func() {
		Expect(rs.EnsurePartitions(ctx, now, 2)).To(Succeed())
		Expect(rs.EnsurePartitions(ctx, now, 2)).To(Succeed())

		var n int
		err := pool.QueryRow(ctx, `
			SELECT count(*) FROM pg_inherits i
			JOIN pg_class p ON p.oid = i.inhparent
			WHERE p.relname = 'activity_logs'`).Scan(&n)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeNumerically(">=", 4), "default plus three monthly partitions")
	})

	It("deletes events past a 30 day horizon and keeps the rest", func() {
		seed()
		policy := retention.DefaultPolicy()
		policy.Days = 30
		policy.BatchSize = 3
		worker, err := retention.NewWorker(policy, rs, retention.WithClock(func() time.Time { return now }))
		Expect(err).NotTo(HaveOccurred())

		cutoff := now.Add(-policy.Horizon())
		before, err := rs.CountBefore(ctx, cutoff)
		Expect(err).NotTo(HaveOccurred())
		Expect(before).To(Equal(int64(4)))

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Deleted).To(Equal(int64(4)))

		after, err := rs.CountBefore(ctx, cutoff)
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(BeZero())
		Expect(countRows(ctx, "activity_logs")).To(Equal(int64(2)))
	})

	It("moves expired events into the archive table in archive mode", func() {
		seed()
		policy := retention.DefaultPolicy()
		policy.Archive = true
		worker, err := retention.NewWorker(policy, rs,
			retention.WithClock(func() time.Time { return now }),
			retention.WithArchiver(store.NewTableArchiver(pool)))
		Expect(err).NotTo(HaveOccurred())

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Archived).To(Equal(int64(3)))
		Expect(countRows(ctx, store.ArchiveTable)).To(Equal(int64(3)))
		Expect(countRows(ctx, store.ActivityTable)).To(Equal(int64(3)))
	})

	It("finishes an archive whose delete never ran", func() {
		seed()
		archiver := store.NewTableArchiver(pool)
		cutoff := now.AddDate(0, 0, -90)
		rows, err := rs.SelectExpired(ctx, cutoff, 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(3))
		Expect(archiver.Archive(ctx, rows)).To(Succeed())

		policy := retention.DefaultPolicy()
		policy.Archive = true
		worker, err := retention.NewWorker(policy, rs,
			retention.WithClock(func() time.Time { return now }),
			retention.WithArchiver(archiver))
		Expect(err).NotTo(HaveOccurred())

		report, err := worker.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Archived).To(Equal(int64(3)))
		Expect(countRows(ctx, store.ArchiveTable)).To(Equal(int64(3)))
		Expect(countRows(ctx, store.ActivityTable)).To(Equal(int64(3)))
	})

	It("expires idle sessions and purges old expired ones", func() {
		Expect(writer.WriteBatch(ctx, []activity.Event{
			event(activity.ActionLogin, "idle", now.Add(-48*time.Hour)),
			event(activity.ActionLogin, "active", now.Add(-time.Minute)),
		})).To(Succeed())

		n, err := rs.ExpireSessions(ctx, now.Add(-24*time.Hour), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		n, err = rs.PurgeSessions(ctx, now.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
		Expect(countRows(ctx, "activity_sessions")).To(Equal(int64(1)))
	})

	It("answers pings", func() {
		Expect(rs.Ping(ctx)).To(Succeed())
		info, err := store.Describe(ctx, pool)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Database).To(Equal("activity_test"))
	})
})
