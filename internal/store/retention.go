// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
)

// ActivityRow is a persisted activity event as read back for archiving.
type ActivityRow struct {
	ID         int64
	EventUID   string
	UserID     *string
	SessionID  *string
	ActionType string
	Category   string
	Endpoint   string
	HTTPMethod *string
	StatusCode *int32
	IPAddress  string
	UserAgent  *string
	Metadata   []byte
	CreatedAt  time.Time
}

const selectExpiredSQL = `
	SELECT id, event_uid, user_id, session_id, action_type, category, endpoint,
	       http_method, status_code, ip_address, user_agent, metadata, created_at
	FROM activity_logs
	WHERE created_at < $1
	ORDER BY created_at, id
	LIMIT $2`

const deleteExpiredSQL = `
	DELETE FROM activity_logs
	WHERE (id, created_at) IN (
		SELECT id, created_at FROM activity_logs
		WHERE created_at < $1
		ORDER BY created_at, id
		LIMIT $2
	)`

// RetentionStore runs the retention worker's queries against PostgreSQL.
type RetentionStore struct {
	pool   poolIface
	logger *slog.Logger
}

// NewRetentionStore creates a retention store on pool.
func NewRetentionStore(pool poolIface, logger *slog.Logger) *RetentionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionStore{pool: pool, logger: logger}
}

// DeleteExpired deletes up to limit rows created before cutoff, oldest first.
func (s *RetentionStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteExpiredSQL, cutoff, limit)
	if err != nil {
		return 0, oops.Code("RETENTION_DELETE_FAILED").
			With("cutoff", cutoff).
			With("limit", limit).
			Wrap(err)
	}
	retentionRows.WithLabelValues("delete").Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// SelectExpired returns up to limit rows created before cutoff, oldest first.
func (s *RetentionStore) SelectExpired(ctx context.Context, cutoff time.Time, limit int) ([]ActivityRow, error) {
	rows, err := s.pool.Query(ctx, selectExpiredSQL, cutoff, limit)
	if err != nil {
		return nil, oops.Code("RETENTION_SELECT_FAILED").With("cutoff", cutoff).Wrap(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ActivityRow, error) {
		var r ActivityRow
		err := row.Scan(&r.ID, &r.EventUID, &r.UserID, &r.SessionID, &r.ActionType, &r.Category,
			&r.Endpoint, &r.HTTPMethod, &r.StatusCode, &r.IPAddress, &r.UserAgent, &r.Metadata, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, oops.Code("RETENTION_SELECT_FAILED").With("operation", "scan").Wrap(err)
	}
	return out, nil
}

// DeleteRows deletes exactly the given rows, typically after archiving them.
func (s *RetentionStore) DeleteRows(ctx context.Context, rows []ActivityRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(rows))
	created := make([]time.Time, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		created[i] = r.CreatedAt
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM activity_logs a
		USING unnest($1::bigint[], $2::timestamptz[]) AS d(id, created_at)
		WHERE a.id = d.id AND a.created_at = d.created_at`, ids, created)
	if err != nil {
		return 0, oops.Code("RETENTION_DELETE_FAILED").With("rows", len(rows)).Wrap(err)
	}
	retentionRows.WithLabelValues("archive").Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// CountBefore counts rows created before cutoff.
func (s *RetentionStore) CountBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM activity_logs WHERE created_at < $1`, cutoff).Scan(&n); err != nil {
		return 0, oops.Code("RETENTION_COUNT_FAILED").Wrap(err)
	}
	return n, nil
}

// ExpireSessions marks sessions not seen since idleBefore as expired.
func (s *RetentionStore) ExpireSessions(ctx context.Context, idleBefore, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE activity_sessions SET expired_at = $2
		WHERE expired_at IS NULL AND last_seen_at < $1`, idleBefore, now)
	if err != nil {
		return 0, oops.Code("SESSION_EXPIRE_FAILED").With("idle_before", idleBefore).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// PurgeSessions deletes sessions that expired before expiredBefore.
func (s *RetentionStore) PurgeSessions(ctx context.Context, expiredBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM activity_sessions WHERE expired_at < $1`, expiredBefore)
	if err != nil {
		return 0, oops.Code("SESSION_PURGE_FAILED").With("expired_before", expiredBefore).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks that the database answers.
func (s *RetentionStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return oops.Code("DB_PING_FAILED").Wrap(err)
	}
	return nil
}
