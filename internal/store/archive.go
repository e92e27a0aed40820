// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
)

// ArchiveTable receives rows moved out of activity_logs.
const ArchiveTable = "activity_logs_archive"

var archiveColumns = []string{
	"id", "event_uid", "user_id", "session_id", "action_type", "category",
	"endpoint", "http_method", "status_code", "ip_address", "user_agent",
	"metadata", "created_at",
}

// archiveStage is the per-transaction staging table rows are copied into
// before they are merged into ArchiveTable.
const archiveStage = "activity_logs_archive_stage"

const (
	createStageSQL = `CREATE TEMP TABLE ` + archiveStage + ` (LIKE ` + ArchiveTable + ` INCLUDING DEFAULTS) ON COMMIT DROP`
	mergeStageSQL  = `INSERT INTO ` + ArchiveTable + ` (id, event_uid, user_id, session_id, action_type, category,
		endpoint, http_method, status_code, ip_address, user_agent, metadata, created_at)
	SELECT id, event_uid, user_id, session_id, action_type, category,
		endpoint, http_method, status_code, ip_address, user_agent, metadata, created_at
	FROM ` + archiveStage + `
	ON CONFLICT (id, created_at) DO NOTHING`
)

// TableArchiver copies expired rows into activity_logs_archive. Rows that
// are already archived are skipped, so a batch whose delete failed can be
// archived again on the next run.
type TableArchiver struct {
	pool poolIface
}

// NewTableArchiver creates an archiver on pool.
func NewTableArchiver(pool poolIface) *TableArchiver {
	return &TableArchiver{pool: pool}
}

// Archive copies rows into the archive table in one transaction.
func (a *TableArchiver) Archive(ctx context.Context, rows []ActivityRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return oops.Code("ARCHIVE_FAILED").With("operation", "begin").Wrap(err)
	}

	rollback := func() {
		_ = tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // the failing statement's error takes precedence
	}
	if _, err := tx.Exec(ctx, createStageSQL); err != nil {
		rollback()
		return oops.Code("ARCHIVE_FAILED").With("operation", "stage").Wrap(err)
	}

	src := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{
			r.ID, r.EventUID, r.UserID, r.SessionID, r.ActionType, r.Category,
			r.Endpoint, r.HTTPMethod, r.StatusCode, r.IPAddress, r.UserAgent,
			r.Metadata, r.CreatedAt,
		}, nil
	})
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{archiveStage}, archiveColumns, src); err != nil {
		rollback()
		return oops.Code("ARCHIVE_FAILED").With("operation", "copy").With("rows", len(rows)).Wrap(err)
	}
	if _, err := tx.Exec(ctx, mergeStageSQL); err != nil {
		rollback()
		return oops.Code("ARCHIVE_FAILED").With("operation", "merge").With("rows", len(rows)).Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("ARCHIVE_FAILED").With("operation", "commit").With("rows", len(rows)).Wrap(err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (a *TableArchiver) Close() error { return nil }
