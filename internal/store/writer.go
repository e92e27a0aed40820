// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/fieldtrack/activitylog/internal/activity"
)

// ActivityTable is the partitioned parent table events are copied into.
const ActivityTable = "activity_logs"

var activityColumns = []string{
	"event_uid", "user_id", "session_id", "action_type", "category",
	"endpoint", "http_method", "status_code", "ip_address", "user_agent",
	"metadata", "created_at",
}

// Timeouts bounds the two phases of a batch write.
type Timeouts struct {
	// Connect bounds acquiring a connection and opening the transaction.
	Connect time.Duration
	// Query bounds the bulk copy and commit.
	Query time.Duration
}

// DefaultTimeouts returns the production write deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 2 * time.Second, Query: 3 * time.Second}
}

// ActivityWriter writes event batches with a single COPY per batch.
type ActivityWriter struct {
	pool     poolIface
	timeouts Timeouts
}

// NewActivityWriter creates a writer on pool.
func NewActivityWriter(pool poolIface, timeouts Timeouts) *ActivityWriter {
	return &ActivityWriter{pool: pool, timeouts: timeouts}
}

// WriteBatch copies events into activity_logs inside one transaction. Either
// the whole batch is committed or nothing is.
func (w *ActivityWriter) WriteBatch(ctx context.Context, events []activity.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	defer func() {
		if err != nil {
			writeFailures.WithLabelValues(Classify(err)).Inc()
		}
	}()

	rows, err := eventRows(events)
	if err != nil {
		return err
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, w.timeouts.Connect)
	tx, err := w.pool.Begin(connectCtx)
	cancelConnect()
	if err != nil {
		return oops.Code("ACTIVITY_WRITE_FAILED").
			With("operation", "begin").
			With("batch_size", len(events)).
			Wrap(err)
	}

	queryCtx, cancelQuery := context.WithTimeout(ctx, w.timeouts.Query)
	defer cancelQuery()

	n, err := tx.CopyFrom(queryCtx, pgx.Identifier{ActivityTable}, activityColumns, pgx.CopyFromRows(rows))
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // copy error takes precedence
		return oops.Code("ACTIVITY_WRITE_FAILED").
			With("operation", "copy").
			With("batch_size", len(events)).
			Wrap(err)
	}
	if int(n) != len(events) {
		_ = tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // short copy error takes precedence
		return oops.Code("ACTIVITY_WRITE_FAILED").
			With("operation", "copy").
			With("batch_size", len(events)).
			With("copied", n).
			Errorf("copied %d of %d rows", n, len(events))
	}

	if err := tx.Commit(queryCtx); err != nil {
		return oops.Code("ACTIVITY_WRITE_FAILED").
			With("operation", "commit").
			With("batch_size", len(events)).
			Wrap(err)
	}
	return nil
}

func eventRows(events []activity.Event) ([][]any, error) {
	rows := make([][]any, len(events))
	for i, e := range events {
		var md []byte
		if len(e.Metadata) > 0 {
			var err error
			md, err = json.Marshal(e.Metadata)
			if err != nil {
				return nil, oops.Code("ACTIVITY_ENCODE_FAILED").
					With("event_uid", e.ID.String()).
					Wrap(err)
			}
		}
		rows[i] = []any{
			e.ID.String(),
			e.ActorID,
			e.SessionID,
			string(e.Action),
			string(e.Category),
			e.Endpoint,
			nullString(e.Method),
			nullInt(e.Status),
			e.IP,
			nullString(e.UserAgent),
			md,
			e.CreatedAt,
		}
	}
	return rows, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int32 {
	if n == 0 {
		return nil
	}
	v := int32(n) //nolint:gosec // status codes are validated to 100-599
	return &v
}
