// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package sqlite archives expired activity rows into a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"

	"github.com/fieldtrack/activitylog/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS activity_logs_archive (
  id          INTEGER NOT NULL,
  event_uid   TEXT    NOT NULL,
  user_id     TEXT,
  session_id  TEXT,
  action_type TEXT    NOT NULL,
  category    TEXT    NOT NULL,
  endpoint    TEXT    NOT NULL,
  http_method TEXT,
  status_code INTEGER,
  ip_address  TEXT    NOT NULL,
  user_agent  TEXT,
  metadata    TEXT,
  created_at  TEXT    NOT NULL,
  archived_at TEXT    NOT NULL,
  PRIMARY KEY (id, created_at)
);
CREATE INDEX IF NOT EXISTS idx_activity_archive_created_at ON activity_logs_archive(created_at);
CREATE INDEX IF NOT EXISTS idx_activity_archive_user ON activity_logs_archive(user_id, created_at);
`

// Archiver writes archived rows to SQLite.
type Archiver struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates or opens the archive database at path.
func Open(ctx context.Context, path string) (*Archiver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, oops.Code("CONFIG_INVALID").With("field", "retention.archive_path").Errorf("archive path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, oops.Code("ARCHIVE_OPEN_FAILED").With("path", path).Wrap(err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, oops.Code("ARCHIVE_OPEN_FAILED").With("path", path).Wrap(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, oops.Code("ARCHIVE_OPEN_FAILED").With("path", path).With("operation", "schema").Wrap(err)
	}
	return &Archiver{db: db, clock: time.Now}, nil
}

// Archive inserts rows in one transaction. Re-archiving a row is a no-op.
func (a *Archiver) Archive(ctx context.Context, rows []store.ActivityRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return oops.Code("ARCHIVE_FAILED").With("operation", "begin").Wrap(err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO activity_logs_archive
  (id, event_uid, user_id, session_id, action_type, category, endpoint, http_method,
   status_code, ip_address, user_agent, metadata, created_at, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return oops.Code("ARCHIVE_FAILED").With("operation", "prepare").Wrap(err)
	}
	defer stmt.Close()

	archivedAt := a.clock().UTC().Format(time.RFC3339Nano)
	for _, r := range rows {
		var md any
		if len(r.Metadata) > 0 {
			md = string(r.Metadata)
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.EventUID, r.UserID, r.SessionID, r.ActionType, r.Category, r.Endpoint,
			r.HTTPMethod, r.StatusCode, r.IPAddress, r.UserAgent, md,
			r.CreatedAt.UTC().Format(time.RFC3339Nano), archivedAt,
		); err != nil {
			return oops.Code("ARCHIVE_FAILED").With("operation", "insert").With("id", r.ID).Wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return oops.Code("ARCHIVE_FAILED").With("operation", "commit").Wrap(err)
	}
	return nil
}

// Count returns the number of archived rows.
func (a *Archiver) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := a.db.QueryRowContext(ctx, `SELECT count(*) FROM activity_logs_archive`).Scan(&n); err != nil {
		return 0, oops.Code("ARCHIVE_COUNT_FAILED").Wrap(err)
	}
	return n, nil
}

// Close closes the database.
func (a *Archiver) Close() error {
	if err := a.db.Close(); err != nil {
		return oops.Code("ARCHIVE_CLOSE_FAILED").Wrap(err)
	}
	return nil
}
