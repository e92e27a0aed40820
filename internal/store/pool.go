// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package store persists activity events in PostgreSQL and owns the schema
// migrations, partition maintenance and retention queries.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// poolIface is the subset of *pgxpool.Pool used by this package. pgxmock's
// pool satisfies it in tests.
type poolIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pool against databaseURL and verifies it with a ping
// bounded by connectTimeout.
func Connect(ctx context.Context, databaseURL string, connectTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code("DB_CONFIG_INVALID").Wrap(err)
	}
	if connectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = connectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}

	pingCtx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}
	return pool, nil
}

// ServerInfo describes the database a pool is connected to.
type ServerInfo struct {
	Version  string `json:"version"`
	Database string `json:"database"`
	User     string `json:"user"`
}

// Describe reports the server version, current database and current user.
func Describe(ctx context.Context, pool poolIface) (ServerInfo, error) {
	var info ServerInfo
	err := pool.QueryRow(ctx, `SELECT version(), current_database(), current_user`).
		Scan(&info.Version, &info.Database, &info.User)
	if err != nil {
		return ServerInfo{}, oops.Code("DB_DESCRIBE_FAILED").Wrap(err)
	}
	return info, nil
}
