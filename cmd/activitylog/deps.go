// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldtrack/activitylog/internal/activity"
	"github.com/fieldtrack/activitylog/internal/config"
	"github.com/fieldtrack/activitylog/internal/control"
	"github.com/fieldtrack/activitylog/internal/detector"
	"github.com/fieldtrack/activitylog/internal/observability"
	"github.com/fieldtrack/activitylog/internal/retention"
	"github.com/fieldtrack/activitylog/internal/retention/sqlite"
	"github.com/fieldtrack/activitylog/internal/store"
	"github.com/fieldtrack/activitylog/internal/xdg"
)

// ServeDeps contains injectable dependencies for the serve and retention
// commands. All fields with nil values will use their default implementations.
type ServeDeps struct {
	// DatabaseFactory connects to PostgreSQL.
	// Default: openDatabase
	DatabaseFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (Database, error)

	// CounterFactory creates the failed-login window counter. The closer may be nil.
	// Default: Redis when detector.redis_addr is set, in-memory otherwise
	CounterFactory func(ctx context.Context, cfg config.DetectorConfig) (detector.Counter, io.Closer, error)

	// ArchiverFactory opens a file-backed archive at path.
	// Default: sqlite.Open
	ArchiverFactory func(ctx context.Context, path string) (retention.Archiver, error)

	// ControlServerFactory creates the control API server.
	// Default: control.NewServer
	ControlServerFactory func(addr string, h *control.Handler, logger *slog.Logger) ControlServer

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, logger *slog.Logger) ObservabilityServer

	// LogOutput receives structured logs.
	// Default: os.Stderr
	LogOutput io.Writer
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := ServeDeps{}
	if d != nil {
		out = *d
	}
	if out.DatabaseFactory == nil {
		out.DatabaseFactory = openDatabase
	}
	if out.CounterFactory == nil {
		out.CounterFactory = newCounter
	}
	if out.ArchiverFactory == nil {
		out.ArchiverFactory = func(ctx context.Context, path string) (retention.Archiver, error) {
			a, err := sqlite.Open(ctx, path)
			if err != nil {
				return nil, err
			}
			return a, nil
		}
	}
	if out.ControlServerFactory == nil {
		out.ControlServerFactory = func(addr string, h *control.Handler, logger *slog.Logger) ControlServer {
			return control.NewServer(addr, h, logger)
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, logger)
		}
	}
	if out.LogOutput == nil {
		out.LogOutput = os.Stderr
	}
	return &out
}

// Database is the persistence the pipeline writes to and the retention
// worker maintains.
type Database interface {
	activity.Writer
	retention.Store
	TableArchiver() retention.Archiver
	Close()
}

// ControlServer interface wraps the methods used from control.Server.
type ControlServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() *prometheus.Registry
	AddReadinessCheck(name string, check observability.ReadinessCheck)
}

// pgDatabase bundles the PostgreSQL writer and retention store over one pool.
type pgDatabase struct {
	*store.ActivityWriter
	*store.RetentionStore
	pool *pgxpool.Pool
}

func openDatabase(ctx context.Context, cfg config.Config, logger *slog.Logger) (Database, error) {
	pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Activity.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	return &pgDatabase{
		ActivityWriter: store.NewActivityWriter(pool, cfg.StoreTimeouts()),
		RetentionStore: store.NewRetentionStore(pool, logger),
		pool:           pool,
	}, nil
}

func (d *pgDatabase) TableArchiver() retention.Archiver {
	return store.NewTableArchiver(d.pool)
}

func (d *pgDatabase) Close() {
	d.pool.Close()
}

func newCounter(ctx context.Context, cfg config.DetectorConfig) (detector.Counter, io.Closer, error) {
	if cfg.RedisAddr == "" {
		return detector.NewMemoryCounter(), nil, nil
	}
	c, err := detector.NewRedisCounter(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}

// openArchiver returns the archiver for archive-mode retention, or nil when
// expired rows are deleted outright.
func openArchiver(ctx context.Context, cfg config.RetentionConfig, db Database, deps *ServeDeps) (retention.Archiver, error) {
	if !cfg.Archive {
		return nil, nil
	}
	if cfg.ArchivePath == "" {
		return db.TableArchiver(), nil
	}
	path, err := xdg.DataPath(cfg.ArchivePath)
	if err != nil {
		return nil, err
	}
	if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return deps.ArchiverFactory(ctx, path)
}
