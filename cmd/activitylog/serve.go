// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fieldtrack/activitylog/internal/activity"
	"github.com/fieldtrack/activitylog/internal/config"
	"github.com/fieldtrack/activitylog/internal/control"
	"github.com/fieldtrack/activitylog/internal/detector"
	"github.com/fieldtrack/activitylog/internal/logging"
	"github.com/fieldtrack/activitylog/internal/retention"
	"github.com/fieldtrack/activitylog/internal/store"
	"github.com/fieldtrack/activitylog/pkg/errutil"
)

// shutdownTimeout bounds stopping the servers and draining the queue.
const shutdownTimeout = 15 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the activity pipeline, retention worker and control API",
		Long: `Start the activity logging pipeline against PostgreSQL together with the
scheduled retention worker, the control API and the metrics/health server.
SIGINT or SIGTERM drains the queue and shuts down.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServeWithDeps(ctx, cfg, cmd, nil)
		},
	}
}

// runServeWithDeps runs the service until ctx is cancelled or a server fails.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()

	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.Setup(logging.ServiceName, version, cfg.Log.Format, level, deps.LogOutput)
	slog.SetDefault(logger)

	var obsServer ObservabilityServer
	var reg prometheus.Registerer = prometheus.NewRegistry()
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, logger)
		reg = obsServer.Registry()
	}
	store.RegisterMetrics(reg)

	db, err := deps.DatabaseFactory(ctx, cfg, logger)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer db.Close()
	logger.Info("connected to database")

	writer := activity.NewRetryWriter(db, cfg.Activity.WriteRetries, cfg.Activity.RetryDelay)
	loggerOpts := []activity.Option{activity.WithSlog(logger), activity.WithRegisterer(reg)}

	var det *detector.Detector
	if cfg.Detector.FailedLoginThreshold > 0 {
		counter, closer, err := deps.CounterFactory(ctx, cfg.Detector)
		if err != nil {
			return oops.With("operation", "create detector counter").Wrap(err)
		}
		if closer != nil {
			defer func() {
				if err := closer.Close(); err != nil {
					logger.Warn("failed to close detector counter", "error", err)
				}
			}()
		}
		det = detector.New(cfg.DetectorConfig(), counter,
			detector.WithLogger(logger),
			detector.WithRegisterer(reg))
		loggerOpts = append(loggerOpts, activity.WithObserver(det))
	}

	pipeline, err := activity.New(cfg.ActivityConfig(), writer, loggerOpts...)
	if err != nil {
		return err
	}
	if det != nil {
		det.Attach(pipeline)
	}

	archiver, err := openArchiver(ctx, cfg.Retention, db, deps)
	if err != nil {
		return oops.With("operation", "open retention archive").Wrap(err)
	}
	workerOpts := []retention.Option{
		retention.WithLogger(logger),
		retention.WithRegisterer(reg),
		retention.WithRunOnStart(true),
	}
	if archiver != nil {
		workerOpts = append(workerOpts, retention.WithArchiver(archiver))
	}
	worker, err := retention.NewWorker(cfg.RetentionPolicy(), db, workerOpts...)
	if err != nil {
		if archiver != nil {
			_ = archiver.Close()
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer drainCancel()
		if err := pipeline.Close(drainCtx); err != nil {
			errutil.LogError(logger, "activity pipeline close failed", err)
		}
	}()

	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	controlServer := deps.ControlServerFactory(cfg.Control.Addr,
		control.NewHandler(pipeline, cfg.Control.AdminToken, logger), logger)
	controlErrCh, err := controlServer.Start()
	if err != nil {
		return oops.With("operation", "start control server").Wrap(err)
	}
	defer stopServer(logger, "control", controlServer)
	go monitorServerErrors(ctx, cancel, controlErrCh, "control")
	if cfg.Control.AdminToken == "" {
		logger.Warn("control.admin_token is empty; the toggle endpoint is disabled")
	}

	if obsServer != nil {
		obsServer.AddReadinessCheck("pipeline", func(context.Context) error {
			if !pipeline.Running() {
				return oops.Errorf("activity pipeline not running")
			}
			return nil
		})
		obsServer.AddReadinessCheck("database", worker.HealthCheck)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		defer stopServer(logger, "observability", obsServer)
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
	}

	cmd.Println("activitylog started")
	logger.Info("activitylog ready",
		"control_addr", controlServer.Addr(),
		"metrics_addr", cfg.Metrics.Addr,
		"logging_enabled", pipeline.Enabled(),
		"retention_days", cfg.Retention.Days,
		"detector", det != nil)

	<-ctx.Done()
	logger.Info("shutting down", "queued", pipeline.Snapshot().Queue.Size)
	return nil
}

// monitorServerErrors cancels ctx when a server exits with an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server failed", "server", name, "error", err)
			cancel()
		}
	}
}

type stopper interface {
	Stop(ctx context.Context) error
}

func stopServer(logger *slog.Logger, name string, s stopper) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		logger.Warn("error stopping server", "server", name, "error", err)
	}
}
