// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fieldtrack/activitylog/internal/config"
	"github.com/fieldtrack/activitylog/internal/logging"
	"github.com/fieldtrack/activitylog/internal/retention"
)

// NewRetentionCmd creates the retention subcommand.
func NewRetentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Enforce the activity retention horizon",
	}

	var jsonOutput bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one retention cycle and exit",
		Long: `Delete (or archive) activity older than retention.days, create upcoming
partitions, and expire idle sessions. Every step runs even if an earlier one
fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runRetentionWithDeps(cmd.Context(), cfg, cmd, jsonOutput, nil)
		},
	}
	run.Flags().BoolVar(&jsonOutput, "json", false, "output the report as JSON")
	cmd.AddCommand(run)

	return cmd
}

// runRetentionWithDeps runs a single retention cycle and prints its report.
// The report is printed even when some steps failed.
func runRetentionWithDeps(ctx context.Context, cfg config.Config, cmd *cobra.Command, jsonOutput bool, deps *ServeDeps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.Setup(logging.ServiceName, version, cfg.Log.Format, level, deps.LogOutput)

	db, err := deps.DatabaseFactory(ctx, cfg, logger)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer db.Close()

	archiver, err := openArchiver(ctx, cfg.Retention, db, deps)
	if err != nil {
		return oops.With("operation", "open retention archive").Wrap(err)
	}
	opts := []retention.Option{retention.WithLogger(logger)}
	if archiver != nil {
		defer func() {
			if err := archiver.Close(); err != nil {
				logger.Warn("closing archiver failed", "error", err)
			}
		}()
		opts = append(opts, retention.WithArchiver(archiver))
	}

	worker, err := retention.NewWorker(cfg.RetentionPolicy(), db, opts...)
	if err != nil {
		return err
	}

	report, runErr := worker.RunOnce(ctx)

	var out string
	if jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return oops.With("operation", "marshal report").Wrap(err)
		}
		out = string(data)
	} else {
		out = formatReport(report)
	}
	cmd.Println(out)

	if runErr != nil {
		return oops.Code("RETENTION_FAILED").With("operation", "run retention").Wrap(runErr)
	}
	return nil
}

func formatReport(r retention.Report) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "cutoff\t%s\n", r.Cutoff.Format("2006-01-02T15:04:05Z07:00"))
	_, _ = fmt.Fprintf(w, "deleted\t%d\n", r.Deleted)
	_, _ = fmt.Fprintf(w, "archived\t%d\n", r.Archived)
	dropped := "-"
	if len(r.DroppedPartitions) > 0 {
		dropped = strings.Join(r.DroppedPartitions, ", ")
	}
	_, _ = fmt.Fprintf(w, "dropped partitions\t%s\n", dropped)
	_, _ = fmt.Fprintf(w, "sessions expired\t%d\n", r.SessionsExpired)
	_, _ = fmt.Fprintf(w, "sessions purged\t%d\n", r.SessionsPurged)
	_, _ = fmt.Fprintf(w, "duration\t%s\n", r.Duration)
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
