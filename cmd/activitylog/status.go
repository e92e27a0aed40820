// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fieldtrack/activitylog/internal/control"
)

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running activity pipeline",
		Long:  `Query the control API of a running service for queue, breaker and throughput figures.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client := control.NewClient(appCfg.Control.Addr, appCfg.Control.AdminToken)
	status, err := client.Status(cmd.Context())
	if err != nil {
		return err
	}

	var output string
	if cfg.jsonOutput {
		output, err = formatStatusJSON(status)
		if err != nil {
			return err
		}
	} else {
		output = formatStatusTable(status)
	}

	cmd.Println(output)
	return nil
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(s control.StatusResponse) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	logging := "disabled"
	if s.Enabled {
		logging = "enabled"
	}
	breaker := s.CircuitBreakerState
	if s.Details.Breaker.OpenUntil != nil {
		breaker = fmt.Sprintf("%s (until %s)", breaker, s.Details.Breaker.OpenUntil.Format(time.RFC3339))
	}

	_, _ = fmt.Fprintf(w, "logging\t%s\n", logging)
	_, _ = fmt.Fprintf(w, "consumer\t%s\n", runningLabel(s.Details.Running))
	_, _ = fmt.Fprintf(w, "circuit breaker\t%s\n", breaker)
	_, _ = fmt.Fprintf(w, "breaker failures\t%d/%d\n", s.Details.Breaker.Failures, s.Details.Breaker.Threshold)
	_, _ = fmt.Fprintf(w, "queue\t%d/%d (high water %d)\n",
		s.QueueSize, s.Details.Queue.Capacity, s.Details.Queue.HighWater)
	_, _ = fmt.Fprintf(w, "written\t%d\n", s.TotalLogs)
	_, _ = fmt.Fprintf(w, "failed\t%d\n", s.FailedLogs)
	_, _ = fmt.Fprintf(w, "dropped\tdisabled=%d circuit_open=%d invalid=%d overflow=%d\n",
		s.Details.Dropped.Disabled, s.Details.Dropped.CircuitOpen,
		s.Details.Dropped.Invalid, s.Details.Dropped.Overflow)
	_, _ = fmt.Fprintf(w, "flushes\t%d\n", s.Details.Flushes)
	_, _ = fmt.Fprintf(w, "avg flush\t%.2fms\n", s.AvgProcessingTime)

	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func runningLabel(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(s control.StatusResponse) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", oops.With("operation", "marshal status").Wrap(err)
	}
	return string(data), nil
}
