// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/fieldtrack/activitylog/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the activitylog CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activitylog",
		Short: "Resilient user activity logging",
		Long: `activitylog records user activity events through a bounded,
non-blocking pipeline into PostgreSQL, guarded by a circuit breaker,
and enforces a retention horizon on the stored events.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/activitylog/config.yaml)")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewRetentionCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewToggleCmd())
	cmd.AddCommand(NewDBCheckCmd())

	return cmd
}

// loadConfig reads and validates the configuration for cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(config.Options{File: configFile, Flags: cmd.Flags()})
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
