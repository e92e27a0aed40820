// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fieldtrack/activitylog/internal/control"
)

// NewToggleCmd creates the toggle subcommand.
func NewToggleCmd() *cobra.Command {
	var enabled bool

	cmd := &cobra.Command{
		Use:   "toggle",
		Short: "Enable or disable activity logging on a running service",
		Long: `Switch activity logging on or off through the control API. Requires
control.admin_token to match the token the service was started with.`,
		Example: `  activitylog toggle --enabled=false
  ACTIVITYLOG_CONTROL__ADMIN_TOKEN=secret activitylog toggle --enabled`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("enabled") {
				return oops.Code("INVALID_ARGUMENT").Errorf("--enabled is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client := control.NewClient(cfg.Control.Addr, cfg.Control.AdminToken)
			resp, err := client.Toggle(cmd.Context(), enabled)
			if err != nil {
				return err
			}
			cmd.Printf("activity logging %s (was %s)\n", onOff(resp.Enabled), onOff(resp.Previous))
			return nil
		},
	}

	cmd.Flags().BoolVar(&enabled, "enabled", false, "desired logging state")

	return cmd
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
