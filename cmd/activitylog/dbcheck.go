// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fieldtrack/activitylog/internal/store"
)

// connectPool is replaced in tests.
var connectPool = store.Connect

// describeDatabase is replaced in tests.
var describeDatabase = func(ctx context.Context, pool *pgxpool.Pool) (store.ServerInfo, error) {
	return store.Describe(ctx, pool)
}

// NewDBCheckCmd creates the db-check subcommand.
func NewDBCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "db-check",
		Short: "Verify the database is reachable",
		Long:  `Connect to database.url within activity.connect_timeout and print the server identity.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := connectPool(ctx, cfg.Database.URL, cfg.Activity.ConnectTimeout)
			if err != nil {
				return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
			}
			defer pool.Close()

			info, err := describeDatabase(ctx, pool)
			if err != nil {
				return err
			}
			cmd.Printf("database: %s\nuser: %s\nserver: %s\n", info.Database, info.User, info.Version)
			return nil
		},
	}
}
