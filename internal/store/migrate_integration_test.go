// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/activitylog/internal/store"
)

func TestMigrator_FullCycle(t *testing.T) {
	ctx := context.Background()

	pg, dsn, err := startPostgres(ctx)
	require.NoError(t, err)
	defer func() { _ = pg.Terminate(ctx) }()

	migrator, err := store.NewMigrator(dsn)
	require.NoError(t, err)
	defer func() { _ = migrator.Close() }()

	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	pending, err := migrator.Pending()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2, 3}, pending)

	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Up(), "no change is not an error")

	version, dirty, err = migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)

	pending, err = migrator.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, migrator.Down())
	version, _, err = migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Force(2))
	version, dirty, err = migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}
