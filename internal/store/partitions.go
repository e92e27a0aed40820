// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

var partitionName = regexp.MustCompile(`^activity_logs_(\d{4})_(\d{2})$`)

// partitionRange returns the partition name and bounds for the month
// containing t. Start is inclusive, end exclusive.
func partitionRange(t time.Time) (name string, start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	name = fmt.Sprintf("%s_%04d_%02d", ActivityTable, start.Year(), start.Month())
	return name, start, end
}

// parsePartitionEnd returns the exclusive upper bound of a monthly partition
// name, or false if name is not a monthly partition.
func parsePartitionEnd(name string) (time.Time, bool) {
	m := partitionName.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0), true
}

// EnsurePartitions creates the monthly partition containing from and the
// following ahead months. Existing partitions are left alone.
func (s *RetentionStore) EnsurePartitions(ctx context.Context, from time.Time, ahead int) error {
	var errs []error
	for i := 0; i <= ahead; i++ {
		name, start, end := partitionRange(time.Date(from.Year(), from.Month()+time.Month(i), 1, 0, 0, 0, 0, time.UTC))
		query := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			pgx.Identifier{name}.Sanitize(),
			ActivityTable,
			start.Format(time.DateOnly),
			end.Format(time.DateOnly),
		)
		if _, err := s.pool.Exec(ctx, query); err != nil {
			// Rows for this month already sit in the default partition; the
			// month stays there until they age out.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
				s.logger.Warn("partition range overlaps default partition rows",
					"partition", name)
				continue
			}
			errs = append(errs, oops.Code("PARTITION_CREATE_FAILED").
				With("partition", name).
				With("range_start", start.Format(time.DateOnly)).
				With("range_end", end.Format(time.DateOnly)).
				Wrap(err))
		}
	}
	return errors.Join(errs...)
}

// DropExpiredPartitions drops every monthly partition whose range ends at or
// before cutoff and returns the dropped names.
func (s *RetentionStore) DropExpiredPartitions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1
		ORDER BY c.relname`, ActivityTable)
	if err != nil {
		return nil, oops.Code("PARTITION_LIST_FAILED").Wrap(err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, oops.Code("PARTITION_LIST_FAILED").Wrap(err)
	}

	var (
		dropped []string
		errs    []error
	)
	for _, name := range names {
		end, ok := parsePartitionEnd(name)
		if !ok || end.After(cutoff) {
			continue
		}
		if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS `+pgx.Identifier{name}.Sanitize()); err != nil {
			errs = append(errs, oops.Code("PARTITION_DROP_FAILED").With("partition", name).Wrap(err))
			continue
		}
		dropped = append(dropped, name)
	}
	return dropped, errors.Join(errs...)
}
