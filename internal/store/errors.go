// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
)

// Failure classes for write errors.
const (
	FailureTimeout    = "timeout"
	FailureConnection = "connection"
	FailureConstraint = "constraint"
	FailureOther      = "other"
)

var writeFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "activitylog_write_failures_total",
		Help: "Total number of failed activity batch writes by failure class",
	},
	[]string{"class"},
)

var retentionRows = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "activitylog_retention_rows_total",
		Help: "Total number of activity rows removed by retention by mode",
	},
	[]string{"mode"},
)

// RegisterMetrics registers the store's collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(writeFailures, retentionRows)
}

// Classify maps a database error to a failure class.
func Classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return FailureTimeout
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return FailureConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.QueryCanceled, pgErr.Code == pgerrcode.LockNotAvailable:
			return FailureTimeout
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code):
			return FailureConnection
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code),
			pgerrcode.IsDataException(pgErr.Code):
			return FailureConstraint
		}
	}
	return FailureOther
}
