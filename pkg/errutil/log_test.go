// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package errutil_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/activitylog/pkg/errutil"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_WithOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("ACTIVITY_WRITE_FAILED").
		With("operation", "copy").
		Errorf("copy failed")

	errutil.LogError(logger, "batch write failed", err)

	entry := decode(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "batch write failed", entry["msg"])
	assert.Equal(t, "ACTIVITY_WRITE_FAILED", entry["code"])
	ctx, ok := entry["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "copy", ctx["operation"])
}

func TestLogError_WithStandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "operation failed", errors.New("standard error"))

	entry := decode(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "standard error")
	assert.NotContains(t, entry, "code")
}

func TestLogErrorContext_PassesContext(t *testing.T) {
	var buf bytes.Buffer
	type key struct{}
	handler := &ctxHandler{Handler: slog.NewJSONHandler(&buf, nil), key: key{}}
	logger := slog.New(handler)

	ctx := context.WithValue(context.Background(), key{}, "req-42")
	errutil.LogErrorContext(ctx, logger, "retention step failed", oops.Errorf("boom"))

	entry := decode(t, &buf)
	assert.Equal(t, "req-42", entry["request_id"])
	assert.NotContains(t, entry, "code")
}

// ctxHandler copies a context value into each record.
type ctxHandler struct {
	slog.Handler
	key any
}

func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(h.key).(string); ok {
		r.AddAttrs(slog.String("request_id", v))
	}
	return h.Handler.Handle(ctx, r)
}
