// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package control serves the runtime control API for the activity logger:
// a health snapshot and an administrative enable/disable toggle.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldtrack/activitylog/internal/activity"
	"github.com/fieldtrack/activitylog/internal/capture"
)

// AdminTokenHeader carries the shared secret required by mutating endpoints.
const AdminTokenHeader = "X-Admin-Token"

// Service is the part of the activity logger the control API drives.
type Service interface {
	Snapshot() activity.Snapshot
	Enabled() bool
	SetEnabled(enabled bool) bool
	Log(ctx context.Context, rec activity.Record)
}

// StatusResponse is returned by GET /activity-log/status.
type StatusResponse struct {
	Enabled             bool          `json:"enabled"`
	CircuitBreakerState string        `json:"circuitBreakerState"`
	QueueSize           int           `json:"queueSize"`
	TotalLogs           int64         `json:"totalLogs"`
	FailedLogs          int64         `json:"failedLogs"`
	AvgProcessingTime   float64       `json:"avgProcessingTime"`
	Details             StatusDetails `json:"details"`
}

// StatusDetails expands the summary fields.
type StatusDetails struct {
	Running bool                  `json:"running"`
	Queue   activity.QueueMetrics `json:"queue"`
	Dropped DropCounts            `json:"dropped"`
	Breaker BreakerDetails        `json:"breaker"`
	Flushes int64                 `json:"flushes"`
}

// DropCounts are events rejected at enqueue time, by reason.
type DropCounts struct {
	Disabled    int64 `json:"disabled"`
	CircuitOpen int64 `json:"circuitOpen"`
	Invalid     int64 `json:"invalid"`
	Overflow    int64 `json:"overflow"`
}

// BreakerDetails describes the circuit breaker.
type BreakerDetails struct {
	Failures       int64      `json:"failures"`
	Threshold      int        `json:"threshold"`
	CooldownMs     int64      `json:"cooldownMs"`
	LastTransition time.Time  `json:"lastTransition"`
	OpenUntil      *time.Time `json:"openUntil,omitempty"`
}

// ToggleRequest is the body of POST /activity-log/toggle.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// ToggleResponse reports the applied setting.
type ToggleResponse struct {
	Enabled  bool `json:"enabled"`
	Previous bool `json:"previous"`
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Handler wires the control endpoints to the activity logger.
type Handler struct {
	svc        Service
	adminToken string
	logger     *slog.Logger

	// toggleMu serialises toggles so previous always matches the state
	// the request replaced.
	toggleMu sync.Mutex
}

// NewHandler creates a control handler. An empty adminToken disables the
// toggle endpoint.
func NewHandler(svc Service, adminToken string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, adminToken: adminToken, logger: logger}
}

// Register mounts the control endpoints on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/activity-log", func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Use(capture.Middleware)
		r.Get("/status", h.handleStatus)
		r.With(RequireAdminToken(h.adminToken, h.logger)).Post("/toggle", h.handleToggle)
	})
}

// NewRouter returns a router serving only the control endpoints.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

// RequireAdminToken rejects requests whose X-Admin-Token does not match
// expected. With an empty expected token every request is rejected.
func RequireAdminToken(expected string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if expected == "" {
				logger.WarnContext(ctx, "admin endpoint called without a configured token",
					"request_id", middleware.GetReqID(ctx),
					"path", r.URL.Path)
				writeError(w, http.StatusForbidden, "forbidden", "admin token not configured")
				return
			}
			token := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", middleware.GetReqID(ctx),
					"path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewStatusResponse converts a pipeline snapshot into the API shape.
func NewStatusResponse(s activity.Snapshot) StatusResponse {
	resp := StatusResponse{
		Enabled:             s.Enabled,
		CircuitBreakerState: s.Breaker.State.String(),
		QueueSize:           s.Queue.Size,
		TotalLogs:           s.Written,
		FailedLogs:          s.Failed,
		AvgProcessingTime:   float64(s.AvgFlushTime) / float64(time.Millisecond),
		Details: StatusDetails{
			Running: s.Running,
			Queue:   s.Queue,
			Dropped: DropCounts{
				Disabled:    s.DroppedDisabled,
				CircuitOpen: s.DroppedCircuitOpen,
				Invalid:     s.DroppedInvalid,
				Overflow:    s.Queue.Dropped,
			},
			Breaker: BreakerDetails{
				Failures:       s.Breaker.Failures,
				Threshold:      s.Breaker.Threshold,
				CooldownMs:     s.Breaker.Cooldown.Milliseconds(),
				LastTransition: s.Breaker.LastTransition,
			},
			Flushes: s.Flushes,
		},
	}
	if s.Breaker.State == activity.StateOpen {
		until := s.Breaker.OpenUntil
		resp.Details.Breaker.OpenUntil = &until
	}
	return resp
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, NewStatusResponse(h.svc.Snapshot())); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write status response", "error", err)
	}
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ToggleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be {\"enabled\": bool}")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	enabled := *req.Enabled

	// The audit record is written while logging is on: before a disable and
	// after an enable. A request that changes nothing is not recorded.
	h.toggleMu.Lock()
	var prev bool
	if enabled {
		prev = h.svc.SetEnabled(true)
		if !prev {
			h.record(ctx, true, prev)
		}
	} else {
		prev = h.svc.Enabled()
		if prev {
			h.record(ctx, false, prev)
		}
		h.svc.SetEnabled(false)
	}
	h.toggleMu.Unlock()

	h.logger.InfoContext(ctx, "activity logging toggled via control API",
		"request_id", middleware.GetReqID(ctx),
		"enabled", enabled,
		"previous", prev)

	if err := writeJSON(w, http.StatusOK, ToggleResponse{Enabled: enabled, Previous: prev}); err != nil {
		h.logger.ErrorContext(ctx, "failed to write toggle response", "error", err)
	}
}

func (h *Handler) record(ctx context.Context, enabled, previous bool) {
	h.svc.Log(ctx, activity.Record{
		Action: activity.ActionLoggingToggled,
		Status: http.StatusOK,
		Metadata: map[string]any{
			"enabled":  enabled,
			"previous": previous,
		},
	})
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	//nolint:errcheck // client may have disconnected
	writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON response: %w", err)
	}
	return nil
}
