// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Client calls a running control API.
type Client struct {
	baseURL    string
	adminToken string
	http       *http.Client
}

// NewClient creates a client for the control API at baseURL
// (e.g. "http://127.0.0.1:8081").
func NewClient(baseURL, adminToken string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		http:       &http.Client{Timeout: 5 * time.Second},
	}
}

// Status fetches the pipeline health snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/activity-log/status", nil, &out)
	return out, err
}

// Toggle enables or disables activity logging.
func (c *Client) Toggle(ctx context.Context, enabled bool) (ToggleResponse, error) {
	var out ToggleResponse
	err := c.do(ctx, http.MethodPost, "/activity-log/toggle", ToggleRequest{Enabled: &enabled}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	errb := oops.With("method", method).With("path", path)

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errb.Wrap(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errb.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set(AdminTokenHeader, c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errb.Code("CONTROL_UNREACHABLE").Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiErr ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return errb.Code("CONTROL_REQUEST_FAILED").
			With("status", resp.StatusCode).
			Errorf("control API returned %d: %s %s", resp.StatusCode, apiErr.Error, apiErr.ErrorDescription)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errb.Code("CONTROL_DECODE_FAILED").Wrap(err)
	}
	return nil
}
