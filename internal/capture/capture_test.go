// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package capture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{"remote addr with port", nil, "192.0.2.10:51234", "192.0.2.10"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"remote addr without port", nil, "192.0.2.10", "192.0.2.10"},
		{"forwarded for first hop", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.2:80", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.3 "}, "10.0.0.2:80", "198.51.100.3"},
		{
			"forwarded for wins over real ip",
			map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "198.51.100.3"},
			"10.0.0.2:80",
			"203.0.113.7",
		},
		{"empty", nil, "", ""},
		{
			"oversized forwarded for falls back to remote addr",
			map[string]string{"X-Forwarded-For": strings.Repeat("a", 200)},
			"192.0.2.10:51234",
			"192.0.2.10",
		},
		{
			"garbage forwarded for falls back to real ip",
			map[string]string{"X-Forwarded-For": "unknown, 10.0.0.1", "X-Real-IP": "198.51.100.3"},
			"10.0.0.2:80",
			"198.51.100.3",
		},
		{"garbage real ip", map[string]string{"X-Real-IP": "<script>"}, "10.0.0.2:80", "10.0.0.2"},
		{"garbage remote addr", nil, "not-an-address", ""},
		{"mapped ipv4 is unmapped", nil, "[::ffff:192.0.2.10]:80", "192.0.2.10"},
		{"zone is stripped", map[string]string{"X-Real-IP": "fe80::1%eth0"}, "", "fe80::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestParseClient(t *testing.T) {
	c := ParseClient(firefoxUA)
	assert.Equal(t, "Firefox", c.Browser)
	assert.Equal(t, "128.0", c.BrowserVersion)
	assert.False(t, c.Mobile)
	assert.False(t, c.Bot)

	bot := ParseClient("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	assert.True(t, bot.Bot)

	assert.Equal(t, Client{}, ParseClient(""))
}

func TestMiddleware_StoresInfo(t *testing.T) {
	var got Info
	var ok bool
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, ok = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPut, "/api/profile", nil)
	r.RemoteAddr = "192.0.2.44:9000"
	r.Header.Set("User-Agent", firefoxUA)
	h.ServeHTTP(httptest.NewRecorder(), r)

	require.True(t, ok)
	assert.Equal(t, "192.0.2.44", got.IP)
	assert.Equal(t, "/api/profile", got.Endpoint)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, firefoxUA, got.UserAgent)
	assert.Equal(t, "Firefox", got.Client.Browser)
}

func TestFromContext_Missing(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}
