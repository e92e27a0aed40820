// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package capture records request metadata in the context so activity events
// logged deeper in the call chain can be enriched without threading the
// request through every layer.
package capture

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/mssola/useragent"
)

type contextKey struct{}

// Client summarises a parsed User-Agent header.
type Client struct {
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OS             string `json:"os,omitempty"`
	Mobile         bool   `json:"mobile"`
	Bot            bool   `json:"bot"`
}

// Info is the request metadata captured by Middleware.
type Info struct {
	IP        string
	UserAgent string
	Endpoint  string
	Method    string
	Client    Client
}

// Middleware stores the request's Info in its context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), FromRequest(r))))
	})
}

// FromRequest builds Info from r.
func FromRequest(r *http.Request) Info {
	ua := r.Header.Get("User-Agent")
	return Info{
		IP:        ClientIP(r),
		UserAgent: ua,
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		Client:    ParseClient(ua),
	}
}

// WithInfo returns a copy of ctx carrying info.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext returns the Info stored by Middleware, if any.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(contextKey{}).(Info)
	return info, ok
}

// ParseClient extracts browser, OS and device class from a User-Agent string.
func ParseClient(ua string) Client {
	if ua == "" {
		return Client{}
	}
	parsed := useragent.New(ua)
	name, version := parsed.Browser()
	return Client{
		Browser:        name,
		BrowserVersion: version,
		OS:             parsed.OS(),
		Mobile:         parsed.Mobile(),
		Bot:            parsed.Bot(),
	}
}

// ClientIP returns the originating client address, preferring the first
// X-Forwarded-For hop, then X-Real-IP, then the connection's remote address.
// Header values that are not IP addresses are ignored. The result is "" when
// no source yields a valid address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip, ok := parseIP(first); ok {
			return ip
		}
	}
	if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip, _ := parseIP(host)
	return ip
}

func parseIP(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.WithZone("").Unmap().String(), true
}
