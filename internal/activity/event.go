// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package activity

import (
	"crypto/rand"
	"errors"
	"net/netip"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
)

// Category groups actions for querying and retention reporting.
type Category string

// Categories.
const (
	CategoryAuth       Category = "AUTH"
	CategoryProfile    Category = "PROFILE"
	CategorySettings   Category = "SETTINGS"
	CategoryNavigation Category = "NAVIGATION"
	CategorySecurity   Category = "SECURITY"
	CategorySystem     Category = "SYSTEM"
)

// Action identifies what the actor did.
type Action string

// Actions. The set is closed; unknown actions are rejected at enqueue.
const (
	ActionLogin                  Action = "LOGIN"
	ActionLogout                 Action = "LOGOUT"
	ActionFailedLogin            Action = "FAILED_LOGIN"
	ActionChangePassword         Action = "CHANGE_PASSWORD"
	ActionPasswordResetRequest   Action = "PASSWORD_RESET_REQUEST"
	ActionPasswordReset          Action = "PASSWORD_RESET"
	ActionAccountLocked          Action = "ACCOUNT_LOCKED"
	ActionAccountUnlocked        Action = "ACCOUNT_UNLOCKED"
	ActionMFAEnabled             Action = "MFA_ENABLED"
	ActionMFADisabled            Action = "MFA_DISABLED"
	ActionSessionExpired         Action = "SESSION_EXPIRED"
	ActionUpdateProfile          Action = "UPDATE_PROFILE"
	ActionUpdateAvatar           Action = "UPDATE_AVATAR"
	ActionUpdateSettings         Action = "UPDATE_SETTINGS"
	ActionUpdateNotificationPref Action = "UPDATE_NOTIFICATION_PREFS"
	ActionViewPage               Action = "VIEW_PAGE"
	ActionPermissionDenied       Action = "PERMISSION_DENIED"
	ActionSuspiciousActivity     Action = "SUSPICIOUS_ACTIVITY"
	ActionRateLimited            Action = "RATE_LIMITED"
	ActionAdminAction            Action = "ADMIN_ACTION"
	ActionRoleChanged            Action = "ROLE_CHANGED"
	ActionUserCreated            Action = "USER_CREATED"
	ActionUserDeleted            Action = "USER_DELETED"
	ActionLoggingToggled         Action = "LOGGING_TOGGLED"
	ActionDataExport             Action = "DATA_EXPORT"
)

var actionCategories = map[Action]Category{
	ActionLogin:                  CategoryAuth,
	ActionLogout:                 CategoryAuth,
	ActionFailedLogin:            CategoryAuth,
	ActionChangePassword:         CategoryAuth,
	ActionPasswordResetRequest:   CategoryAuth,
	ActionPasswordReset:          CategoryAuth,
	ActionSessionExpired:         CategoryAuth,
	ActionMFAEnabled:             CategorySecurity,
	ActionMFADisabled:            CategorySecurity,
	ActionAccountLocked:          CategorySecurity,
	ActionAccountUnlocked:        CategorySecurity,
	ActionPermissionDenied:       CategorySecurity,
	ActionSuspiciousActivity:     CategorySecurity,
	ActionRateLimited:            CategorySecurity,
	ActionUpdateProfile:          CategoryProfile,
	ActionUpdateAvatar:           CategoryProfile,
	ActionUpdateSettings:         CategorySettings,
	ActionUpdateNotificationPref: CategorySettings,
	ActionViewPage:               CategoryNavigation,
	ActionAdminAction:            CategorySystem,
	ActionRoleChanged:            CategorySystem,
	ActionUserCreated:            CategorySystem,
	ActionUserDeleted:            CategorySystem,
	ActionLoggingToggled:         CategorySystem,
	ActionDataExport:             CategorySystem,
}

// Category returns the default category for the action, or "" if the
// action is unknown.
func (a Action) Category() Category {
	return actionCategories[a]
}

// Valid reports whether a is part of the action set.
func (a Action) Valid() bool {
	_, ok := actionCategories[a]
	return ok
}

// Valid reports whether c is part of the category set.
func (c Category) Valid() bool {
	switch c {
	case CategoryAuth, CategoryProfile, CategorySettings,
		CategoryNavigation, CategorySecurity, CategorySystem:
		return true
	}
	return false
}

// Validation errors returned by NewEvent.
var (
	ErrMissingAction   = errors.New("activity: action is required")
	ErrUnknownAction   = errors.New("activity: unknown action")
	ErrUnknownCategory = errors.New("activity: unknown category")
	ErrInvalidStatus   = errors.New("activity: status must be between 100 and 599")
	ErrInvalidIP       = errors.New("activity: ip address is not a valid IPv4 or IPv6 address")
	ErrInvalidMethod   = errors.New("activity: http method is too long")
)

// Column widths of the activity_logs table.
const (
	MaxIPLength     = 45
	MaxMethodLength = 10
)

// Record is the caller-supplied description of an observed action. Empty
// request fields are filled from the capture context by Logger.Log.
type Record struct {
	ActorID   string
	SessionID string
	Action    Action
	Category  Category
	Endpoint  string
	Method    string
	Status    int
	IP        string
	UserAgent string
	Metadata  map[string]any
}

// Event is an immutable activity record as it travels through the pipeline.
type Event struct {
	ID        ulid.ULID
	ActorID   *string
	SessionID *string
	Action    Action
	Category  Category
	Endpoint  string
	Method    string
	Status    int
	IP        string
	UserAgent string
	Metadata  map[string]any
	CreatedAt time.Time
}

// NewEvent validates rec and builds an Event stamped with now.
func NewEvent(rec Record, now time.Time) (Event, error) {
	if rec.Action == "" {
		return Event{}, ErrMissingAction
	}
	if !rec.Action.Valid() {
		return Event{}, ErrUnknownAction
	}
	category := rec.Category
	if category == "" {
		category = rec.Action.Category()
	} else if !category.Valid() {
		return Event{}, ErrUnknownCategory
	}
	if rec.Status != 0 && (rec.Status < 100 || rec.Status > 599) {
		return Event{}, ErrInvalidStatus
	}
	if rec.IP != "" {
		if _, err := netip.ParseAddr(rec.IP); err != nil || len(rec.IP) > MaxIPLength {
			return Event{}, ErrInvalidIP
		}
	}
	if len(rec.Method) > MaxMethodLength {
		return Event{}, ErrInvalidMethod
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:        id,
		ActorID:   optional(rec.ActorID),
		SessionID: optional(rec.SessionID),
		Action:    rec.Action,
		Category:  category,
		Endpoint:  rec.Endpoint,
		Method:    strings.ToUpper(rec.Method),
		Status:    rec.Status,
		IP:        rec.IP,
		UserAgent: rec.UserAgent,
		Metadata:  SanitizeMetadata(rec.Metadata),
		CreatedAt: now.UTC(),
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// secretSubstrings mark a metadata key as carrying a credential wherever they
// appear in it. secretWords only match a whole word of the key, so that
// "accessToken" and "otp_code" are removed but "tokens_used" and "footprint"
// are kept.
var (
	secretSubstrings = []string{"password", "passwd", "authorization", "cookie"}
	secretWords      = map[string]bool{"secret": true, "token": true, "otp": true}
)

// SanitizeMetadata returns a deep copy of md with credential-bearing keys
// removed at every nesting level. A nil or empty map yields nil.
func SanitizeMetadata(md map[string]any) map[string]any {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if isSecretKey(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return SanitizeMetadata(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = sanitizeValue(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

func isSecretKey(k string) bool {
	lower := strings.ToLower(k)
	for _, sub := range secretSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	for _, w := range keyWords(k) {
		if secretWords[w] {
			return true
		}
	}
	return false
}

// keyWords splits a metadata key into lower-case words at separators and
// camelCase boundaries: "apiTokenID" yields api, token, id.
func keyWords(k string) []string {
	var words []string
	for _, part := range strings.FieldsFunc(k, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(part)
		start := 0
		for i := 1; i < len(runes); i++ {
			prev, cur := runes[i-1], runes[i]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsUpper(cur) && (unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower)) {
				words = append(words, strings.ToLower(string(runes[start:i])))
				start = i
			}
		}
		words = append(words, strings.ToLower(string(runes[start:])))
	}
	return words
}
