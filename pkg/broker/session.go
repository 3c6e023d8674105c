// Package broker supplies per-backend authentication sessions to adapters.
// Sessions are cached and shared read-only across concurrent attempts;
// establishment and refresh are single-flight per backend so concurrent
// callers never stampede a backend's auth endpoint.
package broker

import (
	"fmt"
	"time"
)

// SessionKind mirrors the authentication style of a backend.
type SessionKind string

const (
	// SessionKindToken is a session token or bearer token obtained from a
	// login endpoint.
	SessionKindToken SessionKind = "token"

	// SessionKindBasic is static HTTP basic auth material.
	SessionKindBasic SessionKind = "basic"

	// SessionKindSSH is SSH key, agent, or password material.
	SessionKindSSH SessionKind = "ssh"
)

// Validate checks if the session kind is valid.
func (k SessionKind) Validate() error {
	switch k {
	case SessionKindToken, SessionKindBasic, SessionKindSSH:
		return nil
	default:
		return fmt.Errorf("invalid session kind: %s", k)
	}
}

// Session is the auth material for one backend. Adapters treat sessions
// as read-only; replacing a stale session goes through Refresh.
type Session struct {
	// BackendID identifies the backend this session authenticates against.
	BackendID string `json:"backend_id"`

	// Kind is the authentication style.
	Kind SessionKind `json:"kind"`

	// Token is the session or bearer token for token backends.
	Token string `json:"-"`

	// Username is the basic-auth or SSH user.
	Username string `json:"username,omitempty"`

	// Password is the basic-auth or SSH password.
	Password string `json:"-"`

	// KeyPath is the SSH private key path, if key auth is configured.
	KeyPath string `json:"key_path,omitempty"`

	// IssuedAt is when the session was established.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the session stops being valid. Zero means no
	// known expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the session is past its expiry, with a small
// margin so callers do not present a token that dies mid-request.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(30 * time.Second).Before(s.ExpiresAt)
}
