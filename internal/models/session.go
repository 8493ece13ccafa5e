package models

import "time"

// Session is the durable session row.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SessionInfo is what a successful lookup resolves to. It is also the
// payload cached in Redis.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	FullName      string    `json:"full_name"`
	EmailVerified bool      `json:"email_verified"`
	MFAEnabled    bool      `json:"mfa_enabled"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IssuedSession is returned when a session is created or renewed. Token is
// the encrypted session id placed in the cookie.
type IssuedSession struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// SessionSummary is one row of the "your devices" list.
type SessionSummary struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Method    LoginMethod `json:"method,omitempty"`
	IPAddress string      `json:"ip_address,omitempty"`
	UserAgent string      `json:"user_agent,omitempty"`
	Current   bool        `json:"current"`
}

// DeleteSessionsOptions controls DeleteAllForUser.
type DeleteSessionsOptions struct {
	KeepCurrent      bool
	CurrentSessionID string
}
