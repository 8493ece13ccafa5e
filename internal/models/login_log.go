package models

import "time"

// LoginLog records one successful session issuance.
type LoginLog struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"-"`
	Method    LoginMethod `json:"method"`
	IPAddress string      `json:"ip_address"`
	UserAgent string      `json:"user_agent"`
	Browser   string      `json:"browser,omitempty"`
	OS        string      `json:"os,omitempty"`
	Device    string      `json:"device,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
