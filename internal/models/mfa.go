package models

import (
	"time"
)

// MFACodeKind selects how a second factor is proven.
type MFACodeKind string

const (
	MFACodeTOTP     MFACodeKind = "totp"
	MFACodeRecovery MFACodeKind = "recovery"
)

// MFAChallenge links a first-factor success to the pending second factor.
type MFAChallenge struct {
	UserID string      `json:"user_id"`
	Method LoginMethod `json:"method"`
}

// RecoveryCode is a stored single-use code. Code holds the encrypted value.
type RecoveryCode struct {
	ID        string
	UserID    string
	Code      string
	Used      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MFAEnrollment is returned when a user starts TOTP setup.
type MFAEnrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
	QRCode     string `json:"qr_code"`
}
