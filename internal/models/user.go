package models

import (
	"time"
)

type User struct {
	ID              string
	FullName        string
	Email           string
	NormalizedEmail string
	PasswordHash    string // empty for passwordless accounts
	ProfilePhoto    *string
	EmailVerified   bool
	MFAEnabled      bool
	TOTPSecret      string // codec-encrypted, empty when MFA is off
	IsBanned        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// AccountInfo is the authenticated user's view of their own account.
type AccountInfo struct {
	User         *User
	LoginMethods []LoginMethod
	OAuthLinks   []OAuthLink
	RecentLogins []LoginLog
}
