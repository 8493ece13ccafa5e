package models

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginMethod is the first factor a session was established with.
type LoginMethod string

const (
	LoginMethodPassword  LoginMethod = "password"
	LoginMethodMagicLink LoginMethod = "magic_link"
	LoginMethodGoogle    LoginMethod = "google"
	LoginMethodGitHub    LoginMethod = "github"
)

// ParseLoginMethod accepts only the known login methods.
func ParseLoginMethod(s string) (LoginMethod, error) {
	switch m := LoginMethod(s); m {
	case LoginMethodPassword, LoginMethodMagicLink, LoginMethodGoogle, LoginMethodGitHub:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown login method %q", ErrValidation, s)
	}
}

// IsOAuth reports whether m is an external identity provider.
func (m LoginMethod) IsOAuth() bool {
	return m == LoginMethodGoogle || m == LoginMethodGitHub
}

func (m LoginMethod) String() string { return string(m) }

// OAuthProfile is what a provider tells us about the signed-in account.
type OAuthProfile struct {
	Provider       LoginMethod
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	AvatarURL      string
}

// OAuthLink binds a provider account to a local user.
type OAuthLink struct {
	Provider       LoginMethod `json:"provider"`
	ProviderUserID string      `json:"provider_user_id"`
	UserID         string      `json:"-"`
	Email          string      `json:"email"`
	CreatedAt      time.Time   `json:"created_at"`
}

// OAuthStateClaims is carried in the signed state cookie between the
// authorize redirect and the callback.
type OAuthStateClaims struct {
	Provider     LoginMethod `json:"provider"`
	Nonce        string      `json:"nonce"`
	CodeVerifier string      `json:"cv,omitempty"`
	jwt.RegisteredClaims
}
