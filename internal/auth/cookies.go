package auth

import (
	"net/http"
	"strings"
	"time"
)

const (
	SessionCookieName            = "session_token"
	MFAChallengeCookieName       = "mfa_challenge"
	OAuthStateCookieName         = "oauth_state"
	MagicLinkCookieName          = "magic_link_verification_id"
	EmailVerificationCookieName  = "email_verification_id"
	PasswordResetCookieName      = "password_reset_id"
	EmailChangeCurrentCookieName = "email_change_current_id"
	EmailChangeNewCookieName     = "email_change_new_id"
	AccountDeletionCookieName    = "account_deletion_id"
)

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain   string // Empty string = current host only
	Secure   bool   // HTTPS only
	SameSite string // "strict", "lax", or "none"
}

// Cookies writes and clears every cookie the service issues. All of them
// are HttpOnly; the browser never needs to read any of them.
type Cookies struct {
	cfg CookieConfig
	now func() time.Time
}

// NewCookies creates a cookie writer.
func NewCookies(cfg CookieConfig, now func() time.Time) *Cookies {
	if now == nil {
		now = time.Now
	}
	return &Cookies{cfg: cfg, now: now}
}

func (c *Cookies) set(w http.ResponseWriter, name, value string, expires time.Time) {
	maxAge := int(expires.Sub(c.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.cfg.Domain,
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: parseSameSite(c.cfg.SameSite),
	})
}

func (c *Cookies) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   c.cfg.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: parseSameSite(c.cfg.SameSite),
	})
}

// SetSession writes the encrypted session id, expiring with the session.
func (c *Cookies) SetSession(w http.ResponseWriter, token string, expiresAt time.Time) {
	c.set(w, SessionCookieName, token, expiresAt)
}

func (c *Cookies) ClearSession(w http.ResponseWriter) { c.clear(w, SessionCookieName) }

func (c *Cookies) SetMFAChallenge(w http.ResponseWriter, token string, ttl time.Duration) {
	c.set(w, MFAChallengeCookieName, token, c.now().Add(ttl))
}

func (c *Cookies) ClearMFAChallenge(w http.ResponseWriter) { c.clear(w, MFAChallengeCookieName) }

func (c *Cookies) SetOAuthState(w http.ResponseWriter, state string, ttl time.Duration) {
	c.set(w, OAuthStateCookieName, state, c.now().Add(ttl))
}

func (c *Cookies) ClearOAuthState(w http.ResponseWriter) { c.clear(w, OAuthStateCookieName) }

// SetVerification stores the id of an emailed code under name.
func (c *Cookies) SetVerification(w http.ResponseWriter, name, id string, ttl time.Duration) {
	c.set(w, name, id, c.now().Add(ttl))
}

func (c *Cookies) ClearVerification(w http.ResponseWriter, name string) { c.clear(w, name) }

// Read returns the value of cookie name, or "" when it is absent.
func Read(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// parseSameSite converts string to http.SameSite constant
func parseSameSite(sameSite string) http.SameSite {
	switch strings.ToLower(sameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
