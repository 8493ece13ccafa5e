package auth

import (
	"strings"

	"golang.org/x/text/cases"
)

var emailFolder = cases.Fold()

// providers that ignore dots in the local part
var dotInsensitiveDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"proton.me":      true,
	"protonmail.com": true,
	"pm.me":          true,
}

// NormalizeEmail folds an address to the form used for uniqueness checks and
// rate-limit keys: case-folded, "+tag" suffix dropped, dots removed for
// providers that ignore them, and googlemail.com mapped to gmail.com.
func NormalizeEmail(email string) string {
	email = emailFolder.String(strings.TrimSpace(email))

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return email
	}
	local, domain := email[:at], email[at+1:]

	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	if dotInsensitiveDomains[domain] {
		local = strings.ReplaceAll(local, ".", "")
	}
	if domain == "googlemail.com" {
		domain = "gmail.com"
	}

	return local + "@" + domain
}

// CleanEmail trims whitespace and lowercases the address for display and
// delivery, leaving tags and dots intact.
func CleanEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
