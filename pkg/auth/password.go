package auth

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLen = 8
	MaxPasswordLen = 72 // bcrypt ignores bytes past 72
)

// BcryptCost is a variable so tests can trade strength for speed.
var BcryptCost = 12

// PasswordError explains why a chosen password was refused. The message is
// safe to show the user choosing it.
type PasswordError struct {
	Message string
}

func (e *PasswordError) Error() string { return e.Message }

const passwordCharsetMessage = "Password must contain a lowercase letter, uppercase letter, number, and symbol"

// Lower-cased passwords that pass the character rules but are still refused.
var blockedPasswords = map[string]struct{}{
	"password1!":   {},
	"password123!": {},
	"passw0rd!":    {},
	"p@ssw0rd":     {},
	"p@ssword1":    {},
	"qwerty123!":   {},
	"welcome1!":    {},
	"letmein1!":    {},
	"admin123!":    {},
	"changeme1!":   {},
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

func ComparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// CompareDummyPassword burns the same bcrypt work as a real comparison. It
// is used when the account does not exist or has no password, so response
// time does not reveal which case occurred.
func CompareDummyPassword(password string) {
	dummyHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), BcryptCost)
		if err == nil {
			dummyHash = string(h)
		}
	})
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}

// ValidatePassword applies the password policy to a new password. Leading
// and trailing whitespace does not count toward the length.
func ValidatePassword(password string) error {
	trimmed := strings.TrimSpace(password)
	if utf8.RuneCountInString(trimmed) < MinPasswordLen {
		return &PasswordError{Message: fmt.Sprintf("Password should be at least %d characters", MinPasswordLen)}
	}
	if len(password) > MaxPasswordLen {
		return &PasswordError{Message: fmt.Sprintf("Password should be at most %d bytes", MaxPasswordLen)}
	}

	var lower, upper, digit, symbol bool
	for _, r := range trimmed {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsSpace(r) && r != '_' && !unicode.IsLetter(r):
			symbol = true
		}
	}
	if !(lower && upper && digit && symbol) {
		return &PasswordError{Message: passwordCharsetMessage}
	}

	if _, ok := blockedPasswords[strings.ToLower(trimmed)]; ok {
		return &PasswordError{Message: "Password is too common, please choose another"}
	}
	return nil
}
