package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

const (
	tokenAlphabet        = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"
	recoveryCodeAlphabet = "123456789abcdefghjklmnpqrstuvwxyz"

	// RandomTokenLength is the length of verification ids.
	RandomTokenLength = 64
	OTPLength         = 6

	recoveryCodeGroups    = 3
	recoveryCodeGroupSize = 4
)

// RecoveryCodeLength is len("xxxx-xxxx-xxxx").
const RecoveryCodeLength = recoveryCodeGroups*recoveryCodeGroupSize + recoveryCodeGroups - 1

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random: %w", err)
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// GenerateOTP returns a 6-digit numeric code.
func GenerateOTP() (string, error) {
	return randomString("0123456789", OTPLength)
}

// GenerateRandomToken returns a 64-character URL-safe identifier.
func GenerateRandomToken() (string, error) {
	return randomString(tokenAlphabet, RandomTokenLength)
}

// GenerateSecureToken returns n random bytes encoded as base64url.
func GenerateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateRecoveryCodes returns count codes shaped xxxx-xxxx-xxxx from an
// alphabet without 0, o and i.
func GenerateRecoveryCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := range codes {
		groups := make([]string, recoveryCodeGroups)
		for g := range groups {
			s, err := randomString(recoveryCodeAlphabet, recoveryCodeGroupSize)
			if err != nil {
				return nil, err
			}
			groups[g] = s
		}
		codes[i] = strings.Join(groups, "-")
	}
	return codes, nil
}

// NormalizeRecoveryCode accepts user input with stray spaces or case.
func NormalizeRecoveryCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ConstantTimeEqual compares two strings without leaking where they differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
