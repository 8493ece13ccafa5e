package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	BcryptCost = 4
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantMsg  string
	}{
		{"valid strong password", "SecureP@ss123", ""},
		{"valid with symbols", "MyP@ssw0rd!", ""},
		{"surrounding spaces do not count", "  Ab1!x  ", "Password should be at least 8 characters"},
		{"too short", "Pass@1", "Password should be at least 8 characters"},
		{"missing uppercase", "securepass@123", passwordCharsetMessage},
		{"missing lowercase", "SECUREPASS@123", passwordCharsetMessage},
		{"missing digit", "SecurePass@xyz", passwordCharsetMessage},
		{"underscore is not a symbol", "Secure_Pass123", passwordCharsetMessage},
		{"blocked password", "Password123!", "Password is too common, please choose another"},
		{"too long", "Aa1@" + strings.Repeat("x", MaxPasswordLen), "Password should be at most 72 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			var pe *PasswordError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantMsg, pe.Message)
		})
	}
}

func TestHashAndComparePassword(t *testing.T) {
	password := "SecureP@ss123"

	hash, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, password, hash)

	assert.NoError(t, ComparePassword(hash, password))
	assert.Error(t, ComparePassword(hash, "WrongPassword123!"))
}

func TestHashPassword_Empty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestCompareDummyPassword_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		CompareDummyPassword("anything")
		CompareDummyPassword("")
	})
}
