package auth

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	totpPeriod = 30
	totpSkew   = 1
	// TOTPReplayWindow covers every step a code is accepted in: the
	// current one plus one either side.
	TOTPReplayWindow = (2*totpSkew + 1) * totpPeriod * time.Second
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPManager generates enrollment material and validates codes.
type TOTPManager struct {
	issuer string
}

// NewTOTPManager creates a new TOTP manager
func NewTOTPManager(issuer string) (*TOTPManager, error) {
	if issuer == "" {
		return nil, fmt.Errorf("TOTP issuer is required")
	}
	return &TOTPManager{issuer: issuer}, nil
}

// Generate creates a new secret for accountName along with the otpauth://
// URL and a PNG QR code of it as a data URL.
func (tm *TOTPManager) Generate(accountName string) (*models.MFAEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  20,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &models.MFAEnrollment{
		Secret:     key.Secret(),
		OTPAuthURL: key.URL(),
		QRCode:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// Validate checks code against the base32 secret at time t, accepting one
// step of drift either side. Malformed codes are reported as invalid rather
// than as errors.
func (tm *TOTPManager) Validate(code, secret string, t time.Time) bool {
	valid, err := totp.ValidateCustom(code, secret, t, totpValidateOpts)
	if err != nil {
		return false
	}
	return valid
}

// GenerateCode returns the code for secret at t.
func (tm *TOTPManager) GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totpValidateOpts)
}
