package handlers

import (
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// Login DTOs

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type MagicLinkVerifyRequest struct {
	// VerificationID is only needed when the link is opened in a browser
	// without the magic_link_verification_id cookie.
	VerificationID string `json:"verification_id" validate:"omitempty,max=128"`
	Code           string `json:"code" validate:"required,len=6,numeric"`
}

type TwoFactorRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type RecoveryCodeRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

// LoginResponse is returned by every login endpoint. User is set when a
// session was issued.
type LoginResponse struct {
	Status                 string        `json:"status"`
	User                   *UserResponse `json:"user,omitempty"`
	RecoveryCodesRemaining *int          `json:"recovery_codes_remaining,omitempty"`
}

type UserResponse struct {
	ID            string  `json:"id"`
	FullName      string  `json:"full_name"`
	Email         string  `json:"email"`
	EmailVerified bool    `json:"email_verified"`
	MFAEnabled    bool    `json:"mfa_enabled"`
	ProfilePhoto  *string `json:"profile_photo,omitempty"`
}

func toUserResponse(u *models.User) *UserResponse {
	if u == nil {
		return nil
	}
	return &UserResponse{
		ID:            u.ID,
		FullName:      u.FullName,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		MFAEnabled:    u.MFAEnabled,
		ProfilePhoto:  u.ProfilePhoto,
	}
}

// Account DTOs

type SignupRequest struct {
	FullName string `json:"full_name" validate:"required,min=1,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type VerifyEmailRequest struct {
	VerificationID string `json:"verification_id" validate:"omitempty,max=128"`
	Code           string `json:"code" validate:"required,len=6,numeric"`
}

type ResetPasswordRequest struct {
	VerificationID string `json:"verification_id" validate:"required,max=128"`
	Password       string `json:"password" validate:"required,min=8,max=72"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=72"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72"`
}

type RequestEmailChangeRequest struct {
	Target   string `json:"target" validate:"required,oneof=current new"`
	NewEmail string `json:"new_email" validate:"omitempty,email,max=254"`
}

type ChangeEmailRequest struct {
	CurrentCode string `json:"current_code" validate:"required,len=6,numeric"`
	NewCode     string `json:"new_code" validate:"required,len=6,numeric"`
}

type DeleteAccountRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type AccountResponse struct {
	User         *UserResponse        `json:"user"`
	LoginMethods []models.LoginMethod `json:"login_methods"`
	OAuthLinks   []models.OAuthLink   `json:"oauth_links"`
	RecentLogins []models.LoginLog    `json:"recent_logins"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// Session DTOs

type SessionsResponse struct {
	Sessions []models.SessionSummary `json:"sessions"`
}

type RevokeSessionsResponse struct {
	Revoked int `json:"revoked"`
}

// MFA DTOs

type MFASetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
	QRCode     string `json:"qr_code"` // data URL
}

type MFAEnableRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type MFADisableRequest struct {
	Code string `json:"code" validate:"required,max=32"`
	Kind string `json:"kind" validate:"omitempty,oneof=totp recovery"`
}

type RecoveryCodesResponse struct {
	RecoveryCodes []string  `json:"recovery_codes"`
	GeneratedAt   time.Time `json:"generated_at"`
}
