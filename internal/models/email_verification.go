package models

// VerificationPurpose namespaces short-lived emailed codes.
type VerificationPurpose string

const (
	VerificationEmail           VerificationPurpose = "verification"
	VerificationMagicLink       VerificationPurpose = "magic_link"
	VerificationPasswordReset   VerificationPurpose = "password_reset"
	VerificationEmailChange     VerificationPurpose = "email_change"
	VerificationAccountDeletion VerificationPurpose = "account_deletion"
)

// VerificationRecord is the value stored behind a verification id.
type VerificationRecord struct {
	Code   string `json:"code,omitempty"`
	Email  string `json:"email"`
	UserID string `json:"user_id,omitempty"`
}
