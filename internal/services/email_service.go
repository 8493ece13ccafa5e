package services

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/url"
	texttemplate "text/template"
	"time"

	"github.com/BradenHooton/bastion/internal/observability"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"golang.org/x/time/rate"
)

// EmailSender sends the transactional messages of the auth flows.
type EmailSender interface {
	SendVerificationCode(ctx context.Context, to, code string, expiresIn time.Duration) error
	SendMagicLink(ctx context.Context, to, verificationID, code string, expiresIn time.Duration) error
	SendPasswordReset(ctx context.Context, to, verificationID string, expiresIn time.Duration) error
	SendPasswordChanged(ctx context.Context, to string) error
	SendEmailChangeCode(ctx context.Context, to, code string, expiresIn time.Duration) error
	SendAccountDeletionCode(ctx context.Context, to, code string, expiresIn time.Duration) error
	SendMFAEnabled(ctx context.Context, to string) error
	SendMFADisabled(ctx context.Context, to string) error
}

// Mailer delivers one rendered message.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// SESMailer sends through AWS SES.
type SESMailer struct {
	client      *ses.Client
	fromAddress string
}

// NewSESMailer loads the default AWS credential chain for region.
func NewSESMailer(ctx context.Context, region, fromAddress string) (*SESMailer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SESMailer{client: ses.NewFromConfig(cfg), fromAddress: fromAddress}, nil
}

func (m *SESMailer) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(m.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
				Text: &types.Content{Data: aws.String(textBody), Charset: aws.String("UTF-8")},
			},
		},
	}
	if _, err := m.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them. Development
// only: codes appear in the log output.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With(slog.String("component", "mailer"))}
}

func (m *LogMailer) Send(ctx context.Context, to, subject, _, textBody string) error {
	m.logger.InfoContext(ctx, "email",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", textBody))
	return nil
}

type emailTemplate struct {
	subject string
	title   string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

const emailLayout = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
<h1>{{.Title}}</h1>
{{template "content" .}}
<p style="color: #666; font-size: 12px; border-top: 1px solid #eee; padding-top: 20px;">This is an automated message. Please do not reply to this email.</p>
</div>
</body>
</html>`

func newEmailTemplate(subject, title, htmlContent, textContent string) emailTemplate {
	h := htmltemplate.Must(htmltemplate.New("layout").Parse(emailLayout))
	htmltemplate.Must(h.New("content").Parse(htmlContent))
	return emailTemplate{
		subject: subject,
		title:   title,
		html:    h,
		text:    texttemplate.Must(texttemplate.New(title).Parse(title + "\n\n" + textContent + "\n\nThis is an automated message. Please do not reply to this email.\n")),
	}
}

const (
	tmplVerification    = "verification"
	tmplMagicLink       = "magic_link"
	tmplPasswordReset   = "password_reset"
	tmplPasswordChanged = "password_changed"
	tmplEmailChange     = "email_change"
	tmplAccountDeletion = "account_deletion"
	tmplMFAEnabled      = "mfa_enabled"
	tmplMFADisabled     = "mfa_disabled"
)

var emailTemplates = map[string]emailTemplate{
	tmplVerification: newEmailTemplate(
		"Verify your email address", "Verify Your Email Address",
		`<p>Your verification code is:</p><p style="font-size: 28px; letter-spacing: 4px;"><strong>{{.Code}}</strong></p><p>The code expires in {{.ExpiresIn}}.</p><p>If you didn't create an account, you can ignore this email.</p>`,
		"Your verification code is: {{.Code}}\n\nThe code expires in {{.ExpiresIn}}.\nIf you didn't create an account, you can ignore this email.",
	),
	tmplMagicLink: newEmailTemplate(
		"Your sign-in link", "Sign In",
		`<p><a href="{{.Link}}">Click here to sign in</a>, or enter this code:</p><p style="font-size: 28px; letter-spacing: 4px;"><strong>{{.Code}}</strong></p><p>The link expires in {{.ExpiresIn}}. If you didn't request it, you can ignore this email.</p>`,
		"Sign in with this link:\n{{.Link}}\n\nOr enter this code: {{.Code}}\n\nThe link expires in {{.ExpiresIn}}. If you didn't request it, you can ignore this email.",
	),
	tmplPasswordReset: newEmailTemplate(
		"Reset your password", "Reset Your Password",
		`<p><a href="{{.Link}}">Click here to choose a new password.</a></p><p>The link expires in {{.ExpiresIn}}. If you didn't request a reset, you can ignore this email.</p>`,
		"Choose a new password here:\n{{.Link}}\n\nThe link expires in {{.ExpiresIn}}. If you didn't request a reset, you can ignore this email.",
	),
	tmplPasswordChanged: newEmailTemplate(
		"Your password was changed", "Password Changed",
		`<p>The password for your account was just changed and your other sessions were signed out.</p><p><strong>Wasn't you?</strong> Reset your password immediately.</p>`,
		"The password for your account was just changed and your other sessions were signed out.\n\nWasn't you? Reset your password immediately.",
	),
	tmplEmailChange: newEmailTemplate(
		"Confirm your email change", "Confirm Email Change",
		`<p>Your confirmation code is:</p><p style="font-size: 28px; letter-spacing: 4px;"><strong>{{.Code}}</strong></p><p>The code expires in {{.ExpiresIn}}.</p>`,
		"Your confirmation code is: {{.Code}}\n\nThe code expires in {{.ExpiresIn}}.",
	),
	tmplAccountDeletion: newEmailTemplate(
		"Confirm account deletion", "Confirm Account Deletion",
		`<p>Enter this code to permanently delete your account:</p><p style="font-size: 28px; letter-spacing: 4px;"><strong>{{.Code}}</strong></p><p>The code expires in {{.ExpiresIn}}. If you didn't ask for this, change your password.</p>`,
		"Enter this code to permanently delete your account: {{.Code}}\n\nThe code expires in {{.ExpiresIn}}. If you didn't ask for this, change your password.",
	),
	tmplMFAEnabled: newEmailTemplate(
		"Two-factor authentication enabled", "Two-Factor Authentication Enabled",
		`<p>Two-factor authentication is now on for your account. Your other sessions were signed out.</p><p>Keep your recovery codes somewhere safe.</p>`,
		"Two-factor authentication is now on for your account. Your other sessions were signed out.\n\nKeep your recovery codes somewhere safe.",
	),
	tmplMFADisabled: newEmailTemplate(
		"Two-factor authentication disabled", "Two-Factor Authentication Disabled",
		`<p>Two-factor authentication was turned off for your account.</p><p><strong>Wasn't you?</strong> Change your password and enable it again.</p>`,
		"Two-factor authentication was turned off for your account.\n\nWasn't you? Change your password and enable it again.",
	),
}

type emailData struct {
	Title     string
	Code      string
	Link      string
	ExpiresIn string
}

// EmailService renders templates and hands them to a Mailer, paced by a
// token bucket so bursts stay inside the provider's send quota.
type EmailService struct {
	mailer  Mailer
	limiter *rate.Limiter
	baseURL string
	env     string
	logger  *slog.Logger
}

func NewEmailService(mailer Mailer, sendRate float64, burst int, baseURL, env string, logger *slog.Logger) *EmailService {
	if burst < 1 {
		burst = 1
	}
	return &EmailService{
		mailer:  mailer,
		limiter: rate.NewLimiter(rate.Limit(sendRate), burst),
		baseURL: baseURL,
		env:     env,
		logger:  logger,
	}
}

func (s *EmailService) send(ctx context.Context, name, to string, data emailData) error {
	tmpl, ok := emailTemplates[name]
	if !ok {
		return fmt.Errorf("unknown email template %q", name)
	}
	data.Title = tmpl.title

	var htmlBuf, textBuf bytes.Buffer
	if err := tmpl.html.ExecuteTemplate(&htmlBuf, "layout", data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	if err := tmpl.text.Execute(&textBuf, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		observability.EmailsSent.WithLabelValues(name, "throttled").Inc()
		return fmt.Errorf("email send throttled: %w", err)
	}

	if err := s.mailer.Send(ctx, to, tmpl.subject, htmlBuf.String(), textBuf.String()); err != nil {
		observability.EmailsSent.WithLabelValues(name, "error").Inc()
		s.logger.Error("failed to send email",
			slog.String("template", name),
			slog.String("to", pkglogger.SanitizedEmail(to)),
			slog.Any("error", err))
		return err
	}

	observability.EmailsSent.WithLabelValues(name, "ok").Inc()
	s.logger.Info("email sent",
		slog.String("template", name),
		pkglogger.RedactedAttr("to", to, s.env))
	return nil
}

func (s *EmailService) link(path string, query url.Values) string {
	return s.baseURL + path + "?" + query.Encode()
}

func (s *EmailService) SendVerificationCode(ctx context.Context, to, code string, expiresIn time.Duration) error {
	return s.send(ctx, tmplVerification, to, emailData{Code: code, ExpiresIn: humanDuration(expiresIn)})
}

func (s *EmailService) SendMagicLink(ctx context.Context, to, verificationID, code string, expiresIn time.Duration) error {
	return s.send(ctx, tmplMagicLink, to, emailData{
		Code:      code,
		Link:      s.link("/magic-link", url.Values{"id": {verificationID}, "code": {code}}),
		ExpiresIn: humanDuration(expiresIn),
	})
}

func (s *EmailService) SendPasswordReset(ctx context.Context, to, verificationID string, expiresIn time.Duration) error {
	return s.send(ctx, tmplPasswordReset, to, emailData{
		Link:      s.link("/reset-password", url.Values{"id": {verificationID}}),
		ExpiresIn: humanDuration(expiresIn),
	})
}

func (s *EmailService) SendPasswordChanged(ctx context.Context, to string) error {
	return s.send(ctx, tmplPasswordChanged, to, emailData{})
}

func (s *EmailService) SendEmailChangeCode(ctx context.Context, to, code string, expiresIn time.Duration) error {
	return s.send(ctx, tmplEmailChange, to, emailData{Code: code, ExpiresIn: humanDuration(expiresIn)})
}

func (s *EmailService) SendAccountDeletionCode(ctx context.Context, to, code string, expiresIn time.Duration) error {
	return s.send(ctx, tmplAccountDeletion, to, emailData{Code: code, ExpiresIn: humanDuration(expiresIn)})
}

func (s *EmailService) SendMFAEnabled(ctx context.Context, to string) error {
	return s.send(ctx, tmplMFAEnabled, to, emailData{})
}

func (s *EmailService) SendMFADisabled(ctx context.Context, to string) error {
	return s.send(ctx, tmplMFADisabled, to, emailData{})
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if h := int(d / time.Hour); h != 1 {
			return fmt.Sprintf("%d hours", h)
		}
		return "1 hour"
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
}
