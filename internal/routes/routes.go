package routes

import (
	"log/slog"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/middleware"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Handlers groups the HTTP handlers mounted under /auth.
type Handlers struct {
	Auth    *handlers.AuthHandler
	Account *handlers.AccountHandler
	MFA     *handlers.MFAHandler
}

// Options configures the middleware shared by the /auth routes.
type Options struct {
	Sessions       *auth.SessionMiddleware
	Resolver       *pkghttp.IPResolver
	TrustedOrigins []string
	FloodGuard     middleware.FloodGuardConfig
	Logger         *slog.Logger
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, opts Options) {
	router.Route("/auth", func(r chi.Router) {
		r.Use(middleware.FloodGuard(opts.FloodGuard, opts.Resolver))
		r.Use(middleware.CSRFProtection(opts.TrustedOrigins, opts.Logger))

		// Public routes - no session required
		r.Post("/signup", h.Account.Signup)
		r.Post("/login", h.Auth.Login)
		r.With(opts.Sessions.Optional).Post("/logout", h.Auth.Logout)

		r.Post("/email/request-verification", h.Account.RequestVerification)
		r.Post("/email/verify", h.Account.VerifyEmail)

		r.Post("/magic-link", h.Account.RequestMagicLink)
		r.Post("/magic-link/verify", h.Auth.VerifyMagicLink)

		r.Get("/oauth/{provider}", h.Auth.OAuthStart)
		r.Get("/oauth/{provider}/callback", h.Auth.OAuthCallback)

		// Second factor for a pending login; the challenge rides in a cookie
		r.Post("/2fa/verify", h.Auth.VerifyTwoFactor)
		r.Post("/2fa/recovery", h.Auth.VerifyRecoveryCode)

		r.Post("/password/request-reset", h.Account.RequestPasswordReset)
		r.Post("/password/reset", h.Account.ResetPassword)

		// Protected routes - session required
		r.Group(func(r chi.Router) {
			r.Use(opts.Sessions.Require)

			r.Get("/me", h.Account.Me)
			r.Put("/password", h.Account.ChangePassword)
			r.Post("/email/request-change", h.Account.RequestEmailChange)
			r.Patch("/email", h.Account.ChangeEmail)

			r.Post("/2fa/setup", h.MFA.Setup)
			r.Post("/2fa/enable", h.MFA.Enable)
			r.Post("/2fa/disable", h.MFA.Disable)
			r.Get("/2fa/recovery-codes", h.MFA.DownloadRecoveryCodes)
			r.Put("/2fa/recovery-codes", h.MFA.RotateRecoveryCodes)

			r.Get("/sessions", h.Account.ListSessions)
			r.Delete("/sessions", h.Account.RevokeOtherSessions)
			r.Delete("/sessions/{sessionID}", h.Account.RevokeSession)

			r.Post("/account/request-deletion", h.Account.RequestAccountDeletion)
			r.Post("/account/delete", h.Account.DeleteAccount)
		})
	})
}
