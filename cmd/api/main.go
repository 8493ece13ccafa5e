package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/bastion/internal/app"
	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/background"
	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/messaging"
	middlewareCustom "github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	infra, err := app.Open(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize infrastructure", slog.Any("error", err))
		os.Exit(1)
	}
	defer infra.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(infra.DB)
	oauthRepo := repositories.NewOAuthRepository(infra.DB)
	loginLogRepo := repositories.NewLoginLogRepository(infra.DB)
	mfaRepo := repositories.NewMFARepository(infra.DB)
	recoveryCodeRepo := repositories.NewRecoveryCodeRepository(infra.DB)
	challengeStore := repositories.NewChallengeStore(infra.Redis)
	mfaStateStore := repositories.NewMFAStateStore(infra.Redis)
	verificationStore := repositories.NewVerificationStore(infra.Redis)

	// Security event stream
	var publisher messaging.Publisher = messaging.NoopPublisher{}
	if cfg.Messaging.AMQPURL != "" {
		p, err := messaging.NewRabbitMQPublisher(cfg.Messaging.AMQPURL, cfg.Messaging.Exchange, logger)
		if err != nil {
			logger.Error("failed to connect to message broker", slog.Any("error", err))
			os.Exit(1)
		}
		publisher = p
	}
	defer publisher.Close()

	auditor := services.NewSecurityAuditor(loginLogRepo, pkglogger.NewAuditLogger(logger), publisher, infra.Clock, logger)

	// Outbound email
	var mailer services.Mailer
	switch cfg.Email.Provider {
	case "ses":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sesMailer, err := services.NewSESMailer(ctx, cfg.Email.Region, cfg.Email.FromAddress)
		cancel()
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
		mailer = sesMailer
	default:
		mailer = services.NewLogMailer(logger)
	}
	emailService := services.NewEmailService(mailer, cfg.Email.SendRate, cfg.Email.SendBurst, cfg.Server.PublicURL, cfg.Server.Env, logger)

	totpManager, err := auth.NewTOTPManager(cfg.MFA.Issuer)
	if err != nil {
		logger.Error("failed to initialize TOTP", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize services
	mfaService := services.NewMFAService(services.MFAServiceDeps{
		Users:      userRepo,
		MFARepo:    mfaRepo,
		Codes:      recoveryCodeRepo,
		Challenges: challengeStore,
		State:      mfaStateStore,
		Sessions:   infra.Sessions,
		TOTP:       totpManager,
		Codec:      infra.Codec,
		Limiter:    infra.Limiter,
		Email:      emailService,
		Auditor:    auditor,
		Clock:      infra.Clock,
	}, services.MFAConfig{
		ChallengeTTL:      cfg.MFA.ChallengeTTL,
		SetupTTL:          cfg.MFA.SetupTTL,
		RecoveryCodeCount: cfg.MFA.RecoveryCodeCount,
	}, logger)

	authService := services.NewAuthService(services.AuthServiceDeps{
		Users:         userRepo,
		OAuth:         oauthRepo,
		Verifications: verificationStore,
		Sessions:      infra.Sessions,
		MFA:           mfaService,
		Limiter:       infra.Limiter,
		Auditor:       auditor,
		Timing:        auth.NewTimingDelay(auth.DefaultTimingConfig),
	}, logger)

	accountService := services.NewAccountService(services.AccountServiceDeps{
		Users:         userRepo,
		OAuth:         oauthRepo,
		LoginLogs:     loginLogRepo,
		Verifications: verificationStore,
		Sessions:      infra.Sessions,
		Limiter:       infra.Limiter,
		Email:         emailService,
		Auditor:       auditor,
	}, logger)

	stateSigner := auth.NewStateSigner(cfg.OAuth.StateSecret, cfg.OAuth.StateTTL, infra.Clock)
	oauthService := services.NewOAuthService(services.OAuthServiceConfig{
		PublicURL: cfg.Server.PublicURL,
		Google:    services.OAuthProviderConfig{ClientID: cfg.OAuth.GoogleClientID, ClientSecret: cfg.OAuth.GoogleClientSecret},
		GitHub:    services.OAuthProviderConfig{ClientID: cfg.OAuth.GitHubClientID, ClientSecret: cfg.OAuth.GitHubClientSecret},
	}, stateSigner, nil, logger)

	// Initialize handlers
	resolver := pkghttp.NewIPResolver(&pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies})
	cookies := auth.NewCookies(auth.CookieConfig{
		Domain:   cfg.Cookie.Domain,
		Secure:   cfg.Cookie.Secure,
		SameSite: cfg.Cookie.SameSite,
	}, infra.Clock.Now)

	routeHandlers := routes.Handlers{
		Auth: handlers.NewAuthHandler(authService, oauthService, cookies, resolver, infra.Clock, handlers.AuthHandlerOptions{
			ChallengeTTL: cfg.MFA.ChallengeTTL,
			StateTTL:     cfg.OAuth.StateTTL,
			AppURL:       cfg.Server.PublicURL,
		}, logger),
		Account: handlers.NewAccountHandler(accountService, cookies, resolver, infra.Clock, logger),
		MFA:     handlers.NewMFAHandler(mfaService, resolver, infra.Clock, logger),
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, resolver))
	router.Use(middlewareCustom.Metrics())
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, routeHandlers, routes.Options{
		Sessions:       auth.NewSessionMiddleware(infra.Sessions, cookies, logger),
		Resolver:       resolver,
		TrustedOrigins: cfg.Server.AllowedOrigins,
		FloodGuard:     middlewareCustom.DefaultFloodGuard(),
		Logger:         logger,
	})

	router.Handle("/metrics", promhttp.Handler())

	// Health check with database and redis
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "healthy", "database": "up", "redis": "up"}
		code := http.StatusOK
		if err := infra.DB.HealthCheck(ctx); err != nil {
			status["status"], status["database"], code = "unhealthy", "down", http.StatusServiceUnavailable
		}
		if err := database.RedisHealthCheck(ctx, infra.Redis); err != nil {
			status["status"], status["redis"], code = "unhealthy", "down", http.StatusServiceUnavailable
		}
		pkghttp.WriteJSON(w, code, status)
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(loginLogRepo, infra.Clock, cfg.Cleanup.LoginLogRetention, cfg.Cleanup.Interval, logger)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
