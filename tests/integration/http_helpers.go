package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/messaging"
	middlewareCustom "github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/ratelimit"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/BradenHooton/bastion/pkg/clock"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// SentEmail represents a captured email message
type SentEmail struct {
	To      string
	Subject string
	Body    string
}

// CaptureMailer records rendered messages instead of delivering them.
type CaptureMailer struct {
	mu   sync.Mutex
	sent []SentEmail
}

func (m *CaptureMailer) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentEmail{To: to, Subject: subject, Body: textBody})
	return nil
}

// LastTo returns the most recent email sent to address, or nil.
func (m *CaptureMailer) LastTo(address string) *SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.sent) - 1; i >= 0; i-- {
		if strings.EqualFold(m.sent[i].To, address) {
			e := m.sent[i]
			return &e
		}
	}
	return nil
}

// TestServer wraps httptest.Server with the real service graph on top of
// containerised Postgres and Redis.
type TestServer struct {
	Server  *httptest.Server
	DB      *TestDB
	Redis   *redis.Client
	Mailer  *CaptureMailer
	TOTP    *auth.TOTPManager
	Clock   clock.Clock
	Codec   *auth.SecretCodec
	Session *services.SessionStore
}

// NewTestServer wires repositories, services and handlers the way cmd/api does.
func NewTestServer(t *testing.T, db *TestDB, rdb *redis.Client) *TestServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	clk := clock.Real{}

	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	codec, err := auth.NewSecretCodec(master, nil)
	require.NoError(t, err)

	limiters, err := ratelimit.Build(rdb, clk, ratelimit.DefaultPolicies())
	require.NoError(t, err)
	limiter := services.NewRateLimitService(limiters, logger)

	userRepo := repositories.NewUserRepository(db.DB)
	oauthRepo := repositories.NewOAuthRepository(db.DB)
	loginLogRepo := repositories.NewLoginLogRepository(db.DB)

	sessions := services.NewSessionStore(
		repositories.NewSessionRepository(db.DB),
		repositories.NewSessionCache(rdb),
		codec,
		clk,
		services.SessionStoreConfig{
			MaxLifetime:           14 * 24 * time.Hour,
			RenewalThreshold:      2 * 24 * time.Hour,
			CacheTTL:              5 * time.Minute,
			CacheRefreshThreshold: time.Minute,
		},
		logger,
	)

	auditor := services.NewSecurityAuditor(loginLogRepo, pkglogger.NewAuditLogger(logger), messaging.NoopPublisher{}, clk, logger)
	mailer := &CaptureMailer{}
	email := services.NewEmailService(mailer, 1000, 1000, "http://app.test", "test", logger)

	totpManager, err := auth.NewTOTPManager("BastionTest")
	require.NoError(t, err)

	mfa := services.NewMFAService(services.MFAServiceDeps{
		Users:      userRepo,
		MFARepo:    repositories.NewMFARepository(db.DB),
		Codes:      repositories.NewRecoveryCodeRepository(db.DB),
		Challenges: repositories.NewChallengeStore(rdb),
		State:      repositories.NewMFAStateStore(rdb),
		Sessions:   sessions,
		TOTP:       totpManager,
		Codec:      codec,
		Limiter:    limiter,
		Email:      email,
		Auditor:    auditor,
		Clock:      clk,
	}, services.MFAConfig{
		ChallengeTTL:      2 * time.Hour,
		SetupTTL:          15 * time.Minute,
		RecoveryCodeCount: 6,
	}, logger)

	verifications := repositories.NewVerificationStore(rdb)
	authService := services.NewAuthService(services.AuthServiceDeps{
		Users:         userRepo,
		OAuth:         oauthRepo,
		Verifications: verifications,
		Sessions:      sessions,
		MFA:           mfa,
		Limiter:       limiter,
		Auditor:       auditor,
		Timing:        auth.NewTimingDelay(auth.TimingConfig{}),
	}, logger)

	accounts := services.NewAccountService(services.AccountServiceDeps{
		Users:         userRepo,
		OAuth:         oauthRepo,
		LoginLogs:     loginLogRepo,
		Verifications: verifications,
		Sessions:      sessions,
		Limiter:       limiter,
		Email:         email,
		Auditor:       auditor,
	}, logger)

	oauth := services.NewOAuthService(services.OAuthServiceConfig{PublicURL: "http://app.test"},
		auth.NewStateSigner("integration-state-secret", 10*time.Minute, clk), nil, logger)

	cookies := auth.NewCookies(auth.CookieConfig{SameSite: "lax"}, clk.Now)
	resolver := pkghttp.NewIPResolver(nil)

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.Recoverer)

	routes.RegisterRoutes(router, routes.Handlers{
		Auth: handlers.NewAuthHandler(authService, oauth, cookies, resolver, clk, handlers.AuthHandlerOptions{
			ChallengeTTL: 2 * time.Hour,
			StateTTL:     10 * time.Minute,
			AppURL:       "http://app.test",
		}, logger),
		Account: handlers.NewAccountHandler(accounts, cookies, resolver, clk, logger),
		MFA:     handlers.NewMFAHandler(mfa, resolver, clk, logger),
	}, routes.Options{
		Sessions:   auth.NewSessionMiddleware(sessions, cookies, logger),
		Resolver:   resolver,
		FloodGuard: middlewareCustom.DefaultFloodGuard(),
		Logger:     logger,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &TestServer{
		Server:  srv,
		DB:      db,
		Redis:   rdb,
		Mailer:  mailer,
		TOTP:    totpManager,
		Clock:   clk,
		Codec:   codec,
		Session: sessions,
	}
}

// Client is a browser-like client: it keeps cookies and does not follow redirects.
type Client struct {
	t    *testing.T
	base string
	http *http.Client
}

// NewClient returns a client with an empty cookie jar.
func (s *TestServer) NewClient(t *testing.T) *Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &Client{
		t:    t,
		base: s.Server.URL,
		http: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do sends body as JSON and decodes a JSON response into out when non-nil.
func (c *Client) Do(method, path string, body, out any) *http.Response {
	c.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp
}

// Text sends a GET and returns the raw response body.
func (c *Client) Text(path string) (*http.Response, string) {
	c.t.Helper()

	resp, err := c.http.Get(c.base + path)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, string(raw)
}

// Cookie returns the value of the named cookie the jar would send to path.
func (c *Client) Cookie(name string) string {
	u, _ := url.Parse(c.base + "/auth")
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// statusMsg describes resp for assertion messages.
func statusMsg(resp *http.Response) string {
	return fmt.Sprintf("%s %s -> %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
}

// SetCookie stores a cookie in the jar as if the server had set it.
func (c *Client) SetCookie(name, value string) {
	u, _ := url.Parse(c.base + "/")
	c.http.Jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}
