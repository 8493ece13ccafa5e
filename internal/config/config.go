package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Server    ServerConfig
	Session   SessionConfig
	MFA       MFAConfig
	Codec     CodecConfig
	Cookie    CookieConfig
	Email     EmailConfig
	OAuth     OAuthConfig
	Messaging MessagingConfig
	RateLimit RateLimitConfig
	Cleanup   CleanupConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addresses []string
	Password  string
	DB        int
	PoolSize  int
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	PublicURL      string // used to build links in emails and OAuth redirects
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// IsProduction reports whether the server runs with production hardening.
func (s ServerConfig) IsProduction() bool {
	return s.Env == "production"
}

type SessionConfig struct {
	MaxLifetime           time.Duration
	RenewalThreshold      time.Duration
	CacheTTL              time.Duration
	CacheRefreshThreshold time.Duration
}

type MFAConfig struct {
	Issuer            string
	ChallengeTTL      time.Duration
	SetupTTL          time.Duration
	RecoveryCodeCount int
}

// CodecConfig holds raw key material. Keys maps a purpose name to an
// explicit key; purposes without one are derived from MasterKey.
type CodecConfig struct {
	MasterKey []byte
	Keys      map[string][]byte
}

type CookieConfig struct {
	Domain   string
	Secure   bool
	SameSite string
}

type EmailConfig struct {
	Provider    string // "ses" or "log"
	Region      string
	FromAddress string
	SendRate    float64 // messages per second
	SendBurst   int
}

type OAuthConfig struct {
	StateSecret        string
	StateTTL           time.Duration
	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string
}

type MessagingConfig struct {
	AMQPURL  string
	Exchange string
}

type RateLimitConfig struct {
	PolicyFile string
}

type CleanupConfig struct {
	LoginLogRetention time.Duration
	Interval          time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addresses: splitList(getEnv("REDIS_ADDRS", "localhost:6379")),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			PoolSize:  getEnvAsInt("REDIS_POOL_SIZE", 20),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: splitList(getEnv("TRUSTED_PROXIES", "")),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Session: SessionConfig{
			MaxLifetime:           getEnvAsDuration("SESSION_MAX_LIFETIME", 14*24*time.Hour),
			RenewalThreshold:      getEnvAsDuration("SESSION_RENEWAL_THRESHOLD", 2*24*time.Hour),
			CacheTTL:              getEnvAsDuration("SESSION_CACHE_TTL", 5*time.Minute),
			CacheRefreshThreshold: getEnvAsDuration("SESSION_CACHE_REFRESH_THRESHOLD", 150*time.Second),
		},
		MFA: MFAConfig{
			Issuer:            getEnv("MFA_ISSUER", "Bastion"),
			ChallengeTTL:      getEnvAsDuration("MFA_CHALLENGE_TTL", 2*time.Hour),
			SetupTTL:          getEnvAsDuration("MFA_SETUP_TTL", 15*time.Minute),
			RecoveryCodeCount: getEnvAsInt("MFA_RECOVERY_CODE_COUNT", 6),
		},
		Cookie: CookieConfig{
			Domain:   getEnv("COOKIE_DOMAIN", ""),
			Secure:   getEnvAsBool("COOKIE_SECURE", env == "production"),
			SameSite: getEnv("COOKIE_SAMESITE", "Lax"),
		},
		Email: EmailConfig{
			Provider:    getEnv("EMAIL_PROVIDER", "log"),
			Region:      getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM", "no-reply@localhost"),
			SendRate:    getEnvAsFloat("EMAIL_SEND_RATE", 14),
			SendBurst:   getEnvAsInt("EMAIL_SEND_BURST", 14),
		},
		OAuth: OAuthConfig{
			StateSecret:        getEnv("OAUTH_STATE_SECRET", ""),
			StateTTL:           getEnvAsDuration("OAUTH_STATE_TTL", 10*time.Minute),
			GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			GitHubClientID:     getEnv("GITHUB_CLIENT_ID", ""),
			GitHubClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
		},
		Messaging: MessagingConfig{
			AMQPURL:  getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "auth.events"),
		},
		RateLimit: RateLimitConfig{
			PolicyFile: getEnv("RATE_LIMIT_POLICY_FILE", ""),
		},
		Cleanup: CleanupConfig{
			LoginLogRetention: getEnvAsDuration("LOGIN_LOG_RETENTION", 90*24*time.Hour),
			Interval:          getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.OAuth.StateSecret == "" {
		return nil, fmt.Errorf("OAUTH_STATE_SECRET is required")
	}
	if err := validateSecret("OAUTH_STATE_SECRET", cfg.OAuth.StateSecret, env); err != nil {
		return nil, err
	}

	codec, err := loadCodecConfig()
	if err != nil {
		return nil, err
	}
	cfg.Codec = codec

	if cfg.Session.RenewalThreshold >= cfg.Session.MaxLifetime {
		return nil, fmt.Errorf("SESSION_RENEWAL_THRESHOLD must be shorter than SESSION_MAX_LIFETIME")
	}

	return cfg, nil
}

// loadCodecConfig reads CODEC_MASTER_KEY and the optional per-purpose
// CODEC_KEY_<PURPOSE> overrides. All keys are base64 encoded 32 bytes.
func loadCodecConfig() (CodecConfig, error) {
	cc := CodecConfig{Keys: map[string][]byte{}}

	if v := getEnv("CODEC_MASTER_KEY", ""); v != "" {
		key, err := decodeKey("CODEC_MASTER_KEY", v)
		if err != nil {
			return cc, err
		}
		cc.MasterKey = key
	}

	for _, purpose := range []string{"session_token", "session_cache", "totp_secret", "recovery_code", "mfa_setup"} {
		name := "CODEC_KEY_" + strings.ToUpper(purpose)
		v := getEnv(name, "")
		if v == "" {
			continue
		}
		key, err := decodeKey(name, v)
		if err != nil {
			return cc, err
		}
		cc.Keys[purpose] = key
	}

	if cc.MasterKey == nil && len(cc.Keys) < 5 {
		return cc, fmt.Errorf("CODEC_MASTER_KEY is required unless every CODEC_KEY_* is set")
	}
	return cc, nil
}

func decodeKey(name, v string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes (got %d)", name, len(key))
	}
	return key, nil
}

// validateSecret enforces minimum security standards for signing secrets
func validateSecret(name, secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("%s must be at least %d characters in %s environment (got %d)",
			name, minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("%s cannot be a common weak value", name)
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return splitList(getEnv("ALLOWED_ORIGINS", ""))
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:4321", // Astro default
		"http://localhost:5173", // Vite default
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:4321",
		"http://127.0.0.1:5173",
		"http://127.0.0.1:8080",
	}
}
