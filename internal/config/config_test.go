package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/ratelimit"
)

var testMasterKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PASSWORD", "test")
	t.Setenv("OAUTH_STATE_SECRET", "test-secret-32-characters-long!")
	t.Setenv("CODEC_MASTER_KEY", testMasterKey)
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	tests := []struct {
		name     string
		actual   time.Duration
		expected time.Duration
	}{
		{"ReadTimeout", cfg.Server.ReadTimeout, 15 * time.Second},
		{"WriteTimeout", cfg.Server.WriteTimeout, 15 * time.Second},
		{"IdleTimeout", cfg.Server.IdleTimeout, 60 * time.Second},
		{"SessionMaxLifetime", cfg.Session.MaxLifetime, 14 * 24 * time.Hour},
		{"SessionRenewalThreshold", cfg.Session.RenewalThreshold, 2 * 24 * time.Hour},
		{"SessionCacheTTL", cfg.Session.CacheTTL, 5 * time.Minute},
		{"MFAChallengeTTL", cfg.MFA.ChallengeTTL, 2 * time.Hour},
	}

	for _, tt := range tests {
		if tt.actual != tt.expected {
			t.Errorf("%s: got %v, want %v", tt.name, tt.actual, tt.expected)
		}
	}

	if cfg.MFA.RecoveryCodeCount != 6 {
		t.Errorf("RecoveryCodeCount: got %d, want 6", cfg.MFA.RecoveryCodeCount)
	}
	if cfg.Cookie.Secure {
		t.Errorf("Cookie.Secure should default to false outside production")
	}
	if len(cfg.Codec.MasterKey) != 32 {
		t.Errorf("MasterKey length: got %d, want 32", len(cfg.Codec.MasterKey))
	}
}

func TestLoad_ProductionDefaultsSecureCookie(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("OAUTH_STATE_SECRET", strings.Repeat("x", 40))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if !cfg.Cookie.Secure {
		t.Errorf("Cookie.Secure should default to true in production")
	}
}

func TestLoad_MissingDBPassword(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("DB_PASSWORD")

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil, want error for missing DB_PASSWORD")
	}
}

func TestLoad_CodecKeyValidation(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not_base64", "%%%"},
		{"wrong_length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("CODEC_MASTER_KEY", tt.value)

			if _, err := Load(); err == nil {
				t.Fatal("Load() = nil, want codec key error")
			}
		})
	}
}

func TestLoad_CodecRequiresKeyMaterial(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("CODEC_MASTER_KEY")
	t.Setenv("CODEC_KEY_SESSION_TOKEN", testMasterKey)

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil, want error when master key and some purpose keys are missing")
	}
}

func TestLoad_WeakStateSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OAUTH_STATE_SECRET", "short")

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil, want error for weak secret")
	}
}

func TestLoad_RenewalThresholdMustBeShorterThanLifetime(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SESSION_MAX_LIFETIME", "24h")
	t.Setenv("SESSION_RENEWAL_THRESHOLD", "48h")

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil, want error")
	}
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SESSION_CACHE_TTL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if cfg.Session.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL: got %v, want 5m", cfg.Session.CacheTTL)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a:1, ,b:2 ")
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Errorf("splitList: got %v", got)
	}
	if splitList("") != nil {
		t.Errorf("splitList(\"\") should be nil")
	}
}

func TestLoadRateLimitPolicies_Defaults(t *testing.T) {
	policies, err := LoadRateLimitPolicies("")
	if err != nil {
		t.Fatalf("LoadRateLimitPolicies() = %v", err)
	}
	p := policies[ratelimit.ScopeMagicLinkEmail]
	if p.Algorithm != ratelimit.AlgorithmFixedWindow || p.Max != 3 || p.Window != time.Hour {
		t.Errorf("magic link policy: got %+v", p)
	}
}

func TestLoadRateLimitPolicies_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.toml")
	content := `
[scopes."email:magic-link"]
algorithm = "sliding_window"
window = "30m"
max = 5

[scopes."auth:custom"]
algorithm = "token_bucket"
capacity = 10
refill_per_second = 0.5
ttl = "2h"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	policies, err := LoadRateLimitPolicies(path)
	if err != nil {
		t.Fatalf("LoadRateLimitPolicies() = %v", err)
	}

	ml := policies[ratelimit.ScopeMagicLinkEmail]
	if ml.Algorithm != ratelimit.AlgorithmSlidingWindow || ml.Window != 30*time.Minute || ml.Max != 5 {
		t.Errorf("override not applied: %+v", ml)
	}

	custom := policies["auth:custom"]
	if custom.Capacity != 10 || custom.RefillPerSecond != 0.5 || custom.TTL != 2*time.Hour {
		t.Errorf("custom scope: got %+v", custom)
	}

	if _, ok := policies[ratelimit.ScopeTwoFactor]; !ok {
		t.Errorf("defaults should survive an override file")
	}
}

func TestLoadRateLimitPolicies_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.toml")
	content := `
[scopes."auth:2fa"]
algorithm = "fixed_window"
windw = "1m"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRateLimitPolicies(path); err == nil {
		t.Fatal("LoadRateLimitPolicies() = nil, want error for unknown key")
	}
}
