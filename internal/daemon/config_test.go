package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8420 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8420)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Lock.Backend != "local" {
		t.Errorf("Lock.Backend = %q, want local", cfg.Lock.Backend)
	}
	if !cfg.Reaper.Enabled {
		t.Error("Reaper.Enabled should be true by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}

	sess, err := cfg.SessionConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sess.MaxHeartbeatGap != 150*time.Second {
		t.Errorf("MaxHeartbeatGap = %v, want 150s", sess.MaxHeartbeatGap)
	}
	if sess.MinHeartbeatInterval != 30*time.Second {
		t.Errorf("MinHeartbeatInterval = %v, want 30s", sess.MinHeartbeatInterval)
	}
	if sess.ResetLocation != time.UTC {
		t.Errorf("ResetLocation = %v, want UTC", sess.ResetLocation)
	}

	reap, _ := cfg.ReaperConfig()
	if reap.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", reap.IdleTimeout)
	}
}

func TestAfkDefaults(t *testing.T) {
	cfg := DefaultConfig()
	s, err := cfg.AfkDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Enabled || !s.CoinsPerMinute.Equal(decimal.NewFromInt(1)) || !s.MaxCoinsPerDay.Equal(decimal.NewFromInt(500)) {
		t.Errorf("AfkDefaults() = %+v", s)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AFKD_HOME", t.TempDir())
	for _, k := range []string{
		"AFKD_API_HOST", "AFKD_API_PORT", "AFKD_DATABASE_DRIVER", "AFKD_DATABASE_DIR",
		"AFKD_DATABASE_DSN", "AFKD_LOCK_BACKEND", "AFKD_REDIS_ADDR", "AFKD_REDIS_PASSWORD",
		"AFKD_REDIS_DB", "AFKD_JWT_SECRET", "AFKD_RESET_TIMEZONE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[api]
port = 9000

[afk]
coins_per_minute = "2.5"
max_heartbeat_gap = "120s"

[auth]
jwt_secret = "from-file-secret-0123456789"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AFKD_JWT_SECRET", "from-env-secret-0123456789")
	t.Setenv("AFKD_API_PORT", "9100")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d, want env override 9100", cfg.API.Port)
	}
	if cfg.Auth.JWTSecret != "from-env-secret-0123456789" {
		t.Errorf("JWTSecret = %q, want env value", cfg.Auth.JWTSecret)
	}
	if cfg.Afk.CoinsPerMinute != "2.5" {
		t.Errorf("CoinsPerMinute = %q, want file value", cfg.Afk.CoinsPerMinute)
	}
	// Untouched keys keep their defaults.
	if cfg.Afk.MaxCoinsPerDay != "500" || cfg.API.Host != "127.0.0.1" {
		t.Errorf("defaults lost: %+v / %+v", cfg.Afk, cfg.API)
	}
	sess, _ := cfg.SessionConfig()
	if sess.MaxHeartbeatGap != 120*time.Second {
		t.Errorf("MaxHeartbeatGap = %v, want 120s", sess.MaxHeartbeatGap)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.API.Port != 8420 {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	clearEnv(t)
	home := os.Getenv("AFKD_HOME")
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("AFKD_RESET_TIMEZONE=UTC\nAFKD_REDIS_DB=3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("AFKD_RESET_TIMEZONE")
		os.Unsetenv("AFKD_REDIS_DB")
	})

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Lock.RedisDB != 3 {
		t.Errorf("RedisDB = %d, want 3 from .env", cfg.Lock.RedisDB)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"redis without addr", func(c *Config) { c.Lock.Backend = "redis" }},
		{"bad port", func(c *Config) { c.API.Port = 0 }},
		{"bad rate", func(c *Config) { c.Afk.CoinsPerMinute = "lots" }},
		{"negative cap", func(c *Config) { c.Afk.MaxCoinsPerDay = "-5" }},
		{"bad gap", func(c *Config) { c.Afk.MaxHeartbeatGap = "soon" }},
		{"zero gap", func(c *Config) { c.Afk.MaxHeartbeatGap = "0s" }},
		{"bad timezone", func(c *Config) { c.Afk.ResetTimezone = "Mars/Olympus" }},
		{"bad reaper", func(c *Config) { c.Reaper.IdleTimeout = "-1m" }},
		{"bad ttl", func(c *Config) { c.Auth.TokenTTL = "forever" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestNewAuthenticator(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewAuthenticator(cfg); err == nil {
		t.Error("expected error without a secret")
	}
	cfg.Auth.JWTSecret = "0123456789abcdef0123"
	if _, err := NewAuthenticator(cfg); err != nil {
		t.Errorf("NewAuthenticator() error: %v", err)
	}
}
