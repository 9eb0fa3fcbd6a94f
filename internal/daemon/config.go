// Package daemon loads afkd configuration and assembles the running service.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/app/afk"
	"github.com/coinhost/afkd/internal/app/reaper"
	"github.com/coinhost/afkd/internal/domain"
	"github.com/coinhost/afkd/internal/infra/redislock"
)

// Config is the afkd configuration, read from config.toml.
type Config struct {
	API      APIConfig      `toml:"api"`
	Database DatabaseConfig `toml:"database"`
	Afk      AfkConfig      `toml:"afk"`
	Lock     LockConfig     `toml:"lock"`
	Auth     AuthConfig     `toml:"auth"`
	Reaper   ReaperConfig   `toml:"reaper"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"`   // Per-user AFK requests/s; 0 disables
	RateLimitBurst int     `toml:"rate_limit_burst"` // Bucket size
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Dir    string `toml:"dir"`    // SQLite directory
	DSN    string `toml:"dsn"`    // PostgreSQL connection string
}

// AfkConfig holds session timing and the settings used until an admin saves their own.
type AfkConfig struct {
	Enabled              bool   `toml:"enabled"`
	CoinsPerMinute       string `toml:"coins_per_minute"`
	MaxCoinsPerDay       string `toml:"max_coins_per_day"`
	MaxHeartbeatGap      string `toml:"max_heartbeat_gap"`
	MinHeartbeatInterval string `toml:"min_heartbeat_interval"`
	ResetTimezone        string `toml:"reset_timezone"`
	LockTimeout          string `toml:"lock_timeout"`
}

// LockConfig selects per-user locking: "local" for a single instance,
// "redis" when several instances share a database.
type LockConfig struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Prefix        string `toml:"prefix"`
	TTL           string `toml:"ttl"`
}

// AuthConfig controls bearer tokens.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	TokenTTL  string `toml:"token_ttl"`
}

// ReaperConfig controls idle-session termination.
type ReaperConfig struct {
	Enabled       bool   `toml:"enabled"`
	Interval      string `toml:"interval"`
	IdleTimeout   string `toml:"idle_timeout"`
	MaxConcurrent int    `toml:"max_concurrent"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			RateLimitRPS:   1,
			RateLimitBurst: 5,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Dir:    Home(),
		},
		Afk: AfkConfig{
			Enabled:              true,
			CoinsPerMinute:       "1",
			MaxCoinsPerDay:       "500",
			MaxHeartbeatGap:      "150s",
			MinHeartbeatInterval: "30s",
			ResetTimezone:        "UTC",
			LockTimeout:          "5s",
		},
		Lock: LockConfig{
			Backend: "local",
			Prefix:  "afkd:lock:",
			TTL:     "10s",
		},
		Auth: AuthConfig{
			Issuer:   "afkd",
			TokenTTL: "24h",
		},
		Reaper: ReaperConfig{
			Enabled:       true,
			Interval:      "1m",
			IdleTimeout:   "5m",
			MaxConcurrent: 4,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Home returns the afkd state directory: $AFKD_HOME or ~/.afkd.
func Home() string {
	if h := os.Getenv("AFKD_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".afkd"
	}
	return filepath.Join(home, ".afkd")
}

// DefaultConfigPath returns the config file location inside Home.
func DefaultConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads path over the defaults, then applies .env files and
// AFKD_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	// Existing environment wins over .env files.
	for _, f := range []string{".env", filepath.Join(Home(), ".env")} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"AFKD_API_HOST":        &c.API.Host,
		"AFKD_DATABASE_DRIVER": &c.Database.Driver,
		"AFKD_DATABASE_DIR":    &c.Database.Dir,
		"AFKD_DATABASE_DSN":    &c.Database.DSN,
		"AFKD_LOCK_BACKEND":    &c.Lock.Backend,
		"AFKD_REDIS_ADDR":      &c.Lock.RedisAddr,
		"AFKD_REDIS_PASSWORD":  &c.Lock.RedisPassword,
		"AFKD_JWT_SECRET":      &c.Auth.JWTSecret,
		"AFKD_RESET_TIMEZONE":  &c.Afk.ResetTimezone,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("AFKD_API_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AFKD_API_PORT: %w", err)
		}
		c.API.Port = port
	}
	if v, ok := os.LookupEnv("AFKD_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AFKD_REDIS_DB: %w", err)
		}
		c.Lock.RedisDB = db
	}
	return nil
}

// Validate checks every field that is parsed later.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver)
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend %q: want local or redis", c.Lock.Backend)
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if _, err := c.AfkDefaults(); err != nil {
		return err
	}
	if _, err := c.SessionConfig(); err != nil {
		return err
	}
	if _, err := c.ReaperConfig(); err != nil {
		return err
	}
	if _, err := c.RedisLockConfig(); err != nil {
		return err
	}
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	return nil
}

// AfkDefaults returns the settings in effect until an admin saves their own.
func (c Config) AfkDefaults() (domain.AfkSettings, error) {
	rate, err := decimal.NewFromString(c.Afk.CoinsPerMinute)
	if err != nil {
		return domain.AfkSettings{}, fmt.Errorf("afk.coins_per_minute: %w", err)
	}
	maxDay, err := decimal.NewFromString(c.Afk.MaxCoinsPerDay)
	if err != nil {
		return domain.AfkSettings{}, fmt.Errorf("afk.max_coins_per_day: %w", err)
	}
	s := domain.AfkSettings{Enabled: c.Afk.Enabled, CoinsPerMinute: rate, MaxCoinsPerDay: maxDay}
	if err := s.Validate(); err != nil {
		return domain.AfkSettings{}, fmt.Errorf("afk: %w", err)
	}
	return s, nil
}

// SessionConfig returns the session manager timing.
func (c Config) SessionConfig() (afk.Config, error) {
	var (
		out afk.Config
		err error
	)
	if out.MaxHeartbeatGap, err = parseDuration("afk.max_heartbeat_gap", c.Afk.MaxHeartbeatGap); err != nil {
		return out, err
	}
	if out.MaxHeartbeatGap <= 0 {
		return out, errors.New("afk.max_heartbeat_gap must be positive")
	}
	if out.MinHeartbeatInterval, err = parseDuration("afk.min_heartbeat_interval", c.Afk.MinHeartbeatInterval); err != nil {
		return out, err
	}
	if out.LockTimeout, err = parseDuration("afk.lock_timeout", c.Afk.LockTimeout); err != nil {
		return out, err
	}
	if out.ResetLocation, err = time.LoadLocation(c.Afk.ResetTimezone); err != nil {
		return out, fmt.Errorf("afk.reset_timezone: %w", err)
	}
	return out, nil
}

// ReaperConfig returns the idle reaper settings.
func (c Config) ReaperConfig() (reaper.Config, error) {
	var (
		out reaper.Config
		err error
	)
	if out.Interval, err = parseDuration("reaper.interval", c.Reaper.Interval); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDuration("reaper.idle_timeout", c.Reaper.IdleTimeout); err != nil {
		return out, err
	}
	if c.Reaper.Enabled && (out.Interval <= 0 || out.IdleTimeout <= 0) {
		return out, errors.New("reaper.interval and reaper.idle_timeout must be positive")
	}
	out.MaxConcurrent = c.Reaper.MaxConcurrent
	return out, nil
}

// RedisLockConfig returns the distributed lock settings.
func (c Config) RedisLockConfig() (redislock.Config, error) {
	out := redislock.DefaultConfig()
	if c.Lock.Prefix != "" {
		out.Prefix = c.Lock.Prefix
	}
	ttl, err := parseDuration("lock.ttl", c.Lock.TTL)
	if err != nil {
		return out, err
	}
	if ttl > 0 {
		out.TTL = ttl
	}
	return out, nil
}

// TokenTTL returns the lifetime of issued tokens.
func (c Config) TokenTTL() (time.Duration, error) {
	return parseDuration("auth.token_ttl", c.Auth.TokenTTL)
}

// parseDuration accepts Go duration strings; empty means zero.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}
