package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds the application configuration
type Config struct {
	Port        string `toml:"port"`
	Storage     string `toml:"storage"`
	DatabaseURL string `toml:"database_url"`
	// RedisURL, when set, moves login-attempt state to Redis.
	RedisURL string `toml:"redis_url"`

	SessionSecret string `toml:"session_secret"`
	CookieSecure  bool   `toml:"cookie_secure"`

	// TrustForwardedFor takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites those headers.
	TrustForwardedFor bool `toml:"trust_forwarded_for"`

	LockoutThreshold   int           `toml:"lockout_threshold"`
	LockoutDuration    time.Duration `toml:"lockout_duration"`
	IPLockoutThreshold int           `toml:"ip_lockout_threshold"` // 0 disables the per-IP dimension
	MaxTrackedKeys     int           `toml:"max_tracked_keys"`

	SessionTTLPrivate    time.Duration `toml:"session_ttl_private"`
	SessionTTLPublic     time.Duration `toml:"session_ttl_public"`
	SessionSweepInterval time.Duration `toml:"session_sweep_interval"` // 0 disables the sweeper

	AllowSelfMessaging bool `toml:"allow_self_messaging"`

	Argon2Time      uint32 `toml:"argon2_time"`
	Argon2MemoryKiB uint32 `toml:"argon2_memory_kib"`
	Argon2Threads   uint8  `toml:"argon2_threads"`

	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Defaults returns the configuration used when nothing overrides it
func Defaults() *Config {
	return &Config{
		Port:                 "8080",
		Storage:              StoragePostgres,
		LockoutThreshold:     5,
		LockoutDuration:      15 * time.Minute,
		IPLockoutThreshold:   20,
		MaxTrackedKeys:       100000,
		SessionTTLPrivate:    7 * 24 * time.Hour,
		SessionTTLPublic:     30 * time.Minute,
		SessionSweepInterval: 10 * time.Minute,
		Argon2Time:           1,
		Argon2MemoryKiB:      64 * 1024,
		Argon2Threads:        4,
		RateLimitRPS:         2,
		RateLimitBurst:       10,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load builds the configuration: defaults, then the optional TOML file named
// by CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and the relations between them
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}

	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET environment variable is required")
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 characters")
	}
	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be positive")
	}
	if c.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION must be positive")
	}
	if c.IPLockoutThreshold < 0 {
		return fmt.Errorf("IP_LOCKOUT_THRESHOLD must not be negative")
	}
	if c.SessionTTLPublic <= 0 {
		return fmt.Errorf("SESSION_TTL_PUBLIC must be positive")
	}
	if c.SessionTTLPrivate <= c.SessionTTLPublic {
		return fmt.Errorf("SESSION_TTL_PRIVATE (%s) must be longer than SESSION_TTL_PUBLIC (%s)",
			c.SessionTTLPrivate, c.SessionTTLPublic)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when RATE_LIMIT_RPS is set")
	}
	if c.Argon2Time == 0 || c.Argon2MemoryKiB == 0 || c.Argon2Threads == 0 {
		return fmt.Errorf("argon2 parameters must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Port, "PORT")
	setString(&cfg.Storage, "STORAGE")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.SessionSecret, "SESSION_SECRET")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	cfg.Storage = strings.ToLower(cfg.Storage)

	steps := []func() error{
		func() error { return setBool(&cfg.CookieSecure, "COOKIE_SECURE") },
		func() error { return setBool(&cfg.AllowSelfMessaging, "ALLOW_SELF_MESSAGING") },
		func() error { return setBool(&cfg.TrustForwardedFor, "TRUST_FORWARDED_FOR") },
		func() error { return setInt(&cfg.LockoutThreshold, "LOCKOUT_THRESHOLD") },
		func() error { return setInt(&cfg.IPLockoutThreshold, "IP_LOCKOUT_THRESHOLD") },
		func() error { return setInt(&cfg.MaxTrackedKeys, "MAX_TRACKED_KEYS") },
		func() error { return setInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST") },
		func() error { return setDuration(&cfg.LockoutDuration, "LOCKOUT_DURATION") },
		func() error { return setDuration(&cfg.SessionTTLPrivate, "SESSION_TTL_PRIVATE") },
		func() error { return setDuration(&cfg.SessionTTLPublic, "SESSION_TTL_PUBLIC") },
		func() error { return setDuration(&cfg.SessionSweepInterval, "SESSION_SWEEP_INTERVAL") },
		func() error { return setFloat(&cfg.RateLimitRPS, "RATE_LIMIT_RPS") },
		func() error { return setUint32(&cfg.Argon2Time, "ARGON2_TIME") },
		func() error { return setUint32(&cfg.Argon2MemoryKiB, "ARGON2_MEMORY_KIB") },
		func() error {
			threads := uint32(cfg.Argon2Threads)
			if err := setUint32(&threads, "ARGON2_THREADS"); err != nil {
				return err
			}
			if threads > 255 {
				return fmt.Errorf("ARGON2_THREADS must be at most 255")
			}
			cfg.Argon2Threads = uint8(threads)
			return nil
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setUint32(dst *uint32, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("%s: invalid unsigned integer %q", key, v)
	}
	*dst = uint32(n)
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, v)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}
