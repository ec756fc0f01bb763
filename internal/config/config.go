// Package config loads service settings from an optional YAML file and
// BIZDESK_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Guard       GuardConfig       `yaml:"guard"`
	Log         LogConfig         `yaml:"log"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// TrustProxy makes X-Forwarded-For the client address. Enable only
	// behind a proxy that overwrites the header.
	TrustProxy    bool     `yaml:"trustProxy"`
	CORSOrigins   []string `yaml:"corsOrigins"`
	MaxBodyBytes  int64    `yaml:"maxBodyBytes"`
	ThrottleRPS   float64  `yaml:"throttleRps"`
	ThrottleBurst int      `yaml:"throttleBurst"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres store; empty runs on the in-memory store.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	AutoMigrate  bool   `yaml:"autoMigrate"`
}

type AuthConfig struct {
	AccessSecret    string        `yaml:"accessSecret"`
	RefreshSecret   string        `yaml:"refreshSecret"`
	AccessTTL       time.Duration `yaml:"accessTtl"`
	RefreshTTL      time.Duration `yaml:"refreshTtl"`
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	LockThreshold   int           `yaml:"lockThreshold"`
	LockDuration    time.Duration `yaml:"lockDuration"`
	ResetTTL        time.Duration `yaml:"resetTtl"`
	PasswordHash    string        `yaml:"passwordHash"`
	BcryptCost      int           `yaml:"bcryptCost"`
	DefaultCategory string        `yaml:"defaultCategory"`

	BootstrapAdminName     string `yaml:"bootstrapAdminName"`
	BootstrapAdminEmail    string `yaml:"bootstrapAdminEmail"`
	BootstrapAdminPassword string `yaml:"bootstrapAdminPassword"`
}

type GuardConfig struct {
	// Backend is "memory" (per process) or "redis" (shared).
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
	MaxKeys       int           `yaml:"maxKeys"`
	LoginMax      int           `yaml:"loginMax"`
	LoginWindow   time.Duration `yaml:"loginWindow"`
	ForgotMax     int           `yaml:"forgotMax"`
	ForgotWindow  time.Duration `yaml:"forgotWindow"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MaintenanceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			ThrottleRPS:     20,
			ThrottleBurst:   40,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
		},
		Auth: AuthConfig{
			AccessTTL:       7 * 24 * time.Hour,
			RefreshTTL:      30 * 24 * time.Hour,
			Issuer:          "bizdesk",
			Audience:        "bizdesk-api",
			LockThreshold:   5,
			LockDuration:    2 * time.Hour,
			ResetTTL:        10 * time.Minute,
			PasswordHash:    "bcrypt",
			BcryptCost:      12,
			DefaultCategory: "employee",
		},
		Guard: GuardConfig{
			Backend:      "memory",
			MaxKeys:      100_000,
			LoginMax:     10,
			LoginWindow:  15 * time.Minute,
			ForgotMax:    5,
			ForgotWindow: time.Hour,
		},
		Log: LogConfig{Level: "info"},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "@every 15m",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// BIZDESK_CONFIG, then environment variables.
func Load() (*Config, error) {
	return load(os.Getenv, os.ReadFile)
}

func load(getenv func(string) string, readFile func(string) ([]byte, error)) (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(getenv("BIZDESK_CONFIG")); path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	e := envReader{getenv: getenv}
	e.str("BIZDESK_ADDR", &cfg.Server.Addr)
	e.duration("BIZDESK_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.duration("BIZDESK_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.duration("BIZDESK_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	e.duration("BIZDESK_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	e.boolean("BIZDESK_TRUST_PROXY", &cfg.Server.TrustProxy)
	e.list("BIZDESK_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	e.int64("BIZDESK_MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)
	e.float("BIZDESK_THROTTLE_RPS", &cfg.Server.ThrottleRPS)
	e.integer("BIZDESK_THROTTLE_BURST", &cfg.Server.ThrottleBurst)

	e.str("BIZDESK_PG_DSN", &cfg.Database.DSN)
	e.integer("BIZDESK_PG_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	e.boolean("BIZDESK_AUTO_MIGRATE", &cfg.Database.AutoMigrate)

	e.str("BIZDESK_ACCESS_SECRET", &cfg.Auth.AccessSecret)
	e.str("BIZDESK_REFRESH_SECRET", &cfg.Auth.RefreshSecret)
	e.duration("BIZDESK_ACCESS_TTL", &cfg.Auth.AccessTTL)
	e.duration("BIZDESK_REFRESH_TTL", &cfg.Auth.RefreshTTL)
	e.str("BIZDESK_TOKEN_ISSUER", &cfg.Auth.Issuer)
	e.str("BIZDESK_TOKEN_AUDIENCE", &cfg.Auth.Audience)
	e.integer("BIZDESK_LOCK_THRESHOLD", &cfg.Auth.LockThreshold)
	e.duration("BIZDESK_LOCK_DURATION", &cfg.Auth.LockDuration)
	e.duration("BIZDESK_RESET_TTL", &cfg.Auth.ResetTTL)
	e.str("BIZDESK_PASSWORD_HASH", &cfg.Auth.PasswordHash)
	e.integer("BIZDESK_BCRYPT_COST", &cfg.Auth.BcryptCost)
	e.str("BIZDESK_DEFAULT_ROLE_CATEGORY", &cfg.Auth.DefaultCategory)
	e.str("BIZDESK_BOOTSTRAP_ADMIN_NAME", &cfg.Auth.BootstrapAdminName)
	e.str("BIZDESK_BOOTSTRAP_ADMIN_EMAIL", &cfg.Auth.BootstrapAdminEmail)
	e.str("BIZDESK_BOOTSTRAP_ADMIN_PASSWORD", &cfg.Auth.BootstrapAdminPassword)

	e.str("BIZDESK_GUARD_BACKEND", &cfg.Guard.Backend)
	e.str("BIZDESK_REDIS_ADDR", &cfg.Guard.RedisAddr)
	e.str("BIZDESK_REDIS_PASSWORD", &cfg.Guard.RedisPassword)
	e.integer("BIZDESK_REDIS_DB", &cfg.Guard.RedisDB)
	e.integer("BIZDESK_GUARD_MAX_KEYS", &cfg.Guard.MaxKeys)
	e.integer("BIZDESK_LOGIN_MAX", &cfg.Guard.LoginMax)
	e.duration("BIZDESK_LOGIN_WINDOW", &cfg.Guard.LoginWindow)
	e.integer("BIZDESK_FORGOT_MAX", &cfg.Guard.ForgotMax)
	e.duration("BIZDESK_FORGOT_WINDOW", &cfg.Guard.ForgotWindow)

	e.str("BIZDESK_LOG_LEVEL", &cfg.Log.Level)
	e.boolean("BIZDESK_MAINTENANCE_ENABLED", &cfg.Maintenance.Enabled)
	e.str("BIZDESK_MAINTENANCE_SCHEDULE", &cfg.Maintenance.Schedule)

	if err := e.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Server.ThrottleRPS <= 0 || c.Server.ThrottleBurst < 1 {
		add("server throttle must be positive")
	}
	if c.Auth.AccessSecret == "" || c.Auth.RefreshSecret == "" {
		add("BIZDESK_ACCESS_SECRET and BIZDESK_REFRESH_SECRET are required")
	} else if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		add("access and refresh secrets must differ")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		add("token lifetimes must be positive")
	}
	if c.Auth.LockThreshold < 1 || c.Auth.LockDuration <= 0 {
		add("lockout threshold and duration must be positive")
	}
	if (c.Auth.BootstrapAdminEmail == "") != (c.Auth.BootstrapAdminPassword == "") {
		add("bootstrap admin needs both email and password")
	}
	switch c.Guard.Backend {
	case "memory":
	case "redis":
		if c.Guard.RedisAddr == "" {
			add("guard backend redis requires BIZDESK_REDIS_ADDR")
		}
	default:
		add("unknown guard backend %q", c.Guard.Backend)
	}
	if c.Guard.LoginMax < 1 || c.Guard.ForgotMax < 1 || c.Guard.LoginWindow <= 0 || c.Guard.ForgotWindow <= 0 {
		add("guard budgets must be positive")
	}
	if c.Maintenance.Enabled && strings.TrimSpace(c.Maintenance.Schedule) == "" {
		add("maintenance schedule is required when enabled")
	}
	return errors.Join(errs...)
}

// envReader collects parse failures instead of silently falling back.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *envReader) fail(key, raw string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}
