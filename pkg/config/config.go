package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// Config is the AlarmVault configuration: a YAML file overlaid by
// ALARMVAULT_* environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Security   SecurityConfig   `yaml:"security"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Integrity  IntegrityConfig  `yaml:"integrity"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Notify     NotifyConfig     `yaml:"notify"`

	// Secrets never come from the file.
	Secrets Secrets `yaml:"-"`
	Verbose bool    `yaml:"-"` // set via CLI flag
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"http_address"`    // API listen address (default: :8080)
	MetricsAddress  string        `yaml:"metrics_address"` // Prometheus listen address; empty disables
	TLS             TLSConfig     `yaml:"tls"`
	LoginRatePerIP  int           `yaml:"login_rate_per_ip"` // login attempts per minute per IP (default: 10)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig contains HTTPS settings for the API.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"` // optional; requires client certificates
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig tunes access control and the operation pipeline.
type SecurityConfig struct {
	SessionTTL       time.Duration `yaml:"session_ttl"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutDuration  time.Duration `yaml:"lockout_duration"`
	BcryptCost       int           `yaml:"bcrypt_cost"`
	AdminUsername    string        `yaml:"admin_username"` // bootstrap admin, created once
}

// RateLimitConfig tunes the per-operation limiter.
type RateLimitConfig struct {
	Window      time.Duration  `yaml:"window"`
	Limits      map[string]int `yaml:"limits"` // requests per window by role
	BaseLockout time.Duration  `yaml:"base_lockout"`
	MaxLockout  time.Duration  `yaml:"max_lockout"`
	GlobalRPS   float64        `yaml:"global_rps"`
	GlobalBurst int            `yaml:"global_burst"`
	MaxBypass   time.Duration  `yaml:"max_bypass"`
}

// RoleLimits converts the configured limits to role keys.
func (c RateLimitConfig) RoleLimits() map[models.Role]int {
	if len(c.Limits) == 0 {
		return nil
	}
	out := make(map[models.Role]int, len(c.Limits))
	for role, n := range c.Limits {
		out[models.Role(role)] = n
	}
	return out
}

// IntegrityConfig tunes the scheduled verification.
type IntegrityConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// BackupConfig tunes snapshots.
type BackupConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention int           `yaml:"retention"`
	Directory string        `yaml:"directory"` // file location; empty keeps only the SQLite location
}

// MonitoringConfig tunes threat detection.
type MonitoringConfig struct {
	SignaturesFile string        `yaml:"signatures_file"` // empty installs the built-in signatures
	Watch          bool          `yaml:"watch"`           // reload the file on change
	AlertTTL       time.Duration `yaml:"alert_ttl"`
}

// NotifyConfig configures alert webhooks.
type NotifyConfig struct {
	SlackWebhook string        `yaml:"slack_webhook"`
	TeamsWebhook string        `yaml:"teams_webhook"`
	MinSeverity  string        `yaml:"min_severity"`
	MaxPerWindow int           `yaml:"max_per_window"`
	Window       time.Duration `yaml:"window"`
}

// Secrets are read from the environment only.
type Secrets struct {
	MasterKey     string `env:"MASTER_KEY"`
	JWTSecret     string `env:"JWT_SECRET"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

// envOverlay lists the variables that override file settings.
type envOverlay struct {
	Secrets
	DBPath         string `env:"DB_PATH"`
	HTTPAddress    string `env:"HTTP_ADDRESS"`
	MetricsAddress string `env:"METRICS_ADDRESS"`
	SlackWebhook   string `env:"SLACK_WEBHOOK"`
	TeamsWebhook   string `env:"TEAMS_WEBHOOK"`
}

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "ALARMVAULT_"

// Load reads path (optional), applies the process environment, fills
// defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with default values and no secrets.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// ApplyEnv overlays ALARMVAULT_* variables. A nil environ reads the process
// environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	var o envOverlay
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	c.Secrets = o.Secrets
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Database.Path, o.DBPath)
	set(&c.Server.HTTPAddress, o.HTTPAddress)
	set(&c.Server.MetricsAddress, o.MetricsAddress)
	set(&c.Notify.SlackWebhook, o.SlackWebhook)
	set(&c.Notify.TeamsWebhook, o.TeamsWebhook)
	return nil
}

// setDefaults sets default values for missing config fields. Component
// tunables left at zero take the component's own defaults.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/alarmvault.db"
	}
	if c.Security.AdminUsername == "" {
		c.Security.AdminUsername = "admin"
	}
	if c.Notify.MinSeverity == "" {
		c.Notify.MinSeverity = string(models.SeverityHigh)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Secrets.MasterKey) < 16 {
		return fmt.Errorf("%sMASTER_KEY is required (at least 16 bytes)", EnvPrefix)
	}
	if c.Secrets.JWTSecret != "" && len(c.Secrets.JWTSecret) < 16 {
		return fmt.Errorf("%sJWT_SECRET must be at least 16 bytes", EnvPrefix)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	durations := map[string]time.Duration{
		"security.session_ttl":       c.Security.SessionTTL,
		"security.operation_timeout": c.Security.OperationTimeout,
		"security.lockout_duration":  c.Security.LockoutDuration,
		"rate_limit.window":          c.RateLimit.Window,
		"rate_limit.base_lockout":    c.RateLimit.BaseLockout,
		"rate_limit.max_lockout":     c.RateLimit.MaxLockout,
		"rate_limit.max_bypass":      c.RateLimit.MaxBypass,
		"integrity.interval":         c.Integrity.Interval,
		"backup.interval":            c.Backup.Interval,
		"monitoring.alert_ttl":       c.Monitoring.AlertTTL,
		"notify.window":              c.Notify.Window,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.RateLimit.MaxLockout > 0 && c.RateLimit.BaseLockout > c.RateLimit.MaxLockout {
		return fmt.Errorf("rate_limit.base_lockout exceeds rate_limit.max_lockout")
	}
	for role, n := range c.RateLimit.Limits {
		if !models.Role(role).Valid() {
			return fmt.Errorf("rate_limit.limits: unknown role %q", role)
		}
		if n <= 0 {
			return fmt.Errorf("rate_limit.limits.%s must be positive", role)
		}
	}
	if c.Backup.Retention < 0 {
		return fmt.Errorf("backup.retention must not be negative")
	}

	switch models.Severity(c.Notify.MinSeverity) {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
	default:
		return fmt.Errorf("notify.min_severity: unknown severity %q", c.Notify.MinSeverity)
	}
	return nil
}
