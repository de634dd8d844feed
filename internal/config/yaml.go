package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DevJWTSecret is used when no secret is configured. Sessions signed with it
// are forgeable by anyone who has read this source.
const DevJWTSecret = "keygate-dev-secret-change-me"

// Config represents the top-level keygate configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Keys    KeysConfig    `yaml:"keys" mapstructure:"keys"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host               string   `yaml:"host" mapstructure:"host"`
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	// ValidateRateLimitPerMinute caps validations per presented key.
	ValidateRateLimitPerMinute int    `yaml:"validate_rate_limit_per_minute" mapstructure:"validate_rate_limit_per_minute"`
	ShutdownTimeout            string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// TrustedProxies lists the addresses or CIDR ranges whose X-Real-IP and
	// X-Forwarded-For headers are believed. Empty means the TCP peer is
	// always the client.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
}

// StorageConfig selects the credential store backend.
type StorageConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"`
	DSN     string `yaml:"dsn,omitempty" mapstructure:"dsn"`
	DataDir string `yaml:"data_dir,omitempty" mapstructure:"data_dir"`
}

// AuthConfig controls administrator sessions and password hashing.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	SessionTTL string `yaml:"session_ttl" mapstructure:"session_ttl"`
	BcryptCost int    `yaml:"bcrypt_cost" mapstructure:"bcrypt_cost"`
}

// KeysConfig controls temporary key policy.
type KeysConfig struct {
	// Timezone is the IANA zone used to evaluate valid hours. "Local" uses
	// the host zone.
	Timezone        string `yaml:"timezone" mapstructure:"timezone"`
	SweepInterval   string `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	DefaultTTL      string `yaml:"default_ttl" mapstructure:"default_ttl"`
	DefaultMaxUsage int    `yaml:"default_max_usage" mapstructure:"default_max_usage"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			CORSOrigins:        []string{"*"},
			RateLimitPerMinute:         30,
			ValidateRateLimitPerMinute: 600,
			ShutdownTimeout:            "30s",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			BcryptCost: 12,
		},
		Keys: KeysConfig{
			Timezone:        "Local",
			SweepInterval:   "1h",
			DefaultTTL:      "120m",
			DefaultMaxUsage: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default with v so environment variables
// (KEYGATE_AUTH_JWT_SECRET and friends) are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.rate_limit_per_minute", d.Server.RateLimitPerMinute)
	v.SetDefault("server.validate_rate_limit_per_minute", d.Server.ValidateRateLimitPerMinute)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.data_dir", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.session_ttl", d.Auth.SessionTTL)
	v.SetDefault("auth.bcrypt_cost", d.Auth.BcryptCost)
	v.SetDefault("keys.timezone", d.Keys.Timezone)
	v.SetDefault("keys.sweep_interval", d.Keys.SweepInterval)
	v.SetDefault("keys.default_ttl", d.Keys.DefaultTTL)
	v.SetDefault("keys.default_max_usage", d.Keys.DefaultMaxUsage)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// NewViper returns a viper instance with defaults registered and the
// KEYGATE_ environment prefix bound.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("KEYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to a YAML file. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks value ranges and that every duration and the time zone
// parse.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite or postgres", c.Storage.Driver))
	}
	for key, val := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"auth.session_ttl":        c.Auth.SessionTTL,
		"keys.sweep_interval":     c.Keys.SweepInterval,
		"keys.default_ttl":        c.Keys.DefaultTTL,
	} {
		if _, err := parseDuration(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if _, err := c.Server.Proxies(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Keys.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Keys.DefaultMaxUsage < 0 {
		errs = append(errs, errors.New("keys.default_max_usage must not be negative"))
	}
	return errors.Join(errs...)
}

// parseDuration treats an empty string as zero so callers fall back to
// their own defaults.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) Shutdown() time.Duration {
	d, _ := parseDuration(s.ShutdownTimeout)
	if d == 0 {
		d = 30 * time.Second
	}
	return d
}

// Proxies parses TrustedProxies. A bare address becomes a single-host
// prefix.
func (s ServerConfig) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, e := range s.TrustedProxies {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

func (a AuthConfig) SessionDuration() time.Duration {
	d, _ := parseDuration(a.SessionTTL)
	return d
}

// Secret returns the configured JWT secret and whether the insecure
// development fallback was substituted.
func (a AuthConfig) Secret() (string, bool) {
	if a.JWTSecret == "" {
		return DevJWTSecret, true
	}
	return a.JWTSecret, false
}

// Location resolves Timezone. Empty or "Local" is the host zone.
func (k KeysConfig) Location() (*time.Location, error) {
	if k.Timezone == "" || strings.EqualFold(k.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(k.Timezone)
	if err != nil {
		return nil, fmt.Errorf("keys.timezone: %w", err)
	}
	return loc, nil
}

func (k KeysConfig) Sweep() time.Duration {
	d, _ := parseDuration(k.SweepInterval)
	return d
}

func (k KeysConfig) TTL() time.Duration {
	d, _ := parseDuration(k.DefaultTTL)
	return d
}

// NewLogger builds the process logger. dev forces debug level.
func (l LogConfig) NewLogger(w io.Writer, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
