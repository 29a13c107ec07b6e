package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen        = ":8088"
	defaultLedgerPath    = "deploy/ledger.toml"
	defaultDataDir       = "data/ledgerd"
	defaultPassphraseEnv = "LEDGERD_GOVERNOR_PASSPHRASE"
)

// Config captures the runtime settings for the ledger daemon.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	LedgerPath    string         `yaml:"ledger"`
	DataDir       string         `yaml:"data_dir"`
	Snapshot      SnapshotConfig `yaml:"snapshot"`
	Auth          AuthConfig     `yaml:"auth"`
	RateLimit     RateLimit      `yaml:"rate_limit"`
	Log           LogConfig      `yaml:"log"`
	Governor      GovernorConfig `yaml:"governor"`
}

// SnapshotConfig controls periodic persistence. A zero interval only
// snapshots on shutdown.
type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
	Retain   uint64        `yaml:"retain"`
}

// AuthConfig configures bearer token validation for mutating routes. Without
// an HMAC secret ledgerd only serves queries.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// Enabled reports whether mutating routes are served.
func (a AuthConfig) Enabled() bool { return a.HMACSecret != "" }

// RateLimit bounds per-client request rates on the API.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LogConfig selects level and optional rotated file output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// GovernorConfig optionally proves the operator controls the governor key
// named in the ledger file.
type GovernorConfig struct {
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.LedgerPath = strings.TrimSpace(cfg.LedgerPath)
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = defaultLedgerPath
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.Snapshot.Retain == 0 {
		cfg.Snapshot.Retain = 16
	}
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 50
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
	cfg.Governor.Keystore = strings.TrimSpace(cfg.Governor.Keystore)
	cfg.Governor.PassphraseEnv = strings.TrimSpace(cfg.Governor.PassphraseEnv)
	if cfg.Governor.PassphraseEnv == "" {
		cfg.Governor.PassphraseEnv = defaultPassphraseEnv
	}
}

func (cfg *Config) validate() error {
	if cfg.Snapshot.Interval < 0 {
		return fmt.Errorf("snapshot.interval must not be negative")
	}
	if cfg.Auth.Enabled() && len(cfg.Auth.HMACSecret) < 32 {
		return fmt.Errorf("auth.hmac_secret must be at least 32 bytes")
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}
