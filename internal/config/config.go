// Package config loads CLI and agent settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"icagent/go-identity/internal/platform/privacylog"

	"gopkg.in/yaml.v3"
)

const (
	EnvAgentURL           = "ICID_AGENT_URL"
	EnvKeystoreDir        = "ICID_KEYSTORE_DIR"
	EnvKeystorePassphrase = "ICID_KEYSTORE_PASSPHRASE"
	EnvLogLevel           = "ICID_LOG_LEVEL"
	EnvLogFormat          = "ICID_LOG_FORMAT"
	EnvRateLimitRPS       = "ICID_RATE_LIMIT_RPS"
)

type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Log      LogConfig      `yaml:"log"`
}

type AgentConfig struct {
	URL           string          `yaml:"url"`
	IngressExpiry time.Duration   `yaml:"ingressExpiry"`
	Timeout       time.Duration   `yaml:"timeout"`
	RateLimit     RateLimitConfig `yaml:"rateLimit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type KeystoreConfig struct {
	Dir string `yaml:"dir"`
	// Passphrase is only read from the environment.
	Passphrase string `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	dir := ".icid/keys"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".icid", "keys")
	}
	return Config{
		Agent: AgentConfig{
			URL:           "https://icp-api.io",
			IngressExpiry: 3 * time.Minute,
			Timeout:       30 * time.Second,
			RateLimit:     RateLimitConfig{RPS: 10, Burst: 20},
		},
		Keystore: KeystoreConfig{Dir: dir},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configPath, or the first default location that exists when it
// is empty. Missing files yield the defaults; malformed ones are an error.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"icid.yaml", "configs/icid.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && configPath == "" {
				continue
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// Merge copies the non-zero fields of src onto dst.
func Merge(dst *Config, src Config) {
	if src.Agent.URL != "" {
		dst.Agent.URL = src.Agent.URL
	}
	if src.Agent.IngressExpiry != 0 {
		dst.Agent.IngressExpiry = src.Agent.IngressExpiry
	}
	if src.Agent.Timeout != 0 {
		dst.Agent.Timeout = src.Agent.Timeout
	}
	if src.Agent.RateLimit.RPS != 0 {
		dst.Agent.RateLimit.RPS = src.Agent.RateLimit.RPS
	}
	if src.Agent.RateLimit.Burst != 0 {
		dst.Agent.RateLimit.Burst = src.Agent.RateLimit.Burst
	}
	if src.Keystore.Dir != "" {
		dst.Keystore.Dir = src.Keystore.Dir
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvAgentURL)); v != "" {
		cfg.Agent.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvKeystoreDir)); v != "" {
		cfg.Keystore.Dir = v
	}
	if v := os.Getenv(EnvKeystorePassphrase); v != "" {
		cfg.Keystore.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Log.Format = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRateLimitRPS)); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps >= 0 {
			cfg.Agent.RateLimit.RPS = rps
		}
	}
}

func (c Config) Validate() error {
	if c.Agent.IngressExpiry <= 0 || c.Agent.IngressExpiry > 5*time.Minute {
		return fmt.Errorf("agent.ingressExpiry must be in (0, 5m], got %s", c.Agent.IngressExpiry)
	}
	if c.Agent.RateLimit.RPS < 0 || c.Agent.RateLimit.Burst < 0 {
		return errors.New("agent.rateLimit values must not be negative")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger. Every handler is wrapped so key
// material never reaches the output.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := c.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if c.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(privacylog.WrapHandler(h))
}
