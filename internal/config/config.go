package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Upstream    UpstreamConfig
	Rotation    RotationConfig
	RateLimit   RateLimitConfig
	Admission   AdmissionConfig
	Retry       RetryConfig
	Metrics     MetricsConfig
	Credentials CredentialsConfig
	Auth        AuthConfig
}

type ServerConfig struct {
	Host string
	Port int
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type UpstreamConfig struct {
	BaseURL        string
	ClientVersion  string
	Timezone       string
	ProxyURL       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

type RotationConfig struct {
	Interval time.Duration
}

type RateLimitConfig struct {
	Limit   int
	Window  time.Duration
	Penalty time.Duration
}

type AdmissionConfig struct {
	Threshold       int
	NormalWait      time.Duration
	ExtendedWait    time.Duration
	PriorityWait    time.Duration
	RejectOnTimeout bool
}

type RetryConfig struct {
	MaxAttempts int
}

type MetricsConfig struct {
	Enabled bool
}

type CredentialsConfig struct {
	// WatchFile is a newline-separated cookie list imported on change.
	WatchFile string
}

type AuthConfig struct {
	// Cookies are imported into the credential pool at startup and serve
	// as the last-resort fallback when the pool is empty.
	Cookies    []string
	AdminToken string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3010,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api2.cursor.sh",
			ClientVersion:  "0.48.7",
			Timezone:       "Asia/Shanghai",
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    5 * time.Minute,
		},
		Rotation: RotationConfig{
			Interval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Limit:   3,
			Window:  time.Minute,
			Penalty: 5 * time.Minute,
		},
		Admission: AdmissionConfig{
			Threshold:    10,
			NormalWait:   60 * time.Second,
			ExtendedWait: 120 * time.Second,
			PriorityWait: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the YAML file backend, environment
// variables, and the local secrets file.
//
// The file lives at $XDG_CONFIG_HOME/cursorgw/config.yaml and holds a flat
// map of dotted keys. Environment variables (CURSORGW_*) override file
// values; PORT and AUTH_COOKIE are honoured for compatibility with older
// deployments.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsReader{})
}

// secrets abstracts the secrets file for testing.
type secrets interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, sec secrets) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if len(cfg.Auth.Cookies) == 0 {
		if v, err := sec.Get("cursorgw", "auth_cookies"); err == nil && v != "" {
			cfg.Auth.Cookies = SplitCookies(v)
		}
	}
	if cfg.Auth.AdminToken == "" {
		if v, err := sec.Get("cursorgw", "admin_token"); err == nil {
			cfg.Auth.AdminToken = v
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("invalid config: ratelimit.limit must be positive")
	}
	if c.Admission.Threshold <= 0 {
		return fmt.Errorf("invalid config: admission.threshold must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("invalid config: retry.max_attempts must not be negative")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("missing required config: upstream.base_url")
	}
	return nil
}

// SplitCookies splits a comma-separated cookie list, dropping blanks.
func SplitCookies(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// GetAdminToken returns the admin bearer token, generating and persisting
// one in the secrets file if none is configured.
func GetAdminToken(cfg Config) (string, error) {
	if cfg.Auth.AdminToken != "" {
		return cfg.Auth.AdminToken, nil
	}
	if v, err := (secretsReader{}).Get("cursorgw", "admin_token"); err == nil && v != "" {
		return v, nil
	}
	tok, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generating admin token: %w", err)
	}
	if err := secretSet("cursorgw", "admin_token", tok); err != nil {
		return "", fmt.Errorf("saving admin token: %w", err)
	}
	return tok, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "cursorgw-data"
		}
	}
	return filepath.Join(dir, "cursorgw")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "cursorgw", "config.yaml")
}
