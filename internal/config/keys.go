package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	aliases []string // legacy env vars, consulted when env is unset
	secret  bool
	account string // secrets file account for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "CURSORGW_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "CURSORGW_SERVER_PORT", aliases: []string{"PORT"},
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CURSORGW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CURSORGW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "CURSORGW_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "upstream.base_url", typ: kString, env: "CURSORGW_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = strings.TrimRight(v.(string), "/") },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.client_version", typ: kString, env: "CURSORGW_UPSTREAM_CLIENT_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Upstream.ClientVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.ClientVersion },
	},
	{
		key: "upstream.timezone", typ: kString, env: "CURSORGW_UPSTREAM_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Timezone },
	},
	{
		key: "upstream.proxy_url", typ: kString, env: "CURSORGW_UPSTREAM_PROXY_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.ProxyURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.ProxyURL },
	},
	{
		key: "upstream.connect_timeout", typ: kDuration, env: "CURSORGW_UPSTREAM_CONNECT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.ConnectTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.ConnectTimeout },
	},
	{
		key: "upstream.read_timeout", typ: kDuration, env: "CURSORGW_UPSTREAM_READ_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.ReadTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.ReadTimeout },
	},
	{
		key: "rotation.interval", typ: kDuration, env: "CURSORGW_ROTATION_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Rotation.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rotation.Interval },
	},
	{
		key: "ratelimit.limit", typ: kInt, env: "CURSORGW_RATELIMIT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Limit },
	},
	{
		key: "ratelimit.window", typ: kDuration, env: "CURSORGW_RATELIMIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Window },
	},
	{
		key: "ratelimit.penalty", typ: kDuration, env: "CURSORGW_RATELIMIT_PENALTY",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Penalty = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Penalty },
	},
	{
		key: "admission.threshold", typ: kInt, env: "CURSORGW_ADMISSION_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Admission.Threshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Admission.Threshold },
	},
	{
		key: "admission.normal_wait", typ: kDuration, env: "CURSORGW_ADMISSION_NORMAL_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Admission.NormalWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Admission.NormalWait },
	},
	{
		key: "admission.extended_wait", typ: kDuration, env: "CURSORGW_ADMISSION_EXTENDED_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Admission.ExtendedWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Admission.ExtendedWait },
	},
	{
		key: "admission.priority_wait", typ: kDuration, env: "CURSORGW_ADMISSION_PRIORITY_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Admission.PriorityWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Admission.PriorityWait },
	},
	{
		key: "admission.reject_on_timeout", typ: kBool, env: "CURSORGW_ADMISSION_REJECT_ON_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Admission.RejectOnTimeout = v.(bool) },
		extract: func(cfg Config) any { return cfg.Admission.RejectOnTimeout },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "CURSORGW_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "CURSORGW_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
	{
		key: "credentials.watch_file", typ: kString, env: "CURSORGW_CREDENTIALS_WATCH_FILE",
		apply:   func(cfg *Config, v any) { cfg.Credentials.WatchFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.WatchFile },
	},
	{
		key: "auth.cookies", typ: kString, env: "CURSORGW_AUTH_COOKIES", aliases: []string{"AUTH_COOKIE"},
		secret: true, account: "auth_cookies",
		apply:   func(cfg *Config, v any) { cfg.Auth.Cookies = SplitCookies(v.(string)) },
		extract: func(cfg Config) any { return strings.Join(cfg.Auth.Cookies, ",") },
	},
	{
		key: "auth.admin_token", typ: kString, env: "CURSORGW_ADMIN_TOKEN",
		secret: true, account: "admin_token",
		apply:   func(cfg *Config, v any) { cfg.Auth.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.AdminToken },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || v == "" {
			continue
		}
		if parsed, err := parseValue(s.typ, v); err == nil {
			s.apply(cfg, parsed)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := lookupEnv(s)
		if raw == "" {
			continue
		}
		if parsed, err := parseValue(s.typ, raw); err == nil {
			s.apply(cfg, parsed)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", name, raw, err)
		}
	}
}

func lookupEnv(s keySpec) (string, string) {
	if s.env != "" {
		if v := os.Getenv(s.env); v != "" {
			return s.env, v
		}
	}
	for _, a := range s.aliases {
		if v := os.Getenv(a); v != "" {
			return a, v
		}
	}
	return "", ""
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration")
		}
		return d, nil
	default:
		return raw, nil
	}
}
