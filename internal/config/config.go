// Package config handles YAML configuration loading with environment
// variable expansion, plus the CODEX_LB_* environment overrides applied
// on top of the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level load balancer configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Stream       StreamConfig       `yaml:"stream"`
	UsageRefresh UsageRefreshConfig `yaml:"usage_refresh"`
	ImageInline  ImageInlineConfig  `yaml:"image_inline"`
	Sticky       StickyConfig       `yaml:"sticky_sessions"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	RequestLogs  RequestLogsConfig  `yaml:"request_logs"`
	Encryption   EncryptionConfig   `yaml:"encryption"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Accounts     []AccountEntry     `yaml:"accounts"`
	Settings     *SettingsEntry     `yaml:"settings"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds store settings. AccountsURL splits the accounts
// store from the usage/log store when set; empty means one shared store.
type DatabaseConfig struct {
	URL         string `yaml:"url"`
	AccountsURL string `yaml:"accounts_url"`
}

// UpstreamConfig points at the Codex backend and its OAuth issuer.
type UpstreamConfig struct {
	BaseURL       string `yaml:"base_url"`
	AuthBaseURL   string `yaml:"auth_base_url"`
	OAuthClientID string `yaml:"oauth_client_id"`
}

// StreamConfig tunes the SSE guards.
type StreamConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	MaxEventBytes int           `yaml:"max_event_bytes"`
}

// UsageRefreshConfig tunes the usage polling loop.
type UsageRefreshConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
}

// ImageInlineConfig controls SSRF-safe image inlining.
type ImageInlineConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	MaxBytes     int64    `yaml:"max_bytes"`
}

// StickyConfig selects and tunes the sticky-session backend. URL picks a
// redis:// endpoint for the db backend; empty means sticky rows live in
// the main store.
type StickyConfig struct {
	Backend string        `yaml:"backend"` // "memory" or "db"
	URL     string        `yaml:"url"`
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// ProxyConfig tunes selection.
type ProxyConfig struct {
	SnapshotTTL       time.Duration `yaml:"snapshot_ttl"`
	SelectionStrategy string        `yaml:"selection_strategy"` // "waste_pressure" or "usage"
	MaxAttempts       int           `yaml:"max_attempts"`
}

// RequestLogsConfig tunes the request-log buffer.
type RequestLogsConfig struct {
	BufferEnabled *bool         `yaml:"buffer_enabled"`
	MaxSize       int           `yaml:"max_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushMaxBatch int           `yaml:"flush_max_batch"`
}

// BufferOn reports whether the buffer is enabled (defaults to true).
func (r RequestLogsConfig) BufferOn() bool {
	return r.BufferEnabled == nil || *r.BufferEnabled
}

// EncryptionConfig names the token encryption key file.
type EncryptionConfig struct {
	KeyFile string `yaml:"key_file"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// AccountEntry is an account seed in the config file. Token values are
// plaintext here and encrypted on bootstrap.
type AccountEntry struct {
	AccountID        string `yaml:"account_id"`
	ChatGPTAccountID string `yaml:"chatgpt_account_id"`
	Email            string `yaml:"email"`
	PlanType         string `yaml:"plan_type"`
	AccessToken      string `yaml:"access_token"`
	RefreshToken     string `yaml:"refresh_token"`
	IDToken          string `yaml:"id_token"`
}

// SettingsEntry seeds the settings row on first run.
type SettingsEntry struct {
	StickyThreadsEnabled       *bool    `yaml:"sticky_threads_enabled"`
	PreferEarlierResetAccounts bool     `yaml:"prefer_earlier_reset_accounts"`
	PinnedAccountIDs           []string `yaml:"pinned_account_ids"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// defaults returns a Config with every tunable at its documented default.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL: "codexlb.db",
		},
		Upstream: UpstreamConfig{
			BaseURL:     "https://chatgpt.com/backend-api",
			AuthBaseURL: "https://auth.openai.com",
		},
		Stream: StreamConfig{
			IdleTimeout:   300 * time.Second,
			MaxEventBytes: 2 << 20,
		},
		UsageRefresh: UsageRefreshConfig{
			Interval:         60 * time.Second,
			FetchConcurrency: 20,
		},
		ImageInline: ImageInlineConfig{
			MaxBytes: 8 << 20,
		},
		Sticky: StickyConfig{
			Backend: "memory",
			MaxSize: 10_000,
			TTL:     24 * time.Hour,
		},
		Proxy: ProxyConfig{
			SnapshotTTL:       time.Second,
			SelectionStrategy: "waste_pressure",
			MaxAttempts:       3,
		},
		RequestLogs: RequestLogsConfig{
			MaxSize:       1000,
			FlushInterval: 500 * time.Millisecond,
			FlushMaxBatch: 200,
		},
	}
}

// Load reads and parses a YAML config file, expanding ${VAR} references,
// then applies CODEX_LB_* environment overrides (env wins). An empty path
// yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the recognized CODEX_LB_* variables onto cfg.
func applyEnv(cfg *Config) {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv("CODEX_LB_" + name); ok {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := os.LookupEnv("CODEX_LB_" + name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setSeconds := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv("CODEX_LB_" + name); ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = time.Duration(n * float64(time.Second))
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := os.LookupEnv("CODEX_LB_" + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	setString("AUTH_BASE_URL", &cfg.Upstream.AuthBaseURL)
	setString("OAUTH_CLIENT_ID", &cfg.Upstream.OAuthClientID)
	setString("DATABASE_URL", &cfg.Database.URL)
	setString("ACCOUNTS_DATABASE_URL", &cfg.Database.AccountsURL)
	setString("ENCRYPTION_KEY_FILE", &cfg.Encryption.KeyFile)
	setSeconds("STREAM_IDLE_TIMEOUT_SECONDS", &cfg.Stream.IdleTimeout)
	setInt("MAX_SSE_EVENT_BYTES", &cfg.Stream.MaxEventBytes)
	setSeconds("USAGE_REFRESH_INTERVAL_SECONDS", &cfg.UsageRefresh.Interval)
	setInt("USAGE_REFRESH_FETCH_CONCURRENCY", &cfg.UsageRefresh.FetchConcurrency)
	setBool("IMAGE_INLINE_FETCH_ENABLED", &cfg.ImageInline.Enabled)
	if v, ok := os.LookupEnv("CODEX_LB_IMAGE_INLINE_ALLOWED_HOSTS"); ok {
		cfg.ImageInline.AllowedHosts = splitCSV(v)
	}
	setString("STICKY_SESSIONS_BACKEND", &cfg.Sticky.Backend)
	setSeconds("PROXY_SNAPSHOT_TTL_SECONDS", &cfg.Proxy.SnapshotTTL)
	setString("PROXY_SELECTION_STRATEGY", &cfg.Proxy.SelectionStrategy)
	if v, ok := os.LookupEnv("CODEX_LB_REQUEST_LOGS_BUFFER_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RequestLogs.BufferEnabled = &b
		}
	}
	setInt("REQUEST_LOGS_BUFFER_MAXSIZE", &cfg.RequestLogs.MaxSize)
	setSeconds("REQUEST_LOGS_FLUSH_INTERVAL_SECONDS", &cfg.RequestLogs.FlushInterval)
	setInt("REQUEST_LOGS_FLUSH_MAX_BATCH", &cfg.RequestLogs.FlushMaxBatch)
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func validate(cfg *Config) error {
	switch cfg.Sticky.Backend {
	case "memory", "db":
	default:
		return fmt.Errorf("config: sticky_sessions.backend must be \"memory\" or \"db\", got %q", cfg.Sticky.Backend)
	}
	switch cfg.Proxy.SelectionStrategy {
	case "waste_pressure", "usage":
	default:
		return fmt.Errorf("config: proxy.selection_strategy must be \"waste_pressure\" or \"usage\", got %q", cfg.Proxy.SelectionStrategy)
	}
	return nil
}
