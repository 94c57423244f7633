package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all process configuration. Enforcement settings live in the
// settings package and are reloaded per invocation.
type Config struct {
	// Platform Connection
	PlatformURL          string        `koanf:"platform_url"`
	PlatformAuthURL      string        `koanf:"platform_auth_url"`
	PlatformClientID     string        `koanf:"platform_client_id"`
	PlatformClientSecret string        `koanf:"platform_client_secret"`
	PlatformUsername     string        `koanf:"platform_username"`
	PlatformPassword     string        `koanf:"platform_password"`
	PlatformUserAgent    string        `koanf:"platform_user_agent"`
	PlatformHTTPTimeout  time.Duration `koanf:"platform_http_timeout"`
	PlatformAPIDebug     bool          `koanf:"platform_api_debug"`
	SessionReauthMinGap  time.Duration `koanf:"session_reauth_min_gap"`

	// Community
	Subreddit      string `koanf:"subreddit"`
	AppAccountName string `koanf:"app_account_name"`

	// Storage
	StoreBackend string `koanf:"store_backend"`
	DataDir      string `koanf:"data_dir"`
	RedisURL     string `koanf:"redis_url"`
	RedisPrefix  string `koanf:"redis_prefix"`

	// Enforcement settings source
	SettingsFile string `koanf:"settings_file"`

	// Pipeline timing
	SettleDelay           time.Duration `koanf:"settle_delay"`
	DedupTTL              time.Duration `koanf:"dedup_ttl"`
	SweepCron             string        `koanf:"sweep_cron"`
	SweepBatchSize        int           `koanf:"sweep_batch_size"`
	RecheckInterval       time.Duration `koanf:"recheck_interval"`
	SchedulerPollInterval time.Duration `koanf:"scheduler_poll_interval"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	WebhookAddr     string        `koanf:"webhook_addr"`
	WebhookSecret   string        `koanf:"webhook_secret"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.PlatformURL, &c.PlatformAuthURL, &c.PlatformClientID, &c.PlatformClientSecret,
		&c.PlatformUsername, &c.PlatformPassword, &c.PlatformUserAgent,
		&c.Subreddit, &c.AppAccountName,
		&c.StoreBackend, &c.DataDir, &c.RedisURL, &c.RedisPrefix,
		&c.SettingsFile, &c.SweepCron,
		&c.LogLevel, &c.LogFormat, &c.MetricsAddr, &c.HealthAddr, &c.WebhookAddr, &c.WebhookSecret,
	} {
		*p = stripEnvQuotes(*p)
	}
	c.Subreddit = strings.TrimPrefix(c.Subreddit, "r/")
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"platform_url":            "https://oauth.reddit.com",
		"platform_auth_url":       "https://www.reddit.com/api/v1/access_token",
		"platform_user_agent":     "ban-evasion-guard",
		"platform_http_timeout":   "15s",
		"session_reauth_min_gap":  "5s",
		"store_backend":           "bbolt",
		"data_dir":                "/data",
		"redis_prefix":            "ban-evasion-guard",
		"settings_file":           "/config/settings.yaml",
		"settle_delay":            "10s",
		"dedup_ttl":               "1h",
		"sweep_cron":              "0 6 * * *",
		"sweep_batch_size":        50,
		"recheck_interval":        "672h",
		"scheduler_poll_interval": "1s",
		"pool_workers":            4,
		"pool_queue_depth":        1024,
		"pool_max_retries":        3,
		"pool_retry_base":         "1s",
		"log_level":               "info",
		"log_format":              "json",
		"metrics_enabled":         true,
		"metrics_addr":            ":9090",
		"health_addr":             ":8081",
		"webhook_addr":            ":8080",
		"janitor_interval":        "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps env vars with "_" flat: PLATFORM_URL → "platform_url".
	k := koanf.New(".")

	if err := k.Load(MapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.sanitise()
	if cfg.AppAccountName == "" {
		cfg.AppAccountName = cfg.PlatformUsername
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.Subreddit == "" {
		return fmt.Errorf("SUBREDDIT is required")
	}
	if c.PlatformClientID == "" || c.PlatformClientSecret == "" {
		return fmt.Errorf("PLATFORM_CLIENT_ID and PLATFORM_CLIENT_SECRET are required")
	}
	if c.PlatformUsername == "" || c.PlatformPassword == "" {
		return fmt.Errorf("PLATFORM_USERNAME and PLATFORM_PASSWORD are required")
	}

	for _, pair := range []struct{ name, url string }{
		{"PLATFORM_URL", c.PlatformURL},
		{"PLATFORM_AUTH_URL", c.PlatformAuthURL},
	} {
		if !strings.HasPrefix(pair.url, "http://") && !strings.HasPrefix(pair.url, "https://") {
			return fmt.Errorf("%s must start with http:// or https://; got %q", pair.name, pair.url)
		}
	}

	switch c.StoreBackend {
	case "bbolt":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required for the bbolt store")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be bbolt or redis; got %q", c.StoreBackend)
	}

	if _, err := cron.ParseStandard(c.SweepCron); err != nil {
		return fmt.Errorf("SWEEP_CRON is invalid: %w", err)
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be >= 1; got %d", c.SweepBatchSize)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY must be >= 0; got %s", c.SettleDelay)
	}
	if c.DedupTTL <= c.SettleDelay {
		return fmt.Errorf("DEDUP_TTL must exceed SETTLE_DELAY; got %s <= %s", c.DedupTTL, c.SettleDelay)
	}
	if c.RecheckInterval <= 0 {
		return fmt.Errorf("RECHECK_INTERVAL must be > 0; got %s", c.RecheckInterval)
	}
	if c.SchedulerPollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be > 0; got %s", c.SchedulerPollInterval)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"platform_client_id",
	"platform_client_secret",
	"platform_username",
	"platform_password",
	"webhook_secret",
	"redis_url",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		filePath := k.String(key + "_file")
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// MapProvider implements koanf.Provider for a map[string]interface{}.
type MapProvider map[string]interface{}

// Read returns the config map directly (no Parser needed).
func (m MapProvider) Read() (map[string]interface{}, error) {
	return m, nil
}

// ReadBytes is not used; koanf calls Read() when no Parser is given.
func (m MapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("MapProvider does not support ReadBytes")
}
