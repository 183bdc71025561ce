// Package config loads and validates verifyd configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/verifyd/internal/ledger"
	"github.com/JakeFAU/verifyd/internal/policy/daily"
	"github.com/JakeFAU/verifyd/internal/publisher"
	"github.com/JakeFAU/verifyd/internal/storage"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Daily     DailyConfig     `mapstructure:"daily"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig sizes the worker pool and bounds each attempt.
type WorkerConfig struct {
	PoolSize        int           `mapstructure:"pool_size"`
	Cost            int64         `mapstructure:"cost"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
	MaxDeferrals    int           `mapstructure:"max_deferrals"`
	DeferralBackoff time.Duration `mapstructure:"deferral_backoff"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
}

// DailyConfig is the global verification window.
type DailyConfig struct {
	Limit       int           `mapstructure:"limit"`
	ResetOffset time.Duration `mapstructure:"reset_offset"`
	Policy      string        `mapstructure:"policy"`
}

// ProxyConfig lists egress proxies and tunes the health monitor.
type ProxyConfig struct {
	// File is a JSON array of proxy strings, merged with Addresses.
	File             string        `mapstructure:"file"`
	Addresses        []string      `mapstructure:"addresses"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	WarmupGrace      time.Duration `mapstructure:"warmup_grace"`
	ProbeAttempts    int           `mapstructure:"probe_attempts"`
	ProbeBackoff     time.Duration `mapstructure:"probe_backoff"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbesPerSecond  float64       `mapstructure:"probes_per_second"`
	ProbeURL         string        `mapstructure:"probe_url"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// CreditsConfig sets grant amounts and the voucher catalogue.
type CreditsConfig struct {
	WelcomeGrant  int64            `mapstructure:"welcome_grant"`
	ReferralBonus int64            `mapstructure:"referral_bonus"`
	Vouchers      []ledger.Voucher `mapstructure:"vouchers"`
}

// RateLimitConfig throttles submissions per user.
type RateLimitConfig struct {
	PerMinute float64 `mapstructure:"per_minute"`
	Burst     int     `mapstructure:"burst"`
}

// DatabaseConfig controls the Postgres stores. An empty DSN keeps state in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects the evidence blob store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// NotifyConfig selects where outcome notifications go.
type NotifyConfig struct {
	Backend   string     `mapstructure:"backend"`
	Topic     string     `mapstructure:"topic"`
	ProjectID string     `mapstructure:"project_id"`
	AMQP      AMQPConfig `mapstructure:"amqp"`
}

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL          string `mapstructure:"url"`
	Exchange     string `mapstructure:"exchange"`
	ExchangeType string `mapstructure:"exchange_type"`
}

// ProgressConfig controls the lifecycle event hub.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VERIFYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.max_wait", "55s")
	v.SetDefault("logging.development", false)
	v.SetDefault("worker.pool_size", 1)
	v.SetDefault("worker.cost", 1)
	v.SetDefault("worker.exec_timeout", "5m")
	v.SetDefault("worker.max_deferrals", 3)
	v.SetDefault("worker.deferral_backoff", "30s")
	v.SetDefault("worker.cooldown", "0s")
	v.SetDefault("daily.limit", 24)
	v.SetDefault("daily.reset_offset", "0s")
	v.SetDefault("daily.policy", string(daily.PolicyHold))
	v.SetDefault("proxy.failure_threshold", 5)
	v.SetDefault("proxy.probe_interval", "30m")
	v.SetDefault("proxy.warmup_grace", "15s")
	v.SetDefault("proxy.probe_attempts", 3)
	v.SetDefault("proxy.probe_backoff", "1s")
	v.SetDefault("proxy.probe_timeout", "15s")
	v.SetDefault("proxy.probes_per_second", 2)
	v.SetDefault("proxy.probe_url", "https://www.google.com/generate_204")
	v.SetDefault("proxy.user_agent", "verifyd-probe/1.0")
	v.SetDefault("credits.welcome_grant", 3)
	v.SetDefault("credits.referral_bonus", 2)
	v.SetDefault("rate_limit.per_minute", 6)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("storage.backend", string(storage.BackendMemory))
	v.SetDefault("storage.base_dir", "./evidence")
	v.SetDefault("notify.backend", string(publisher.BackendNone))
	v.SetDefault("notify.topic", "verification-results")
	v.SetDefault("notify.amqp.exchange", "verifyd")
	v.SetDefault("notify.amqp.exchange_type", "topic")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "verifyd")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.pool_size must be > 0")
	}
	if c.Worker.Cost <= 0 {
		return fmt.Errorf("worker.cost must be > 0")
	}
	if c.Worker.ExecTimeout <= 0 {
		return fmt.Errorf("worker.exec_timeout must be > 0")
	}
	if c.Daily.Limit <= 0 {
		return fmt.Errorf("daily.limit must be > 0")
	}
	switch daily.Policy(c.Daily.Policy) {
	case daily.PolicyHold, daily.PolicyReject:
	default:
		return fmt.Errorf("daily.policy must be %q or %q", daily.PolicyHold, daily.PolicyReject)
	}
	if c.Credits.WelcomeGrant < 0 || c.Credits.ReferralBonus < 0 {
		return fmt.Errorf("credit grants must be >= 0")
	}
	seen := make(map[string]bool, len(c.Credits.Vouchers))
	for _, v := range c.Credits.Vouchers {
		code := strings.ToUpper(strings.TrimSpace(v.Code))
		if code == "" || v.Amount <= 0 {
			return fmt.Errorf("voucher %q needs a code and a positive amount", v.Code)
		}
		if seen[code] {
			return fmt.Errorf("voucher %q defined twice", v.Code)
		}
		seen[code] = true
	}
	switch storage.Backend(c.Storage.Backend) {
	case storage.BackendMemory:
	case storage.BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case storage.BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch publisher.Backend(c.Notify.Backend) {
	case publisher.BackendNone, publisher.BackendMemory:
	case publisher.BackendPubSub:
		if c.Notify.ProjectID == "" {
			return fmt.Errorf("notify.project_id is required for the pubsub backend")
		}
	case publisher.BackendAMQP:
		if c.Notify.AMQP.URL == "" {
			return fmt.Errorf("notify.amqp.url is required for the amqp backend")
		}
	default:
		return fmt.Errorf("unknown notify.backend %q", c.Notify.Backend)
	}
	return nil
}

// StorageSettings converts the storage section for storage.NewBlobStore.
func (c Config) StorageSettings() storage.Config {
	return storage.Config{
		Backend: storage.Backend(c.Storage.Backend),
		BaseDir: c.Storage.BaseDir,
		Bucket:  c.Storage.Bucket,
		Prefix:  c.Storage.Prefix,
	}
}
