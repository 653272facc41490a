// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Validation   ValidationConfig   `mapstructure:"validation"`
	DB           DBConfig           `mapstructure:"db"`
	AMQP         AMQPConfig         `mapstructure:"amqp"`
	CodeStore    CodeStoreConfig    `mapstructure:"code_store"`
	Publisher    PublisherConfig    `mapstructure:"publisher"`
	Status       StatusConfig       `mapstructure:"status"`
	Runners      RunnersConfig      `mapstructure:"runners"`

	// Channels seeds the in-memory channel config source when no database
	// backs channel configuration.
	Channels map[string]ChannelSeed `mapstructure:"channels"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// OrchestratorConfig sizes the worker pool and bounds job runtime.
type OrchestratorConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	ReportTimeout time.Duration `mapstructure:"report_timeout"`
}

// RetryConfig bounds per-job retry budgets.
type RetryConfig struct {
	MaxSimple   int           `mapstructure:"max_simple"`
	MaxWorkflow int           `mapstructure:"max_workflow"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ValidationConfig bounds candidate validation.
type ValidationConfig struct {
	ReferenceWindow int     `mapstructure:"reference_window"`
	MinSuccessRatio float64 `mapstructure:"min_success_ratio"`
}

// DBConfig controls the metadata store backend.
type DBConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// AMQPConfig controls the RabbitMQ inbound job source.
type AMQPConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Queue         string `mapstructure:"queue"`
	ConsumerTag   string `mapstructure:"consumer_tag"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
	DeclareQueue  bool   `mapstructure:"declare_queue"`
}

// CodeStoreConfig selects where generated fetcher code lives.
type CodeStoreConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects the upload/dedup backend for produced files.
type PublisherConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// StatusConfig selects the terminal-status sink.
type StatusConfig struct {
	Backend   string        `mapstructure:"backend"`
	ProjectID string        `mapstructure:"project_id"`
	Topic     string        `mapstructure:"topic"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RunnersConfig configures per-source-type execution.
type RunnersConfig struct {
	HTTP      HTTPRunnerConfig    `mapstructure:"http"`
	Browser   BrowserRunnerConfig `mapstructure:"browser"`
	Landing   LandingRunnerConfig `mapstructure:"landing"`
	RateLimit RateLimitConfig     `mapstructure:"rate_limit"`
}

// HTTPRunnerConfig configures the colly-backed runner.
type HTTPRunnerConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// BrowserRunnerConfig configures headless browser execution.
type BrowserRunnerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// RateLimitConfig paces outbound http and browser requests per host.
// An RPS of zero disables pacing.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LandingRunnerConfig configures the s3/ftp landing-directory runner.
type LandingRunnerConfig struct {
	BaseDir      string `mapstructure:"base_dir"`
	MaxFileBytes int64  `mapstructure:"max_file_bytes"`
}

// ChannelSeed describes one channel for the in-memory config source.
type ChannelSeed struct {
	SourceType string            `mapstructure:"source_type"`
	TargetURL  string            `mapstructure:"target_url"`
	Params     map[string]string `mapstructure:"params"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHERD")
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
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.queue_depth", 64)
	v.SetDefault("orchestrator.job_timeout", "15m")
	v.SetDefault("orchestrator.report_timeout", "2s")
	v.SetDefault("retry.max_simple", 3)
	v.SetDefault("retry.max_workflow", 2)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("validation.reference_window", 20)
	v.SetDefault("validation.min_success_ratio", 0.8)
	v.SetDefault("db.backend", "memory")
	v.SetDefault("amqp.enabled", false)
	v.SetDefault("amqp.queue", "fetch.jobs")
	v.SetDefault("amqp.prefetch_count", 8)
	v.SetDefault("amqp.declare_queue", true)
	v.SetDefault("code_store.backend", "memory")
	v.SetDefault("code_store.prefix", "fetchers")
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.prefix", "files")
	v.SetDefault("status.backend", "log")
	v.SetDefault("status.timeout", "5s")
	v.SetDefault("runners.http.user_agent", "fetcherd/1.0")
	v.SetDefault("runners.http.timeout", "30s")
	v.SetDefault("runners.browser.enabled", true)
	v.SetDefault("runners.browser.max_parallel", 2)
	v.SetDefault("runners.browser.navigation_timeout", "25s")
	v.SetDefault("runners.landing.base_dir", "data/landing")
	v.SetDefault("runners.rate_limit.rps", 2.0)
	v.SetDefault("runners.rate_limit.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be > 0")
	}
	if c.Orchestrator.QueueDepth <= 0 {
		return fmt.Errorf("orchestrator.queue_depth must be > 0")
	}
	if c.Retry.MaxSimple < 0 || c.Retry.MaxWorkflow < 0 {
		return fmt.Errorf("retry budgets must be >= 0")
	}
	if c.Validation.MinSuccessRatio <= 0 || c.Validation.MinSuccessRatio > 1 {
		return fmt.Errorf("validation.min_success_ratio must be in (0, 1]")
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown db.backend %q", c.DB.Backend)
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return fmt.Errorf("amqp.url must be set when amqp is enabled")
	}
	switch c.CodeStore.Backend {
	case "memory":
	case "gcs":
		if c.CodeStore.GCSBucket == "" {
			return fmt.Errorf("code_store.gcs_bucket must be set when code_store.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown code_store.backend %q", c.CodeStore.Backend)
	}
	switch c.Publisher.Backend {
	case "memory":
	case "gcs":
		if c.Publisher.GCSBucket == "" {
			return fmt.Errorf("publisher.gcs_bucket must be set when publisher.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend)
	}
	switch c.Status.Backend {
	case "log":
	case "pubsub":
		if c.Status.ProjectID == "" || c.Status.Topic == "" {
			return fmt.Errorf("status.project_id and status.topic must be set when status.backend is pubsub")
		}
	default:
		return fmt.Errorf("unknown status.backend %q", c.Status.Backend)
	}
	if c.Runners.Browser.Enabled && c.Runners.Browser.MaxParallel <= 0 {
		return fmt.Errorf("runners.browser.max_parallel must be > 0 when browser execution is enabled")
	}
	if c.Runners.RateLimit.RPS < 0 {
		return fmt.Errorf("runners.rate_limit.rps must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}
