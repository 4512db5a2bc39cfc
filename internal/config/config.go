package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig              `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig          `yaml:"anthropic" mapstructure:"anthropic"`
	Graph      GraphConfig              `yaml:"graph" mapstructure:"graph"`
	Redis      RedisConfig              `yaml:"redis" mapstructure:"redis"`
	Breakers   map[string]BreakerConfig `yaml:"breakers" mapstructure:"breakers"`
	Retry      RetryConfig              `yaml:"retry" mapstructure:"retry"`
	Stages     map[string]StageConfig   `yaml:"stages" mapstructure:"stages"`
	Vice       ViceConfig               `yaml:"vice" mapstructure:"vice"`
	Batch      BatchConfig              `yaml:"batch" mapstructure:"batch"`
	DLQ        DLQConfig                `yaml:"dlq" mapstructure:"dlq"`
	Server     ServerConfig             `yaml:"server" mapstructure:"server"`
	Log        LogConfig                `yaml:"log" mapstructure:"log"`
	Tracing    TracingConfig            `yaml:"tracing" mapstructure:"tracing"`
	Monitoring MonitoringConfig         `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds settings for the extraction LLM.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// GraphConfig holds knowledge graph service settings.
type GraphConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RedisConfig configures the voice cache.
type RedisConfig struct {
	URL            string `yaml:"url" mapstructure:"url"`
	VoiceKeyPrefix string `yaml:"voice_key_prefix" mapstructure:"voice_key_prefix"`
}

// BreakerConfig configures one named circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeoutSecs int `yaml:"recovery_timeout_secs" mapstructure:"recovery_timeout_secs"`
	HalfOpenMaxCalls    int `yaml:"half_open_max_calls" mapstructure:"half_open_max_calls"`
}

// RetryConfig holds the backoff shape shared by every stage. The attempt
// budget itself is per stage.
type RetryConfig struct {
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// StageConfig overrides the declared timeout and retry budget of a stage.
type StageConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int `yaml:"max_retries" mapstructure:"max_retries"`
}

// Timeout returns the configured timeout, or zero when unset.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// ViceConfig configures vice signal scoring.
type ViceConfig struct {
	Lexicon map[string][]string `yaml:"lexicon" mapstructure:"lexicon"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentConversations int `yaml:"max_concurrent_conversations" mapstructure:"max_concurrent_conversations"`
}

// DLQConfig configures dead letter queue retries.
type DLQConfig struct {
	MaxRetries      int `yaml:"max_retries" mapstructure:"max_retries"`
	BaseBackoffSecs int `yaml:"base_backoff_secs" mapstructure:"base_backoff_secs"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" mapstructure:"log_spans"`
}

// MonitoringConfig configures background alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckAfterMins       int     `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("POSTCONVO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "postconvo.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("graph.timeout_secs", 20)
	v.SetDefault("redis.voice_key_prefix", "voice")
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("batch.max_concurrent_conversations", 4)
	v.SetDefault("dlq.max_retries", 3)
	v.SetDefault("dlq.base_backoff_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracing.service_name", "postconvo")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_after_mins", 30)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the keys required by the given command mode are set.
// Modes: "pipeline" (run, batch, dlq) and "serve".
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		missing = append(missing, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url is required")
	}

	switch mode {
	case "pipeline", "serve":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
		if c.Graph.BaseURL == "" {
			missing = append(missing, "graph.base_url is required")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
		if n := c.Batch.MaxConcurrentConversations; n < 1 || n > 50 {
			missing = append(missing, "batch.max_concurrent_conversations must be between 1 and 50")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	for name, b := range c.Breakers {
		if b.FailureThreshold < 0 || b.RecoveryTimeoutSecs < 0 || b.HalfOpenMaxCalls < 0 {
			missing = append(missing, "breakers."+name+" values must be >= 0")
		}
	}
	for name, s := range c.Stages {
		if s.TimeoutSecs < 0 || s.MaxRetries < 0 {
			missing = append(missing, "stages."+name+" values must be >= 0")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
