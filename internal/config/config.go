// Package config loads govchat configuration from config.yaml, a .env file
// and GOVCHAT_* environment variables, and initializes the global logger.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sells-group/govchat/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Backend   BackendConfig      `yaml:"backend" mapstructure:"backend"`
	Breaker   BreakerConfig      `yaml:"breaker" mapstructure:"breaker"`
	Retry     RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Settings  model.ChatSettings `yaml:"settings" mapstructure:"settings"`
	Ingest    IngestConfig       `yaml:"ingest" mapstructure:"ingest"`
	Events    EventsConfig       `yaml:"events" mapstructure:"events"`
	Watch     WatchConfig        `yaml:"watch" mapstructure:"watch"`
	Server    ServerConfig       `yaml:"server" mapstructure:"server"`
	Health    HealthConfig       `yaml:"health" mapstructure:"health"`
	Log       LogConfig          `yaml:"log" mapstructure:"log"`
	Telemetry TelemetryConfig    `yaml:"telemetry" mapstructure:"telemetry"`
}

// BackendConfig configures the answering backend.
type BackendConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	QueryMode     string `yaml:"query_mode" mapstructure:"query_mode"`
	MockOnFailure bool   `yaml:"mock_on_failure" mapstructure:"mock_on_failure"`
	StatusCacheMs int    `yaml:"status_cache_ms" mapstructure:"status_cache_ms"`
}

// Timeout returns the per-request timeout.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSecs) * time.Second
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RetryConfig configures retries for health checks and watch-folder uploads.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
}

// IngestConfig configures how file ingestion progress is observed.
type IngestConfig struct {
	Progress          string `yaml:"progress" mapstructure:"progress"`
	PollIntervalMs    int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	PollTimeoutSecs   int    `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
	ProcessingDelayMs int    `yaml:"processing_delay_ms" mapstructure:"processing_delay_ms"`
	IndexDelayMs      int    `yaml:"index_delay_ms" mapstructure:"index_delay_ms"`
	// PushTimeoutSecs bounds the wait for a push confirmation before the
	// poll fallback takes over.
	PushTimeoutSecs int `yaml:"push_timeout_secs" mapstructure:"push_timeout_secs"`
}

// EventsConfig configures the NATS ingestion status feed.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url" mapstructure:"nats_url"`
	Subject string `yaml:"subject" mapstructure:"subject"`
}

// WatchConfig configures the watch-folder uploader.
type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms" mapstructure:"debounce_ms"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// HealthConfig configures the backend health monitor and its alerts.
type HealthConfig struct {
	IntervalSecs          int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	DownAfter             int     `yaml:"down_after" mapstructure:"down_after"`
	FallbackRateThreshold float64 `yaml:"fallback_rate_threshold" mapstructure:"fallback_rate_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `yaml:"level" mapstructure:"level"`
	Format    string `yaml:"format" mapstructure:"format"`
	File      string `yaml:"file" mapstructure:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// Progress modes for IngestConfig.Progress.
const (
	ProgressPoll  = "poll"
	ProgressTimer = "timer"
	ProgressPush  = "push"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	// A missing .env is normal; values already in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GOVCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := model.DefaultSettings()
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout_secs", 30)
	v.SetDefault("backend.query_mode", "get")
	v.SetDefault("backend.mock_on_failure", false)
	v.SetDefault("backend.status_cache_ms", 2000)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.reset_timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("settings.use_openai", defaults.UseOpenAI)
	v.SetDefault("settings.top_k", defaults.TopK)
	v.SetDefault("settings.chunk_size", defaults.ChunkSize)
	v.SetDefault("settings.chunk_overlap", defaults.ChunkOverlap)
	v.SetDefault("settings.model_name", defaults.ModelName)
	v.SetDefault("settings.embed_model", defaults.EmbedModel)
	v.SetDefault("ingest.progress", ProgressPoll)
	v.SetDefault("ingest.poll_interval_ms", 1000)
	v.SetDefault("ingest.poll_timeout_secs", 300)
	v.SetDefault("ingest.processing_delay_ms", 1000)
	v.SetDefault("ingest.index_delay_ms", 2000)
	v.SetDefault("ingest.push_timeout_secs", 60)
	v.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("events.subject", "ingest.status")
	v.SetDefault("watch.debounce_ms", 500)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("health.interval_secs", 30)
	v.SetDefault("health.down_after", 2)
	v.SetDefault("health.fallback_rate_threshold", 0.5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "govchat")

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

// Validate checks the configuration for the given mode: "client" for
// commands that talk to the backend, "serve" for the HTTP facade.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "client":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	}
	switch c.Backend.QueryMode {
	case "get", "post":
	default:
		errs = append(errs, fmt.Sprintf("backend.query_mode must be get or post, got %q", c.Backend.QueryMode))
	}
	switch c.Ingest.Progress {
	case ProgressPoll, ProgressTimer:
	case ProgressPush:
		if c.Events.NATSURL == "" {
			errs = append(errs, "events.nats_url is required when ingest.progress is push")
		}
	default:
		errs = append(errs, fmt.Sprintf("ingest.progress must be poll, timer or push, got %q", c.Ingest.Progress))
	}
	if err := c.Settings.Validate(); err != nil {
		errs = append(errs, "settings: "+err.Error())
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger. When cfg.File is set, log
// entries are also written as JSON to a size-rotated file.
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

	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)
	return nil
}
