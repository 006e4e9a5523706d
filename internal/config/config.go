// Package config loads runtime configuration for the API and worker services via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	AI        AIConfig        `mapstructure:"ai"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Sheets    SheetsConfig    `mapstructure:"sheets"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Export    ExportConfig    `mapstructure:"export"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"http_port"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// RedisConfig points at the task store. URL wins over Addr when both are set.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig controls key naming and retention.
type QueueConfig struct {
	KeyPrefix       string        `mapstructure:"key_prefix"`
	RetentionTTL    time.Duration `mapstructure:"retention_ttl"`
	DailyCounterTTL time.Duration `mapstructure:"daily_counter_ttl"`
	PerTaskEstimate time.Duration `mapstructure:"per_task_estimate"`
}

// WorkerConfig tunes the worker loop and its scheduler.
type WorkerConfig struct {
	DequeueTimeout         time.Duration `mapstructure:"dequeue_timeout"`
	IdleDelay              time.Duration `mapstructure:"idle_delay"`
	PaceDelay              time.Duration `mapstructure:"pace_delay"`
	HandlerTimeout         time.Duration `mapstructure:"handler_timeout"`
	BackoffInitial         time.Duration `mapstructure:"backoff_initial"`
	BackoffMax             time.Duration `mapstructure:"backoff_max"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
}

// RateLimitConfig configures the per-client submission token bucket.
type RateLimitConfig struct {
	Capacity     int     `mapstructure:"capacity"`
	RefillPerSec float64 `mapstructure:"refill_per_sec"`
}

// AIConfig selects and configures the scoring provider.
type AIConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// ScraperConfig configures the Apify actor client.
type ScraperConfig struct {
	Token        string        `mapstructure:"token"`
	BaseURL      string        `mapstructure:"base_url"`
	Actor        string        `mapstructure:"actor"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// SheetsConfig configures the spreadsheet sink.
type SheetsConfig struct {
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	SheetName       string `mapstructure:"sheet_name"`
	CredentialsJSON string `mapstructure:"credentials_json"`
}

// PostgresConfig enables the analysis history archive when DSN is set.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ExportConfig selects where TaskResult reports are written.
type ExportConfig struct {
	Destination string `mapstructure:"destination"`
	LocalDir    string `mapstructure:"local_dir"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
}

// NotifyConfig configures completion notifications.
type NotifyConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	PubSubProject  string        `mapstructure:"pubsub_project"`
	PubSubTopic    string        `mapstructure:"pubsub_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads configuration from an optional file and the environment. Environment
// variables use the key path with dots replaced by underscores, e.g. REDIS_ADDR.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
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
	v.SetDefault("env", "dev")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.key_prefix", "amazon")
	v.SetDefault("queue.retention_ttl", 24*time.Hour)
	v.SetDefault("queue.daily_counter_ttl", 48*time.Hour)
	v.SetDefault("queue.per_task_estimate", 10*time.Second)
	v.SetDefault("worker.dequeue_timeout", 5*time.Second)
	v.SetDefault("worker.idle_delay", time.Second)
	v.SetDefault("worker.pace_delay", 100*time.Millisecond)
	v.SetDefault("worker.handler_timeout", 10*time.Minute)
	v.SetDefault("worker.backoff_initial", 2*time.Second)
	v.SetDefault("worker.backoff_max", 5*time.Minute)
	v.SetDefault("worker.max_consecutive_failures", 10)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("ratelimit.capacity", 50)
	v.SetDefault("ratelimit.refill_per_sec", 1.0)
	v.SetDefault("ai.provider", "")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.timeout", 60*time.Second)
	v.SetDefault("ai.max_attempts", 3)
	v.SetDefault("scraper.token", "")
	v.SetDefault("scraper.base_url", "https://api.apify.com/v2")
	v.SetDefault("scraper.actor", "scraper-engine~amazon-search-scraper")
	v.SetDefault("scraper.poll_interval", 15*time.Second)
	v.SetDefault("scraper.max_wait", 5*time.Minute)
	v.SetDefault("scraper.max_attempts", 3)
	v.SetDefault("sheets.spreadsheet_id", "")
	v.SetDefault("sheets.sheet_name", "Sheet1")
	v.SetDefault("sheets.credentials_json", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("export.destination", "")
	v.SetDefault("export.local_dir", "./reports")
	v.SetDefault("export.s3_bucket", "")
	v.SetDefault("export.s3_region", "us-east-1")
	v.SetDefault("export.s3_endpoint", "")
	v.SetDefault("export.s3_path_style", false)
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.prefix", "reports")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_timeout", 30*time.Second)
	v.SetDefault("notify.pubsub_project", "")
	v.SetDefault("notify.pubsub_topic", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Redis.URL == "" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.url or redis.addr must be set")
	}
	if c.Queue.RetentionTTL <= 0 {
		return fmt.Errorf("queue.retention_ttl must be > 0")
	}
	if c.Worker.DequeueTimeout < time.Second {
		return fmt.Errorf("worker.dequeue_timeout must be >= 1s")
	}
	if c.Worker.IdleDelay > 5*time.Second {
		return fmt.Errorf("worker.idle_delay must be <= 5s")
	}
	if c.Worker.HandlerTimeout <= 0 {
		return fmt.Errorf("worker.handler_timeout must be > 0")
	}
	if c.Worker.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("worker.max_consecutive_failures must be > 0")
	}
	switch strings.ToLower(c.AI.Provider) {
	case "", "heuristic":
	case "openai", "deepseek", "anthropic", "gemini":
		if c.AI.APIKey == "" {
			return fmt.Errorf("ai.api_key must be set when ai.provider is %q", c.AI.Provider)
		}
	default:
		return fmt.Errorf("unknown ai.provider %q", c.AI.Provider)
	}
	switch strings.ToLower(c.Export.Destination) {
	case "", "local":
	case "s3":
		if c.Export.S3Bucket == "" {
			return fmt.Errorf("export.s3_bucket must be set when export.destination is s3")
		}
	case "gcs":
		if c.Export.GCSBucket == "" {
			return fmt.Errorf("export.gcs_bucket must be set when export.destination is gcs")
		}
	default:
		return fmt.Errorf("unknown export.destination %q", c.Export.Destination)
	}
	if (c.Notify.PubSubProject == "") != (c.Notify.PubSubTopic == "") {
		return fmt.Errorf("notify.pubsub_project and notify.pubsub_topic must be set together")
	}
	return nil
}
