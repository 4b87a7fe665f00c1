// Package config loads engine configuration from environment variables and
// an optional YAML file via spf13/viper, layered as defaults, then file,
// then environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds all configuration for the engine process.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MessageQueue  MessageQueueConfig  `mapstructure:"message_queue"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type GRPCConfig struct {
	Address string `mapstructure:"address"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MessageQueueConfig struct {
	URL      string         `mapstructure:"url"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type QueuesConfig struct {
	EventNotification string `mapstructure:"event_notification"`
}

type ConsumerConfig struct {
	PrefetchCount int           `mapstructure:"prefetch_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// EngineConfig carries the execution-engine tunables.
type EngineConfig struct {
	MaxConcurrency            int           `mapstructure:"max_concurrency"`
	DefaultStepTimeoutSeconds int           `mapstructure:"default_step_timeout_seconds"`
	TimeoutScanIntervalSecs   int           `mapstructure:"timeout_scan_interval_seconds"`
	MaxOptimisticRetryAttempts int          `mapstructure:"max_optimistic_retry_attempts"`
	OptimisticRetryBaseDelay  time.Duration `mapstructure:"optimistic_retry_base_delay"`
	SystemUserID              string        `mapstructure:"system_user_id"`
	InitiatorRatePerSecond    float64       `mapstructure:"initiator_rate_per_second"`
	InitiatorRateBurst        int           `mapstructure:"initiator_rate_burst"`
}

// RetentionConfig carries the retention sweep schedule and window.
type RetentionConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	ScheduleHour  int    `mapstructure:"schedule_hour"`
	ScheduleMin   int    `mapstructure:"schedule_minute"`
	BatchSize     int    `mapstructure:"batch_size"`
	Timezone      string `mapstructure:"timezone"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
	WindowSize        time.Duration `mapstructure:"window_size"`
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/pipeflow")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "pipeflow-engine")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	viper.SetDefault("grpc.address", ":50051")
	viper.SetDefault("http.address", ":8080")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("message_queue.queues.event_notification", "event.notification")
	viper.SetDefault("message_queue.consumer.prefetch_count", 50)
	viper.SetDefault("message_queue.consumer.retry_delay", "5s")

	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "pipeflow-engine")
	viper.SetDefault("observability.environment", "development")

	viper.SetDefault("engine.max_concurrency", 16)
	viper.SetDefault("engine.default_step_timeout_seconds", 300)
	viper.SetDefault("engine.timeout_scan_interval_seconds", 5)
	viper.SetDefault("engine.max_optimistic_retry_attempts", 5)
	viper.SetDefault("engine.optimistic_retry_base_delay", "50ms")
	viper.SetDefault("engine.system_user_id", "system")
	viper.SetDefault("engine.initiator_rate_per_second", 10.0)
	viper.SetDefault("engine.initiator_rate_burst", 20)

	viper.SetDefault("retention.retention_days", 90)
	viper.SetDefault("retention.schedule_hour", 2)
	viper.SetDefault("retention.schedule_minute", 0)
	viper.SetDefault("retention.batch_size", 100)
	viper.SetDefault("retention.timezone", "Local")

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_second", 100)
	viper.SetDefault("rate_limit.burst_size", 200)
	viper.SetDefault("rate_limit.window_size", "1m")
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "NODE_ENV")

	viper.BindEnv("grpc.address", "GRPC_ADDR")
	viper.BindEnv("http.address", "HTTP_ADDR")

	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("message_queue.url", "RABBITMQ_URL")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("engine.max_concurrency", "ENGINE_CONCURRENCY")
	viper.BindEnv("engine.default_step_timeout_seconds", "STEP_DEFAULT_TIMEOUT_SECONDS")
	viper.BindEnv("engine.max_optimistic_retry_attempts", "OPTIMISTIC_RETRY_MAX")
	viper.BindEnv("retention.retention_days", "RETENTION_DAYS")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.MessageQueue.URL == "" {
		return fmt.Errorf("message_queue.url is required")
	}
	if cfg.Engine.MaxConcurrency <= 0 {
		return fmt.Errorf("engine.max_concurrency must be greater than 0")
	}
	if cfg.Retention.RetentionDays <= 0 {
		return fmt.Errorf("retention.retention_days must be greater than 0")
	}
	return nil
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value.
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value.
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
