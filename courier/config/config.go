// Package config loads process configuration from defaults, an optional YAML
// file and COURIER_ environment variables, and converts it into the option
// structs of each component.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix. Nested keys use "_", so
// dispatcher.batch_size is COURIER_DISPATCHER_BATCH_SIZE.
const EnvPrefix = "COURIER"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full process configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Buffer     BufferConfig     `mapstructure:"buffer"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Proactive  ProactiveConfig  `mapstructure:"proactive"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	AI         AIConfig         `mapstructure:"ai"`
	Admin      AdminConfig      `mapstructure:"admin"`
}

// LogConfig selects the logger profile.
type LogConfig struct {
	Environment string `mapstructure:"environment"`
	Level       string `mapstructure:"level"`
}

// RedisConfig selects the store topology and pool.
type RedisConfig struct {
	Mode         string        `mapstructure:"mode"`
	Addresses    []string      `mapstructure:"addresses"`
	MasterName   string        `mapstructure:"master_name"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	CACertBase64 string        `mapstructure:"ca_cert_base64"`
}

// BufferConfig mirrors buffer.Config.
type BufferConfig struct {
	ShortTimeout       time.Duration `mapstructure:"short_timeout"`
	LongTimeout        time.Duration `mapstructure:"long_timeout"`
	MaxMessages        int           `mapstructure:"max_messages"`
	WordCountThreshold int           `mapstructure:"word_count_threshold"`
	TypingInterval     time.Duration `mapstructure:"typing_interval"`
	InactiveTTL        time.Duration `mapstructure:"inactive_ttl"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
}

// QueueConfig controls splitting.
type QueueConfig struct {
	MaxPartLength int `mapstructure:"max_part_length"`
}

// DispatcherConfig mirrors dispatcher.Config plus the lock expiry.
type DispatcherConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	Concurrency     int           `mapstructure:"concurrency"`
	TypingAction    bool          `mapstructure:"typing_action"`
	LockExpiry      time.Duration `mapstructure:"lock_expiry"`
}

// ProactiveConfig controls outreach scheduling.
type ProactiveConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinInterval      time.Duration `mapstructure:"min_interval"`
	MaxConsecutive   int           `mapstructure:"max_consecutive"`
	QuietEnabled     bool          `mapstructure:"quiet_enabled"`
	QuietStart       string        `mapstructure:"quiet_start"`
	QuietEnd         string        `mapstructure:"quiet_end"`
	QuietBuffer      time.Duration `mapstructure:"quiet_buffer"`
	Timezone         string        `mapstructure:"timezone"`
	RevocationTTL    time.Duration `mapstructure:"revocation_ttl"`
	RecoveryMin      time.Duration `mapstructure:"recovery_min"`
	RecoveryMax      time.Duration `mapstructure:"recovery_max"`
	OverdueGrace     time.Duration `mapstructure:"overdue_grace"`
	SweepSchedule    string        `mapstructure:"sweep_schedule"`
	SweepConcurrency int           `mapstructure:"sweep_concurrency"`
	HistoryBudget    int           `mapstructure:"history_budget"`
}

// TasksConfig mirrors tasks.WorkerConfig.
type TasksConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryCeiling   time.Duration `mapstructure:"retry_ceiling"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	Token         string        `mapstructure:"token"`
	APIServer     string        `mapstructure:"api_server"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	Breaker       bool          `mapstructure:"breaker"`
}

// AIConfig configures the responder.
type AIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// AdminConfig configures the operator API.
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SetDefaults registers every key with its default. Keys without a default
// are invisible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.environment", "production")
	v.SetDefault("log.level", "")

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.master_name", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.key_prefix", "courier")
	v.SetDefault("redis.ca_cert_base64", "")

	v.SetDefault("buffer.short_timeout", 3*time.Second)
	v.SetDefault("buffer.long_timeout", 8*time.Second)
	v.SetDefault("buffer.max_messages", 5)
	v.SetDefault("buffer.word_count_threshold", 50)
	v.SetDefault("buffer.typing_interval", 4*time.Second)
	v.SetDefault("buffer.inactive_ttl", 10*time.Minute)
	v.SetDefault("buffer.cleanup_interval", time.Minute)

	v.SetDefault("queue.max_part_length", 4000)

	v.SetDefault("dispatcher.scan_interval", time.Second)
	v.SetDefault("dispatcher.batch_size", 10)
	v.SetDefault("dispatcher.max_retries", 3)
	v.SetDefault("dispatcher.delivery_timeout", 15*time.Second)
	v.SetDefault("dispatcher.concurrency", 8)
	v.SetDefault("dispatcher.typing_action", true)
	v.SetDefault("dispatcher.lock_expiry", 30*time.Second)

	v.SetDefault("proactive.enabled", true)
	v.SetDefault("proactive.min_interval", 30*time.Minute)
	v.SetDefault("proactive.max_consecutive", 5)
	v.SetDefault("proactive.quiet_enabled", true)
	v.SetDefault("proactive.quiet_start", "22:00")
	v.SetDefault("proactive.quiet_end", "08:00")
	v.SetDefault("proactive.quiet_buffer", 15*time.Minute)
	v.SetDefault("proactive.timezone", "UTC")
	v.SetDefault("proactive.revocation_ttl", 40*24*time.Hour)
	v.SetDefault("proactive.recovery_min", time.Minute)
	v.SetDefault("proactive.recovery_max", 10*time.Minute)
	v.SetDefault("proactive.overdue_grace", time.Minute)
	v.SetDefault("proactive.sweep_schedule", "*/15 * * * *")
	v.SetDefault("proactive.sweep_concurrency", 8)
	v.SetDefault("proactive.history_budget", 4000)

	v.SetDefault("tasks.poll_interval", time.Second)
	v.SetDefault("tasks.batch_size", 20)
	v.SetDefault("tasks.concurrency", 4)
	v.SetDefault("tasks.max_attempts", 3)
	v.SetDefault("tasks.retry_base", 5*time.Second)
	v.SetDefault("tasks.retry_ceiling", 5*time.Minute)
	v.SetDefault("tasks.handler_timeout", time.Minute)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.api_server", "")
	v.SetDefault("telegram.rate_per_second", 25.0)
	v.SetDefault("telegram.burst", 5)
	v.SetDefault("telegram.http_timeout", 30*time.Second)
	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("telegram.breaker", true)

	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.system_prompt", "")
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.max_tokens", 0)
	v.SetDefault("ai.timeout", time.Minute)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.address", ":8080")
	v.SetDefault("admin.username", "")
	v.SetDefault("admin.password", "")
}

// New returns a viper instance with defaults and env binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads path (when non-empty) over the defaults, applies env overrides
// and validates the result.
func Load(path string) (Config, error) {
	v := New()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
