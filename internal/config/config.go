package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains runtime configuration for both the gateway and the
// workers. Values come from defaults, an optional config file, and
// PETQUEST_-prefixed environment variables (PETQUEST_DB_URL,
// PETQUEST_REDIS_ADDR, ...).
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBURL      string `mapstructure:"db_url"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Webhooks WebhookConfig  `mapstructure:"webhooks"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Economy  EconomyConfig  `mapstructure:"economy"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WebhookConfig holds the per-provider shared secrets. An empty secret
// disables the provider: its signatures can never verify.
type WebhookConfig struct {
	GitHubSecret      string `mapstructure:"github_secret"`
	StravaSecret      string `mapstructure:"strava_secret"`
	StravaVerifyToken string `mapstructure:"strava_verify_token"`
	ManualSecret      string `mapstructure:"manual_secret"`
}

type WorkerConfig struct {
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	BatchSize    int64         `mapstructure:"batch_size"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`

	// Reconciliation tuning.
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	AppliedSetLimit int           `mapstructure:"applied_set_limit"`

	// Startup sweep: unprocessed raw events older than SweepAge get
	// re-enqueued (covers enqueue failures after a durable admission).
	SweepAge   time.Duration `mapstructure:"sweep_age"`
	SweepLimit int           `mapstructure:"sweep_limit"`
}

type EconomyConfig struct {
	FoodCap      float64 `mapstructure:"food_cap"`
	OverflowRate float64 `mapstructure:"overflow_rate"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// Load reads configuration. configPath may be empty, in which case only
// defaults, ./config.yaml (if present) and environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PETQUEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if strings.TrimSpace(cfg.DBURL) == "" {
		return nil, errors.New("db_url required (set PETQUEST_DB_URL)")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("worker.group", "petquest-workers")
	v.SetDefault("worker.consumer", "worker-1")
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_timeout", 5*time.Second)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.retry_delay", 100*time.Millisecond)
	v.SetDefault("worker.applied_set_limit", 1000)
	v.SetDefault("worker.sweep_age", time.Minute)
	v.SetDefault("worker.sweep_limit", 100)

	v.SetDefault("economy.food_cap", 100.0)
	v.SetDefault("economy.overflow_rate", 0.5)

	v.SetDefault("cache.ttl", 5*time.Minute)
}
