package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration, resolved in priority order: flags,
// FORMFLOW_* environment variables, config file, defaults.
type Config struct {
	StorageDir    string      `mapstructure:"storage_dir"`
	Workers       int         `mapstructure:"workers"`
	MaxIterations int         `mapstructure:"max_iterations"`
	TopK          int         `mapstructure:"top_k"`
	Trace         bool        `mapstructure:"trace"`
	LLM           LLMConfig   `mapstructure:"llm"`
	Redis         RedisConfig `mapstructure:"redis"`
	Retry         RetryConfig `mapstructure:"retry"`
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// RedisConfig configures the optional Redis review store. Disabled by
// default; the CLI falls back to in-memory prompts when off.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// RetryConfig holds the retry budgets for schema extraction and field
// queries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     string        `mapstructure:"backoff"`
	InitialWait time.Duration `mapstructure:"initial_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

const configFile = ".formflow.yaml"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetDefault("storage_dir", "./storage")
	v.SetDefault("workers", 5)
	v.SetDefault("max_iterations", 10)
	v.SetDefault("top_k", 5)
	v.SetDefault("trace", false)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.db", 4)
	v.SetDefault("redis.key_prefix", "formflow:review")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", "exponential")
	v.SetDefault("retry.initial_wait", time.Second)
	v.SetDefault("retry.max_wait", 15*time.Second)

	v.SetEnvPrefix("FORMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional.
	_ = v.ReadInConfig()
	return v
}

// Path returns the config file location.
func Path() string {
	return configFile
}

// Load resolves the effective configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
