// Package config loads fathom's service configuration from fathom.yaml with
// environment overrides, and hot-reloads orchestration defaults on file change.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// OrchestrationConfig holds the per-run defaults applied when a request leaves
// a knob unset. Reloadable at runtime.
type OrchestrationConfig struct {
	MaxIterations      int    `mapstructure:"max_iterations" yaml:"max_iterations"`
	Parallelism        int    `mapstructure:"parallelism" yaml:"parallelism"`
	MaxResultsPerQuery int    `mapstructure:"max_results_per_query" yaml:"max_results_per_query"`
	MaxPagesPerTask    int    `mapstructure:"max_pages_per_task" yaml:"max_pages_per_task"`
	DetailLevel        string `mapstructure:"detail_level" yaml:"detail_level"`
	TaskTimeoutSeconds int    `mapstructure:"task_timeout_seconds" yaml:"task_timeout_seconds"`
}

// ProviderConfig configures the capability service client.
type ProviderConfig struct {
	URL          string  `mapstructure:"url" yaml:"url"`
	ModelTier    string  `mapstructure:"model_tier" yaml:"model_tier"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateBurst    int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// DatabaseConfig configures the Postgres memory store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
}

// Config is the full service configuration.
type Config struct {
	Orchestration OrchestrationConfig `mapstructure:"orchestration" yaml:"orchestration"`
	Provider      ProviderConfig      `mapstructure:"provider" yaml:"provider"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Redis         struct {
		URL string `mapstructure:"url" yaml:"url"`
	} `mapstructure:"redis" yaml:"redis"`
	Temporal struct {
		HostPort  string `mapstructure:"host_port" yaml:"host_port"`
		Namespace string `mapstructure:"namespace" yaml:"namespace"`
		TaskQueue string `mapstructure:"task_queue" yaml:"task_queue"`
	} `mapstructure:"temporal" yaml:"temporal"`
	Streaming struct {
		RingCapacity int `mapstructure:"ring_capacity" yaml:"ring_capacity"`
	} `mapstructure:"streaming" yaml:"streaming"`
	Metrics struct {
		Port int `mapstructure:"port" yaml:"port"`
	} `mapstructure:"metrics" yaml:"metrics"`
	Logging struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"logging" yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Orchestration = OrchestrationConfig{
		MaxIterations:      2,
		Parallelism:        3,
		MaxResultsPerQuery: 5,
		MaxPagesPerTask:    3,
		DetailLevel:        "standard",
		TaskTimeoutSeconds: 300,
	}
	cfg.Provider = ProviderConfig{
		ModelTier:    "medium",
		RateLimitRPS: 10,
		RateBurst:    20,
	}
	cfg.Database = DatabaseConfig{
		Host:     "postgres",
		Port:     5432,
		User:     "fathom",
		Database: "fathom",
		SSLMode:  "disable",
	}
	cfg.Temporal.HostPort = "temporal:7233"
	cfg.Temporal.Namespace = "default"
	cfg.Temporal.TaskQueue = "fathom-research"
	cfg.Streaming.RingCapacity = 256
	cfg.Metrics.Port = 2112
	cfg.Logging.Level = "info"
	return cfg
}

// Path returns the active config file path: CONFIG_PATH or the compose default.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "/app/config/fathom.yaml"
}

// Load reads the config file and applies environment overrides. A missing file
// is not an error; defaults plus env apply.
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(Path())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if u := os.Getenv("PROVIDER_URL"); u != "" {
		cfg.Provider.URL = u
	}
	if h := os.Getenv("POSTGRES_HOST"); h != "" {
		cfg.Database.Host = h
	}
	if p := os.Getenv("POSTGRES_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			cfg.Database.Port = n
		}
	}
	if u := os.Getenv("POSTGRES_USER"); u != "" {
		cfg.Database.User = u
	}
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Database.Password = pw
	}
	if d := os.Getenv("POSTGRES_DB"); d != "" {
		cfg.Database.Database = d
	}
	if r := os.Getenv("REDIS_URL"); r != "" {
		cfg.Redis.URL = r
	}
	if t := os.Getenv("TEMPORAL_HOST"); t != "" {
		cfg.Temporal.HostPort = t
	}
	if q := os.Getenv("TEMPORAL_TASK_QUEUE"); q != "" {
		cfg.Temporal.TaskQueue = q
	}
	if p := os.Getenv("METRICS_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			cfg.Metrics.Port = n
		}
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.Logging.Level = l
	}
}

// WriteDefault writes the built-in configuration to path. Used by
// `fathomctl config-init` to seed an editable file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
