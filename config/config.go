package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	MaxRunTime     time.Duration `mapstructure:"max_run_time"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address          string `mapstructure:"address"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	RunStreamEnabled bool   `mapstructure:"run_stream_enabled"`
	SchedulerEnabled bool   `mapstructure:"scheduler_enabled"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing   LLMRoutingConfig             `mapstructure:"routing"`
}

// LLMProviderConfig represents a single LLM provider configuration
type LLMProviderConfig struct {
	Type       string              `mapstructure:"type"` // openai, fake
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different phases
type LLMRoutingConfig struct {
	Planning  string `mapstructure:"planning"`  // outline planning
	Research  string `mapstructure:"research"`  // worker tool-use loops
	Synthesis string `mapstructure:"synthesis"` // citation-bound report generation
	Fallback  string `mapstructure:"fallback"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// AgentsConfig controls worker and supervisor behaviour.
type AgentsConfig struct {
	MaxConcurrentWorkers int           `mapstructure:"max_concurrent_workers"`
	WorkerStepBudget     int           `mapstructure:"worker_step_budget"`
	WorkerTimeout        time.Duration `mapstructure:"worker_timeout"`
	SectionRetryLimit    int           `mapstructure:"section_retry_limit"`
	ApprovalStepLimit    int           `mapstructure:"approval_step_limit"`
	AutoApproveOutline   bool          `mapstructure:"auto_approve_outline"`
	DrainWindow          time.Duration `mapstructure:"drain_window"`
}

func (a AgentsConfig) Validate() error {
	if a.MaxConcurrentWorkers < 0 {
		return fmt.Errorf("agents.max_concurrent_workers cannot be negative")
	}
	if a.WorkerStepBudget < 0 {
		return fmt.Errorf("agents.worker_step_budget cannot be negative")
	}
	return nil
}

// EvidenceConfig selects the evidence store backend.
type EvidenceConfig struct {
	Backend string        `mapstructure:"backend"` // memory, redis, postgres
	Redis   RedisConfig   `mapstructure:"redis"`
	Index   IndexConfig   `mapstructure:"index"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (e EvidenceConfig) Validate() error {
	switch e.Backend {
	case "", "memory", "redis", "postgres":
		return nil
	}
	return fmt.Errorf("evidence.backend must be one of memory, redis, postgres")
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IndexConfig controls the full-text evidence index.
type IndexConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // empty means in-memory
}

// StorageConfig contains Postgres settings for run persistence.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig contains database connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders a postgres connection string.
func (p PostgresConfig) DSN() string {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// Validate checks the aggregate configuration.
func (c *Config) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Agents.Validate(); err != nil {
		return err
	}
	return c.Evidence.Validate()
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("server.run_stream_enabled", true)
	viper.SetDefault("server.scheduler_enabled", false)
	viper.SetDefault("agents.max_concurrent_workers", 3)
	viper.SetDefault("agents.worker_step_budget", 8)
	viper.SetDefault("agents.worker_timeout", "2m")
	viper.SetDefault("agents.section_retry_limit", 1)
	viper.SetDefault("agents.drain_window", "5s")
	viper.SetDefault("evidence.backend", "memory")
	viper.SetDefault("evidence.index.enabled", true)
	viper.SetDefault("general.max_run_time", "15m")
	viper.SetDefault("general.default_timeout", "60s")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("BIOSLEUTH")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if err = config.Validate(); err != nil {
		panic(fmt.Errorf("invalid config: %w", err))
	}

	return &config
}
