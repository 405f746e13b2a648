// Package config loads and validates the engine configuration. The loaded
// Config is validated once at startup and treated as immutable for the
// lifetime of every session started with it.
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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Report    ReportConfig    `yaml:"report" mapstructure:"report"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the session store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	Path        string `yaml:"path" mapstructure:"path"`     // sqlite file path
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// EngineConfig configures the orchestration engine.
type EngineConfig struct {
	ConcurrencyLimit        int     `yaml:"concurrency_limit" mapstructure:"concurrency_limit"`
	PerTaskTimeoutSecs      int     `yaml:"per_task_timeout_secs" mapstructure:"per_task_timeout_secs"`
	TaskRetryAttempts       int     `yaml:"task_retry_attempts" mapstructure:"task_retry_attempts"`
	MaxProviderAttempts     int     `yaml:"max_provider_attempts" mapstructure:"max_provider_attempts"`
	ProviderTimeoutSecs     int     `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
	CircuitBreakerThreshold int     `yaml:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold"`
	CircuitCooldownSecs     int     `yaml:"circuit_cooldown_secs" mapstructure:"circuit_cooldown_secs"`
	QualityThreshold        float64 `yaml:"quality_threshold" mapstructure:"quality_threshold"`
	RetentionDays           int     `yaml:"retention_days" mapstructure:"retention_days"`
}

// PerTaskTimeout returns the per-task deadline as a duration.
func (e EngineConfig) PerTaskTimeout() time.Duration {
	return time.Duration(e.PerTaskTimeoutSecs) * time.Second
}

// ProviderTimeout returns the per-attempt provider deadline.
func (e EngineConfig) ProviderTimeout() time.Duration {
	return time.Duration(e.ProviderTimeoutSecs) * time.Second
}

// CircuitCooldown returns the circuit-breaker cooldown window.
func (e EngineConfig) CircuitCooldown() time.Duration {
	return time.Duration(e.CircuitCooldownSecs) * time.Second
}

// Retention returns the session retention window.
func (e EngineConfig) Retention() time.Duration {
	return time.Duration(e.RetentionDays) * 24 * time.Hour
}

// ReportConfig configures final report assembly.
type ReportConfig struct {
	MinChars int `yaml:"min_chars" mapstructure:"min_chars"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina AI reader/search settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ServerConfig configures the status/progress HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MARKETINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "marketintel.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.concurrency_limit", 4)
	v.SetDefault("engine.per_task_timeout_secs", 60)
	v.SetDefault("engine.task_retry_attempts", 3)
	v.SetDefault("engine.max_provider_attempts", 3)
	v.SetDefault("engine.provider_timeout_secs", 120)
	v.SetDefault("engine.circuit_breaker_threshold", 5)
	v.SetDefault("engine.circuit_cooldown_secs", 30)
	v.SetDefault("engine.quality_threshold", 0.6)
	v.SetDefault("engine.retention_days", 30)
	v.SetDefault("report.min_chars", 2000)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.ConcurrencyLimit <= 0 {
		return eris.New("config: engine.concurrency_limit must be positive")
	}
	if c.Engine.PerTaskTimeoutSecs <= 0 {
		return eris.New("config: engine.per_task_timeout_secs must be positive")
	}
	if c.Engine.MaxProviderAttempts <= 0 {
		return eris.New("config: engine.max_provider_attempts must be positive")
	}
	if c.Engine.CircuitBreakerThreshold <= 0 {
		return eris.New("config: engine.circuit_breaker_threshold must be positive")
	}
	if c.Engine.QualityThreshold < 0 || c.Engine.QualityThreshold > 1 {
		return eris.New("config: engine.quality_threshold must be in [0,1]")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
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
