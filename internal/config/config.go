package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Tavily    TavilyConfig    `yaml:"tavily" mapstructure:"tavily"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// TavilyConfig holds Tavily search/extract API settings.
type TavilyConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	SearchDepth    string  `yaml:"search_depth" mapstructure:"search_depth"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// PipelineConfig configures the discovery pipeline.
type PipelineConfig struct {
	ServiceCategory   string `yaml:"service_category" mapstructure:"service_category"`
	MaxSearchResults  int    `yaml:"max_search_results" mapstructure:"max_search_results"`
	MaxExtractWorkers int    `yaml:"max_extract_workers" mapstructure:"max_extract_workers"`
	CallTimeoutSecs   int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxToolIterations int    `yaml:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	MaxContentChars   int    `yaml:"max_content_chars" mapstructure:"max_content_chars"`
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
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("tavily.key", "")
	v.SetDefault("tavily.base_url", "https://api.tavily.com")
	v.SetDefault("tavily.search_depth", "basic")
	v.SetDefault("tavily.requests_per_sec", 5)
	v.SetDefault("pipeline.service_category", "bathroom installers")
	v.SetDefault("pipeline.max_search_results", 10)
	v.SetDefault("pipeline.max_extract_workers", 5)
	v.SetDefault("pipeline.call_timeout_secs", 60)
	v.SetDefault("pipeline.max_tool_iterations", 10)
	v.SetDefault("pipeline.max_content_chars", 12000)

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
