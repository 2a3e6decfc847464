package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	HaikuModel     string  `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel    string  `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	RequestsPerMin int     `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	MaxTokensBase  int64   `yaml:"max_tokens_base" mapstructure:"max_tokens_base"`
	Temperature    float64 `yaml:"temperature" mapstructure:"temperature"`
}

// PipelineConfig configures the extraction and clustering stages.
type PipelineConfig struct {
	ExtractBatchSize int `yaml:"extract_batch_size" mapstructure:"extract_batch_size"`
	ExtractMaxLimit  int `yaml:"extract_max_limit" mapstructure:"extract_max_limit"`
	DefaultLimit     int `yaml:"default_limit" mapstructure:"default_limit"`
	BriefMaxListings int `yaml:"brief_max_listings" mapstructure:"brief_max_listings"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and environment.
func Load() (*Config, error) {
	// .env is optional; values become visible to viper's AutomaticEnv.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// The API key commonly lives in the conventional env var rather than
	// the prefixed one.
	if cfg.Anthropic.Key == "" {
		cfg.Anthropic.Key = os.Getenv("ANTHROPIC_API_KEY")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "radar.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.requests_per_min", 50)
	v.SetDefault("anthropic.max_tokens_base", 1024)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("pipeline.extract_batch_size", 10)
	v.SetDefault("pipeline.extract_max_limit", 500)
	v.SetDefault("pipeline.default_limit", 20)
	v.SetDefault("pipeline.brief_max_listings", 50)
}

// WriteDefault writes a starter config.yaml with all defaults to path.
func WriteDefault(path string) error {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return eris.Wrap(err, "config: unmarshal defaults")
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return eris.Wrap(err, "config: marshal defaults")
	}
	return eris.Wrap(os.WriteFile(path, out, 0o644), "config: write file")
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
