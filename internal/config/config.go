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
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Vault   VaultConfig   `yaml:"vault" mapstructure:"vault"`
	Render  RenderConfig  `yaml:"render" mapstructure:"render"`
	Extract ExtractConfig `yaml:"extract" mapstructure:"extract"`
	Quality QualityConfig `yaml:"quality" mapstructure:"quality"`
	Audit   AuditConfig   `yaml:"audit" mapstructure:"audit"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// VaultConfig configures the encrypted artifact store. Key is 64 hex chars
// (32 bytes); without it uploads fail rather than falling back to plaintext.
type VaultConfig struct {
	KeyHex string `yaml:"key" mapstructure:"key"`
	KeyRef string `yaml:"key_ref" mapstructure:"key_ref"`
}

// RenderConfig configures page rasterization defaults.
type RenderConfig struct {
	DPI    int    `yaml:"dpi" mapstructure:"dpi"`
	Format string `yaml:"format" mapstructure:"format"`
	Width  int    `yaml:"width" mapstructure:"width"`
	Height int    `yaml:"height" mapstructure:"height"`
}

// ExtractConfig configures OCR extraction.
type ExtractConfig struct {
	Provider       string `yaml:"provider" mapstructure:"provider"` // "fallback" or "anthropic"
	AnthropicKey   string `yaml:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	AnthropicModel string `yaml:"anthropic_model" mapstructure:"anthropic_model"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FallbackBands  int    `yaml:"fallback_bands" mapstructure:"fallback_bands"`
}

// QualityConfig configures the anomaly scanner.
type QualityConfig struct {
	StalePolicy          string  `yaml:"stale_policy" mapstructure:"stale_policy"`
	MinEvidenceLocations int     `yaml:"min_evidence_locations" mapstructure:"min_evidence_locations"`
	StalenessWindowHours int     `yaml:"staleness_window_hours" mapstructure:"staleness_window_hours"`
	IntensityCap         float64 `yaml:"intensity_cap" mapstructure:"intensity_cap"`
	RulesFile            string  `yaml:"rules_file" mapstructure:"rules_file"`
}

// AuditConfig configures the async audit sink.
type AuditConfig struct {
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port              int      `yaml:"port" mapstructure:"port"`
	CORSOrigins       []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	DeepDivePerMinute int      `yaml:"deep_dive_per_minute" mapstructure:"deep_dive_per_minute"`
	ExportPerMinute   int      `yaml:"export_per_minute" mapstructure:"export_per_minute"`
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
	v.SetEnvPrefix("SCOPE3")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "scope3.db")
	v.SetDefault("vault.key_ref", "primary")
	v.SetDefault("render.dpi", 144)
	v.SetDefault("render.format", "png")
	v.SetDefault("render.width", 1224)
	v.SetDefault("render.height", 1584)
	v.SetDefault("extract.provider", "fallback")
	v.SetDefault("extract.anthropic_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("extract.timeout_secs", 30)
	v.SetDefault("extract.fallback_bands", 4)
	v.SetDefault("quality.stale_policy", "leave-open")
	v.SetDefault("quality.min_evidence_locations", 2)
	v.SetDefault("quality.staleness_window_hours", 72)
	v.SetDefault("quality.intensity_cap", 1000.0)
	v.SetDefault("audit.buffer_size", 256)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.deep_dive_per_minute", 15)
	v.SetDefault("server.export_per_minute", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
