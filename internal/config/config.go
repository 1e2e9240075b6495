package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/logger"
	"github.com/igm/herbstat/internal/tracer"
)

// Config holds all configuration for herbstat
type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Session  SessionConfig  `mapstructure:"session"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  tracer.Config  `mapstructure:"tracing"`
}

// ProviderConfig holds LLM provider settings. Empty BaseURL and Model fall
// back to the provider's presets.
type ProviderConfig struct {
	Type    string `mapstructure:"type" validate:"oneof=openai deepseek zhipu glm gemini"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	Driver  string `mapstructure:"driver" validate:"oneof=sqlite sqlite3 postgres postgresql"`
	Path    string `mapstructure:"path"` // SQLite file, defaults to <work_dir>/herb.db
	DSN     string `mapstructure:"dsn" validate:"required_if=Driver postgres,required_if=Driver postgresql"`
	WorkDir string `mapstructure:"work_dir" validate:"required"`
}

// SessionConfig holds the defaults applied to new sessions
type SessionConfig struct {
	Temperature     float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens" validate:"gt=0"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	BodyLimitMB  int           `mapstructure:"body_limit_mb" validate:"gt=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"` // debug, info, warn, error
	Format string `mapstructure:"format" validate:"oneof=text json"`            // text, json
	File   string `mapstructure:"file"`
}

// Logger converts the logging section for logger.Init
func (l LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:  logger.Level(l.Level),
		Format: logger.Format(l.Format),
		File:   l.File,
	}
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	workDir := filepath.Join(home, ".herbstat")

	return &Config{
		Provider: ProviderConfig{
			Type: "deepseek",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			WorkDir: workDir,
		},
		Session: SessionConfig{
			Temperature:     1.0,
			MaxOutputTokens: 1000,
			CacheTTL:        time.Hour,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			BodyLimitMB:  10,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  string(logger.LevelInfo),
			Format: string(logger.FormatText),
		},
		Tracing: tracer.Config{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "herbstat",
			SampleRatio: 1,
		},
	}
}

// apiKeyEnv lists vendor-specific key variables checked after the
// HERBSTAT_ ones.
var apiKeyEnv = map[string]string{
	"deepseek": "DEEPSEEK_API_KEY",
	"openai":   "OPENAI_API_KEY",
	"gemini":   "GEMINI_API_KEY",
	"zhipu":    "ZHIPUAI_API_KEY",
	"glm":      "ZHIPUAI_API_KEY",
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(cfg.Storage.WorkDir)
		v.AddConfigPath("/etc/herbstat")
	}

	for key, value := range cfg.toMap() {
		for sub, subValue := range value {
			v.SetDefault(key+"."+sub, subValue)
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("HERBSTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Viper does not bind nested env keys without defaults, and the key
	// may also come from the vendor's own variable.
	if cfg.Provider.APIKey == "" {
		for _, name := range []string{"HERBSTAT_PROVIDER_API_KEY", "HERBSTAT_API_KEY", apiKeyEnv[cfg.Provider.Type]} {
			if name == "" {
				continue
			}
			if key := os.Getenv(name); key != "" {
				cfg.Provider.APIKey = key
				break
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks enum and range constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// HerbStore returns the record store settings with the SQLite path resolved.
func (c *Config) HerbStore() herbstore.Config {
	path := c.Storage.Path
	if path == "" {
		path = filepath.Join(c.Storage.WorkDir, "herb.db")
	}
	return herbstore.Config{Driver: c.Storage.Driver, Path: path, DSN: c.Storage.DSN}
}

// SessionsDir is where session histories and checkpoints are written.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Storage.WorkDir, "data")
}

// EnsureWorkDir creates the working directory if it doesn't exist
func (c *Config) EnsureWorkDir() error {
	return os.MkdirAll(c.Storage.WorkDir, 0755)
}

// ConfigPath returns the path to config file
func (c *Config) ConfigPath() string {
	return filepath.Join(c.Storage.WorkDir, "config.yaml")
}

// toMap lists every setting under its snake_case key.
func (c *Config) toMap() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"provider": {
			"type":     c.Provider.Type,
			"base_url": c.Provider.BaseURL,
			"api_key":  c.Provider.APIKey,
			"model":    c.Provider.Model,
		},
		"storage": {
			"driver":   c.Storage.Driver,
			"path":     c.Storage.Path,
			"dsn":      c.Storage.DSN,
			"work_dir": c.Storage.WorkDir,
		},
		"session": {
			"temperature":       c.Session.Temperature,
			"max_output_tokens": c.Session.MaxOutputTokens,
			"cache_ttl":         c.Session.CacheTTL.String(),
		},
		"server": {
			"addr":          c.Server.Addr,
			"body_limit_mb": c.Server.BodyLimitMB,
			"read_timeout":  c.Server.ReadTimeout.String(),
			"write_timeout": c.Server.WriteTimeout.String(),
		},
		"logging": {
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"file":   c.Logging.File,
		},
		"tracing": {
			"enabled":      c.Tracing.Enabled,
			"endpoint":     c.Tracing.Endpoint,
			"insecure":     c.Tracing.Insecure,
			"service_name": c.Tracing.ServiceName,
			"sample_ratio": c.Tracing.SampleRatio,
		},
	}
}

// Save writes the current config to file
func (c *Config) Save() error {
	if err := c.EnsureWorkDir(); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(c.ConfigPath())
	for key, value := range c.toMap() {
		v.Set(key, value)
	}

	return v.WriteConfig()
}
