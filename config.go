package husky

import (
	"errors"

	errs "github.com/23skdu/husky/internal/errors"
	"github.com/23skdu/husky/internal/logging"
	"github.com/23skdu/husky/internal/memory"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "HUSKY"

// Config validation errors
var (
	ErrInvalidStripes     = errors.New("stripes must be at least 2")
	ErrInvalidMemoryLimit = errors.New("memory_limit cannot be negative")
	ErrInvalidLogFormat   = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel    = errors.New("log_level must be debug, info, warn, or error")
)

// Config configures an allocator.
type Config struct {
	// Stripes is the number of arenas per size class
	Stripes int `envconfig:"STRIPES" default:"4"`
	// MemoryLimit caps mapped bytes; 0 means unlimited
	MemoryLimit int64 `envconfig:"MEMORY_LIMIT" default:"0"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"warn"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Logger replaces the logger built from LogLevel and LogFormat.
	Logger *zap.Logger `ignored:"true"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Stripes:   memory.DefaultStripes,
		LogLevel:  "warn",
		LogFormat: "json",
	}
}

// LoadConfig reads HUSKY_* environment variables over the defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, errs.Wrap(err, errs.ErrorTypeConfiguration, "load_config", "environment parsing failed")
	}
	return cfg, nil
}

// Validate reports the first invalid field as a configuration error.
func (c *Config) Validate() error {
	var cause error
	switch {
	case c.Stripes < memory.MinStripes:
		cause = ErrInvalidStripes
	case c.MemoryLimit < 0:
		cause = ErrInvalidMemoryLimit
	case c.LogFormat != "json" && c.LogFormat != "console":
		cause = ErrInvalidLogFormat
	case c.LogLevel != "debug" && c.LogLevel != "info" && c.LogLevel != "warn" && c.LogLevel != "error":
		cause = ErrInvalidLogLevel
	default:
		return nil
	}
	return errs.Wrap(cause, errs.ErrorTypeConfiguration, "validate", "invalid allocator config")
}

func (c *Config) logger() (*zap.Logger, error) {
	if c.Logger != nil {
		return c.Logger, nil
	}
	return logging.NewLogger(logging.Config{
		Format: c.LogFormat,
		Level:  c.LogLevel,
		Name:   "husky",
	})
}
