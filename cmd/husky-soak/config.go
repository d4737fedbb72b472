package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable read by the soak command.
const EnvPrefix = "HUSKY_SOAK"

// Config validation errors
var (
	ErrInvalidWorkers     = errors.New("workers must be positive")
	ErrInvalidCycles      = errors.New("cycles must be positive")
	ErrInvalidMaxSize     = errors.New("max_size must be positive")
	ErrInvalidMaxLive     = errors.New("max_live must be positive")
	ErrInvalidStripes     = errors.New("stripes must be at least 2")
	ErrInvalidMemoryLimit = errors.New("memory_limit cannot be negative")
	ErrInvalidArrowEvery  = errors.New("arrow_every cannot be negative")
	ErrInvalidLinger      = errors.New("linger cannot be negative")
	ErrInvalidLogFormat   = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel    = errors.New("log_level must be debug, info, warn, or error")
)

// Config drives one soak run.
type Config struct {
	Workers int    `envconfig:"WORKERS" default:"8"`
	Cycles  int    `envconfig:"CYCLES" default:"100000"`
	MaxSize int    `envconfig:"MAX_SIZE" default:"8192"`
	MaxLive int    `envconfig:"MAX_LIVE" default:"64"`
	Seed    uint64 `envconfig:"SEED" default:"1"`
	// ArrowEvery builds an Arrow array every N cycles per worker; 0 disables it
	ArrowEvery int `envconfig:"ARROW_EVERY" default:"1000"`

	Stripes     int   `envconfig:"STRIPES" default:"4"`
	MemoryLimit int64 `envconfig:"MEMORY_LIMIT" default:"0"`

	// Empty addresses disable the endpoints
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""`
	HealthAddr  string `envconfig:"HEALTH_ADDR" default:""`
	// Linger keeps the endpoints up after the workload finishes
	Linger time.Duration `envconfig:"LINGER" default:"0s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		Cycles:     100000,
		MaxSize:    8192,
		MaxLive:    64,
		Seed:       1,
		ArrowEvery: 1000,
		Stripes:    4,
		LogFormat:  "json",
		LogLevel:   "info",
	}
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if cfg.Cycles <= 0 {
		return ErrInvalidCycles
	}
	if cfg.MaxSize <= 0 {
		return ErrInvalidMaxSize
	}
	if cfg.MaxLive <= 0 {
		return ErrInvalidMaxLive
	}
	if cfg.ArrowEvery < 0 {
		return ErrInvalidArrowEvery
	}
	if cfg.Stripes < 2 {
		return ErrInvalidStripes
	}
	if cfg.MemoryLimit < 0 {
		return ErrInvalidMemoryLimit
	}
	if cfg.Linger < 0 {
		return ErrInvalidLinger
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}

// LoadConfig resolves the configuration from, in increasing precedence,
// defaults, the dotenv file, the environment and command-line flags.
func LoadConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("husky-soak", flag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "dotenv file read before the environment, ignored if missing")

	var f Config
	fs.IntVar(&f.Workers, "workers", 0, "concurrent workers")
	fs.IntVar(&f.Cycles, "cycles", 0, "operations per worker")
	fs.IntVar(&f.MaxSize, "max-size", 0, "largest request in bytes")
	fs.IntVar(&f.MaxLive, "max-live", 0, "live blocks kept per worker")
	fs.Uint64Var(&f.Seed, "seed", 0, "random seed")
	fs.IntVar(&f.ArrowEvery, "arrow-every", 0, "build an Arrow array every N cycles, 0 disables")
	fs.IntVar(&f.Stripes, "stripes", 0, "arenas per size class")
	fs.Int64Var(&f.MemoryLimit, "memory-limit", 0, "mapped byte budget, 0 is unlimited")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Prometheus listen address")
	fs.StringVar(&f.HealthAddr, "health-addr", "", "gRPC health listen address")
	fs.DurationVar(&f.Linger, "linger", 0, "keep endpoints up after the run")
	fs.StringVar(&f.LogFormat, "log-format", "", "json or console")
	fs.StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", *envFile, err)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "workers":
			cfg.Workers = f.Workers
		case "cycles":
			cfg.Cycles = f.Cycles
		case "max-size":
			cfg.MaxSize = f.MaxSize
		case "max-live":
			cfg.MaxLive = f.MaxLive
		case "seed":
			cfg.Seed = f.Seed
		case "arrow-every":
			cfg.ArrowEvery = f.ArrowEvery
		case "stripes":
			cfg.Stripes = f.Stripes
		case "memory-limit":
			cfg.MemoryLimit = f.MemoryLimit
		case "metrics-addr":
			cfg.MetricsAddr = f.MetricsAddr
		case "health-addr":
			cfg.HealthAddr = f.HealthAddr
		case "linger":
			cfg.Linger = f.Linger
		case "log-format":
			cfg.LogFormat = f.LogFormat
		case "log-level":
			cfg.LogLevel = f.LogLevel
		}
	})

	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
