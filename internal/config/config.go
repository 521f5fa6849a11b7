// Package config loads service settings from YAML and environment
// variables with a fixed source order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Backends accepted by Storage.Backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the root configuration of the rental service. Sources are tried
// in order, first hit wins:
//  1. the path passed to Load;
//  2. the CONFIG_PATH environment variable;
//  3. ./local.yaml in the working directory;
//  4. environment variables alone.
//
// Environment variables override file values in cases 1 to 3 as well.
type Config struct {
	Env     string        `yaml:"env" env:"MEDIAART_ENV" env-default:"local"`
	HTTP    HTTPConfig    `yaml:"http"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Stream  StreamConfig  `yaml:"stream"`
}

type HTTPConfig struct {
	Host        string   `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port        string   `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	CORSOrigins []string `yaml:"cors_origins" env:"HTTP_CORS_ORIGINS" env-separator:","`
}

type GRPCConfig struct {
	Host string `yaml:"host" env:"GRPC_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"GRPC_PORT" env-default:"9090"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string { return net.JoinHostPort(h.Host, h.Port) }

// Addr returns host:port.
func (g GRPCConfig) Addr() string { return net.JoinHostPort(g.Host, g.Port) }

// StorageConfig selects where rental state lives.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"MEDIAART_BACKEND" env-default:"memory"`
	DSN     string `yaml:"dsn" env:"MEDIAART_PG_DSN"`

	// Migrate applies embedded schema migrations on start.
	Migrate bool `yaml:"migrate" env:"MEDIAART_PG_MIGRATE" env-default:"true"`
}

type AuthConfig struct {
	Secret string `yaml:"secret" env:"MEDIAART_AUTH_SECRET"`
	Issuer string `yaml:"issuer" env:"MEDIAART_AUTH_ISSUER" env-default:"mediaart"`

	// TokenTTL of zero disables POST /v1/auth/token.
	TokenTTL time.Duration `yaml:"token_ttl" env:"MEDIAART_AUTH_TOKEN_TTL" env-default:"1h"`
}

type LimitsConfig struct {
	RateBurst     int `yaml:"rate_burst" env:"RATE_BURST" env-default:"50"`
	RatePerSecond int `yaml:"rate_per_second" env:"RATE_PER_SECOND" env-default:"20"`
}

type StreamConfig struct {
	// Poll bounds delivery latency for writes committed by other processes.
	Poll      time.Duration `yaml:"poll" env:"STREAM_POLL" env-default:"1s"`
	Heartbeat time.Duration `yaml:"heartbeat" env:"STREAM_HEARTBEAT" env-default:"15s"`
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration. An explicit path or CONFIG_PATH that does
// not exist is an error rather than a silent fallback.
func Load(path string) (*Config, error) {
	var cfg Config

	file := path
	if file == "" {
		file = os.Getenv("CONFIG_PATH")
	}
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return nil, fmt.Errorf("config file does not exist: %s", file)
		}
	} else if _, err := os.Stat("local.yaml"); err == nil {
		file = "local.yaml"
	}

	if file != "" {
		if err := cleanenv.ReadConfig(file, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Storage.Backend))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Auth.TokenTTL < 0 {
		errs = append(errs, errors.New("auth.token_ttl must be >= 0"))
	}
	if c.Limits.RateBurst <= 0 || c.Limits.RatePerSecond <= 0 {
		errs = append(errs, errors.New("limits.rate_burst and limits.rate_per_second must be > 0"))
	}
	if c.Stream.Poll <= 0 || c.Stream.Heartbeat <= 0 {
		errs = append(errs, errors.New("stream.poll and stream.heartbeat must be > 0"))
	}
	return errors.Join(errs...)
}
