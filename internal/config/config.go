// internal/config/config.go
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Backend names accepted in TABPOKER_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the process configuration, read from the environment. Mains
// load a .env first via godotenv autoload.
type Config struct {
	Backend     string `env:"TABPOKER_BACKEND" envDefault:"memory"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return Config{}, fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend == BackendPostgres && c.DatabaseURL == "" {
		return Config{}, fmt.Errorf("backend %q requires DATABASE_URL", c.Backend)
	}
	return c, nil
}

// LogrusLevel maps LogLevel onto a logrus level, defaulting to Info on an
// unrecognized value.
func (c Config) LogrusLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
