package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	AutoMigrate   bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AnalyticsCacheTTLSeconds int    `envconfig:"ANALYTICS_CACHE_TTL_SECONDS" default:"15"`
	Timezone                 string `envconfig:"TIMEZONE" default:"Local"`
	LowStockDefault          int    `envconfig:"LOW_STOCK_DEFAULT" default:"5"`

	InsightsURL            string `envconfig:"INSIGHTS_URL"`
	InsightsAPIKey         string `envconfig:"INSIGHTS_API_KEY"`
	InsightsTimeoutSeconds int    `envconfig:"INSIGHTS_TIMEOUT_SECONDS" default:"8"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.AnalyticsCacheTTLSeconds < 0 {
		return errors.New("ANALYTICS_CACHE_TTL_SECONDS must not be negative")
	}
	if c.InsightsTimeoutSeconds < 1 {
		return errors.New("INSIGHTS_TIMEOUT_SECONDS must be positive")
	}
	if c.LowStockDefault < 0 {
		return errors.New("LOW_STOCK_DEFAULT must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "LOG_LEVEL")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "TIMEZONE %q", c.Timezone)
	}
	return loc, nil
}

func (c Config) AnalyticsCacheTTL() time.Duration {
	return time.Duration(c.AnalyticsCacheTTLSeconds) * time.Second
}

func (c Config) InsightsTimeout() time.Duration {
	return time.Duration(c.InsightsTimeoutSeconds) * time.Second
}

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the global logger.
func (c Config) ConfigureLogging() {
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
