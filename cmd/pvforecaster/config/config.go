// Package config provides configuration parsing for the PV forecaster.
//
// Command-line flags take precedence over environment variables, which take
// precedence over defaults. Data sources are described separately in a YAML
// file (see datasources.Config) referenced by --sources.
//
// Example usage:
//
//	cfg, err := config.ParseFlags(os.Args[1:])
//	if err != nil {
//		fmt.Fprintln(os.Stderr, err)
//		os.Exit(2)
//	}
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HatiCode/pvsite/pkg/storage"
	"github.com/HatiCode/pvsite/pkg/tls"
)

// Config holds all forecaster configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	TLS           tls.Config
	UpstreamTLS   tls.Config

	// SourcesFile is the YAML data source configuration.
	SourcesFile string

	// ModelURI points to a model saved with models.SaveModel. When empty,
	// Model names a baseline built from the flags below.
	ModelURI       string
	Model          string
	HorizonMinutes int
	NumHorizons    int

	PvIDs    []string
	Interval time.Duration

	Weather WeatherConfig
}

// WeatherConfig enables live Open-Meteo forecasts as an extra NWP source.
type WeatherConfig struct {
	Enabled   bool
	BaseURL   string
	Model     string
	Name      string
	Variables []string
	Refresh   time.Duration
	Tolerance time.Duration
}

// ParseFlags parses command-line arguments and environment variables into a
// Config and validates it.
func ParseFlags(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("pvforecaster", flag.ContinueOnError)

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8081"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":9091"), "gRPC listen address (empty disables gRPC)")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Storage backend: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 2*time.Hour), "Redis snapshot TTL")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for the HTTP and gRPC servers")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification")
	fs.BoolVar(&cfg.UpstreamTLS.Enabled, "upstream-tls-enabled", getEnvBool("UPSTREAM_TLS_ENABLED", false), "Present a client certificate to the live PV API")
	fs.StringVar(&cfg.UpstreamTLS.CertFile, "upstream-tls-cert-file", getEnv("UPSTREAM_TLS_CERT_FILE", ""), "Client certificate file for the live PV API")
	fs.StringVar(&cfg.UpstreamTLS.KeyFile, "upstream-tls-key-file", getEnv("UPSTREAM_TLS_KEY_FILE", ""), "Client private key file for the live PV API")
	fs.StringVar(&cfg.UpstreamTLS.CAFile, "upstream-tls-ca-file", getEnv("UPSTREAM_TLS_CA_FILE", ""), "CA certificate file verifying the live PV API")

	fs.StringVar(&cfg.SourcesFile, "sources", getEnv("SOURCES_CONFIG", ""), "YAML data source configuration (required)")
	fs.StringVar(&cfg.ModelURI, "model-uri", getEnv("MODEL_URI", ""), "Saved model: local path or redis://host:port/db/key")
	fs.StringVar(&cfg.Model, "model", getEnv("MODEL", "yesterday"), "Baseline used without --model-uri: yesterday")
	fs.IntVar(&cfg.HorizonMinutes, "horizon-minutes", getEnvInt("HORIZON_MINUTES", 15), "Horizon duration of the baseline model")
	fs.IntVar(&cfg.NumHorizons, "num-horizons", getEnvInt("NUM_HORIZONS", 48), "Number of horizons of the baseline model")

	var pvIDs string
	fs.StringVar(&pvIDs, "pv-ids", getEnv("PV_IDS", ""), "Comma separated PV ids to forecast (default: every id of the PV source)")
	fs.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", 5*time.Minute), "Forecast interval")

	var weatherVars string
	fs.BoolVar(&cfg.Weather.Enabled, "weather", getEnvBool("WEATHER_ENABLED", false), "Fetch live Open-Meteo forecasts for every site")
	fs.StringVar(&cfg.Weather.BaseURL, "weather-url", getEnv("WEATHER_URL", ""), "Open-Meteo base URL (default: public API)")
	fs.StringVar(&cfg.Weather.Model, "weather-model", getEnv("WEATHER_MODEL", ""), "Open-Meteo weather model, e.g. ukmo_seamless")
	fs.StringVar(&cfg.Weather.Name, "weather-name", getEnv("WEATHER_NAME", "openmeteo"), "NWP source name the forecasts are exposed as")
	fs.StringVar(&weatherVars, "weather-variables", getEnv("WEATHER_VARIABLES", ""), "Comma separated hourly variables (default: radiation, cloud cover and temperature)")
	fs.DurationVar(&cfg.Weather.Refresh, "weather-refresh", getEnvDuration("WEATHER_REFRESH", time.Hour), "How often weather forecasts are refetched")
	fs.DurationVar(&cfg.Weather.Tolerance, "weather-tolerance", getEnvDuration("WEATHER_TOLERANCE", 0), "Maximum age of a weather forecast (0: unlimited)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.PvIDs = splitList(pvIDs)
	cfg.Weather.Variables = splitList(weatherVars)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SourcesFile == "" {
		return errors.New("--sources is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be > 0, got %v", c.Interval)
	}
	switch c.Storage {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage)
	}
	if c.ModelURI == "" {
		if c.Model != "yesterday" {
			return fmt.Errorf("invalid model %q (must be yesterday, or set --model-uri)", c.Model)
		}
		if c.HorizonMinutes <= 0 || c.NumHorizons <= 0 {
			return fmt.Errorf("horizon-minutes and num-horizons must be > 0, got %d and %d", c.HorizonMinutes, c.NumHorizons)
		}
	}
	for _, id := range c.PvIDs {
		if err := storage.ValidateKey(id); err != nil {
			return fmt.Errorf("pv id %q: %w", id, err)
		}
	}
	if c.Weather.Enabled {
		if c.Weather.Name == "" {
			return errors.New("weather-name cannot be empty")
		}
		if c.Weather.Refresh <= 0 {
			return fmt.Errorf("weather-refresh must be > 0, got %v", c.Weather.Refresh)
		}
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := c.UpstreamTLS.Validate(); err != nil {
		return fmt.Errorf("upstream tls: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
