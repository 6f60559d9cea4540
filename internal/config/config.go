// Package config loads server configuration. Environment variables are the
// primary source; an optional YAML file named by LOOMD_CONFIG overlays
// defaults for anything the environment leaves unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration.
type Config struct {
	// DatabaseURL is the Postgres DSN. Required.
	DatabaseURL string `mapstructure:"database_url"`
	// Schema prefixes the pending-run notification channel when non-default.
	Schema string `mapstructure:"schema"`
	// RedisURL selects the distributed broker; empty runs the in-memory one.
	RedisURL string `mapstructure:"redis_url"`
	// Workers is the run queue pool size.
	Workers int `mapstructure:"workers"`
	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`
	// JWTSecret enables bearer-token authorization when set.
	JWTSecret string `mapstructure:"jwt_secret"`
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load resolves configuration from the environment, overlaid on the optional
// LOOMD_CONFIG file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("workers", 10)
	v.SetDefault("listen_addr", ":2024")
	v.SetDefault("shutdown_timeout", 30*time.Second)

	if path := os.Getenv("LOOMD_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Environment wins over the file.
	if s := os.Getenv("DATABASE_URL"); s != "" {
		cfg.DatabaseURL = s
	}
	if s := os.Getenv("POSTGRES_SCHEMA"); s != "" {
		cfg.Schema = s
	}
	if s := os.Getenv("REDIS_URL"); s != "" {
		cfg.RedisURL = s
	}
	if s := os.Getenv("LANGGRAPH_WORKERS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid LANGGRAPH_WORKERS %q", s)
		}
		cfg.Workers = n
	}
	if s := os.Getenv("LOOMD_LISTEN"); s != "" {
		cfg.ListenAddr = s
	}
	if s := os.Getenv("LOOMD_JWT_SECRET"); s != "" {
		cfg.JWTSecret = s
	}
	if s := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); s != "" {
		cfg.OTLPEndpoint = s
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	return &cfg, nil
}
