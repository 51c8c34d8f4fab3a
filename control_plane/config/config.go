package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the control-plane configuration, read from the environment.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":5050"`

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string `env:"DATABASE_URL"`

	// Empty RedisAddr keeps the idempotency cache in memory.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	PublicURL string `env:"BACKEND_PUBLIC_URL"`
	JWTSecret string `env:"JWT_SECRET"`

	LivenessWindow        time.Duration `env:"AGENT_LIVENESS_WINDOW" envDefault:"60s"`
	HeartbeatInterval     time.Duration `env:"AGENT_HEARTBEAT_INTERVAL" envDefault:"10s"`
	RequireHeartbeatToken bool          `env:"REQUIRE_HEARTBEAT_TOKEN" envDefault:"false"`

	// Global heartbeat storm protection.
	HeartbeatRate  float64 `env:"HEARTBEAT_RATE" envDefault:"100"`
	HeartbeatBurst int     `env:"HEARTBEAT_BURST" envDefault:"200"`
	// Per-agent heartbeat limit.
	AgentHeartbeatRate  float64 `env:"AGENT_HEARTBEAT_RATE" envDefault:"1"`
	AgentHeartbeatBurst int     `env:"AGENT_HEARTBEAT_BURST" envDefault:"5"`

	DefaultDeployDir string `env:"DEFAULT_DEPLOY_DIR" envDefault:"/var/www/deployments"`
	AgentDownloadURL string `env:"AGENT_DOWNLOAD_URL"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"15s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.LivenessWindow <= 0 {
		return errors.New("AGENT_LIVENESS_WINDOW must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("AGENT_HEARTBEAT_INTERVAL must be positive")
	}
	if c.HeartbeatInterval >= c.LivenessWindow {
		return fmt.Errorf("AGENT_HEARTBEAT_INTERVAL (%s) must be shorter than AGENT_LIVENESS_WINDOW (%s)", c.HeartbeatInterval, c.LivenessWindow)
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters long")
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	return nil
}
