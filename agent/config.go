package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

const configDirName = ".uptime-agent"

// Config is the persisted agent identity written by the install script.
type Config struct {
	AgentID   string `json:"agentId"`
	Token     string `json:"token"`
	ServerURL string `json:"serverUrl"`
	DeployDir string `json:"deployDir,omitempty"`
	WorkDir   string `json:"workDir,omitempty"`

	// DeployDirOverride comes from DEPLOY_DIR and wins over DeployDir.
	DeployDirOverride string `json:"-"`
}

type envOverrides struct {
	ConfigPath string `env:"AGENT_CONFIG"`
	ServerURL  string `env:"AGENT_SERVER_URL"`
	DeployDir  string `env:"DEPLOY_DIR"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"json"`
}

func loadOverrides() (envOverrides, error) {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return o, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// DefaultConfigPath is ~/.uptime-agent/config.json.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, configDirName, "config.json"), nil
}

// LoadConfig reads the config file at path and applies env overrides.
func LoadConfig(path string, o envOverrides) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if o.ServerURL != "" {
		cfg.ServerURL = o.ServerURL
	}
	cfg.DeployDirOverride = o.DeployDir
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.AgentID == "" {
		errs = append(errs, errors.New("agentId is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.ServerURL == "" {
		errs = append(errs, errors.New("serverUrl is required"))
	}
	return errors.Join(errs...)
}

// Save writes the config with owner-only permissions.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// DeployBases lists deploy-base candidates in preference order.
func (c *Config) DeployBases() []string {
	var out []string
	for _, d := range []string{c.DeployDirOverride, c.DeployDir, defaultDeployBase} {
		if d != "" {
			out = append(out, d)
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, configDirName, "deployments"))
	}
	return out
}
