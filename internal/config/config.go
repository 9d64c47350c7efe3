package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models opsledger.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`
	Orchestrator struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"orchestrator"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsledger.yml")
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8000"
	cfg.Server.BasePath = ""
	cfg.Storage.Dir = "data"
	cfg.Orchestrator.BaseURL = "http://localhost:5000"
	cfg.Orchestrator.TimeoutSeconds = 10
	cfg.CORS.AllowedOrigins = []string{"*"}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("config.storage.dir is required")
	}
	if c.Orchestrator.BaseURL == "" {
		return fmt.Errorf("config.orchestrator.base_url is required")
	}
	if c.Orchestrator.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.orchestrator.timeout_seconds must be positive")
	}
	return nil
}

// OrchestratorTimeout returns the upstream call timeout.
func (c *Config) OrchestratorTimeout() time.Duration {
	return time.Duration(c.Orchestrator.TimeoutSeconds) * time.Second
}

// GenerateDefault returns default config YAML for `ol init`.
func GenerateDefault() string {
	return `server:
  addr: 127.0.0.1:8000
  base_path: ""

storage:
  dir: data

orchestrator:
  base_url: http://localhost:5000
  timeout_seconds: 10

cors:
  allowed_origins: ["*"]
`
}
