package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models devchain.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Automation struct {
		PollIntervalMs   int `yaml:"poll_interval_ms"`
		ViewportLines    int `yaml:"viewport_lines"`
		SchedulerTickMs  int `yaml:"scheduler_tick_ms"`
		CaptureCacheMs   int `yaml:"capture_cache_ms"`
		RetryDelayMs     int `yaml:"retry_delay_ms"`
		SnippetMaxChars  int `yaml:"snippet_max_chars"`
		DefaultGroupSize int `yaml:"default_group_size"`
	} `yaml:"automation"`
	Providers map[string]Provider `yaml:"providers"`
}

type Provider struct {
	Description string   `yaml:"description"`
	Models      []string `yaml:"models"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run dc project init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Automation.PollIntervalMs <= 0 {
		return fmt.Errorf("config.automation.poll_interval_ms must be positive")
	}
	if c.Automation.ViewportLines <= 0 {
		return fmt.Errorf("config.automation.viewport_lines must be positive")
	}
	if c.Automation.SchedulerTickMs <= 0 {
		return fmt.Errorf("config.automation.scheduler_tick_ms must be positive")
	}
	if c.Automation.SnippetMaxChars <= 0 {
		return fmt.Errorf("config.automation.snippet_max_chars must be positive")
	}
	for name, p := range c.Providers {
		if name == "" {
			return fmt.Errorf("config.providers contains empty provider id")
		}
		for _, m := range p.Models {
			if m == "" {
				return fmt.Errorf("provider %s has empty model id", name)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "devchain.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: %s

server:
  addr: 127.0.0.1:7850
  base_path: /v0

automation:
  poll_interval_ms: 2000
  viewport_lines: 50
  scheduler_tick_ms: 50
  capture_cache_ms: 2000
  retry_delay_ms: 1000
  snippet_max_chars: 500
  default_group_size: 0

providers:
  anthropic:
    description: "Anthropic API"
    models: [claude-sonnet-4-5, claude-opus-4-1]
  openai:
    description: "OpenAI API"
    models: [gpt-5, gpt-4o]
  local:
    description: "Local runner"
    models: []
`
