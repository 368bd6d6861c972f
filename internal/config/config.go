package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models pulseline.yml for one tenant.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Jobs struct {
		MaxAttempts         int `yaml:"max_attempts"`
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		Burst               int `yaml:"burst"`
		Backoff             struct {
			BaseSeconds int `yaml:"base_seconds"`
			MaxSeconds  int `yaml:"max_seconds"`
		} `yaml:"backoff"`
	} `yaml:"jobs"`
	Signals struct {
		// DeniedKeys extends the built-in credential key list.
		DeniedKeys []string `yaml:"denied_keys"`
	} `yaml:"signals"`
	Fanout struct {
		// Handlers is the delivery order; unknown names are a
		// validation error.
		Handlers []string `yaml:"handlers"`
	} `yaml:"fanout"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Signals        []string `yaml:"signals"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// KnownHandlers are the fanout handler names the config may order.
var KnownHandlers = []string{"stats", "webhooks"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl tenant config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Jobs.MaxAttempts < 0 {
		return fmt.Errorf("config.jobs.max_attempts must not be negative")
	}
	if c.Jobs.Backoff.MaxSeconds > 0 && c.Jobs.Backoff.BaseSeconds > c.Jobs.Backoff.MaxSeconds {
		return fmt.Errorf("config.jobs.backoff.base_seconds exceeds max_seconds")
	}
	known := map[string]bool{}
	for _, h := range KnownHandlers {
		known[h] = true
	}
	for _, h := range c.Fanout.Handlers {
		if !known[h] {
			return fmt.Errorf("config.fanout.handlers contains unknown handler %q", h)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	for i, key := range c.Signals.DeniedKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("config.signals.denied_keys[%d] is empty", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pulseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
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

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
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

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `tenant:
  id: %s

jobs:
  max_attempts: 10
  poll_interval_seconds: 2
  burst: 10
  backoff:
    base_seconds: 1
    max_seconds: 300

signals:
  denied_keys: []

fanout:
  handlers: [stats, webhooks]

webhooks: []
`
