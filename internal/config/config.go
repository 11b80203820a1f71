// Package config loads the gateway configuration from
// ~/.llmux/config.yaml and supports hot reload through a file watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultDir returns the configuration directory, honoring LLMUX_HOME.
func DefaultDir() string {
	if dir := os.Getenv("LLMUX_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llmux"
	}
	return filepath.Join(home, ".llmux")
}

// ServerConfig is the HTTP listener section.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	Hostname  string `yaml:"hostname"`
	CORS      bool   `yaml:"cors"`
	JWTSecret string `yaml:"jwtSecret"`
}

// ModelMapping routes one requested model to a provider and upstream
// model, with an ordered fallback chain of other requested-model keys.
type ModelMapping struct {
	Provider      string   `yaml:"provider"`
	UpstreamModel string   `yaml:"upstreamModel"`
	Fallbacks     []string `yaml:"fallbacks"`
	Thinking      *bool    `yaml:"thinking"`
}

// RoutingConfig is the model-routing section.
type RoutingConfig struct {
	DefaultProvider string                  `yaml:"defaultProvider"`
	ModelMapping    map[string]ModelMapping `yaml:"modelMapping"`
	// FallbackOrder is the ordered provider list for legacy rotation:
	// when a rate-limited route has no mapping-level fallbacks, the next
	// configured provider in this list takes the request.
	FallbackOrder    []string `yaml:"fallbackOrder"`
	RotateOn429      *bool    `yaml:"rotateOn429"`
	MaxRetryAttempts int      `yaml:"maxRetryAttempts"`
}

// RotateOn429Enabled reports whether rate-limited requests may be rerouted
// to fallback models and providers. Unset means enabled.
func (r RoutingConfig) RotateOn429Enabled() bool {
	return r.RotateOn429 == nil || *r.RotateOn429
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	// Format is the provider's wire format: openai_chat, openai_responses,
	// anthropic or gemini.
	Format  string            `yaml:"format"`
	BaseURL string            `yaml:"baseUrl"`
	// Endpoints is the ordered endpoint list for providers that rotate
	// (antigravity). When set, BaseURL is ignored.
	Endpoints []string          `yaml:"endpoints"`
	Project   string            `yaml:"project"`
	Headers   map[string]string `yaml:"headers"`
	// Kind selects provider-specific request fixes: antigravity,
	// openai-web, opencode-zen. Empty means no fixes.
	Kind string `yaml:"kind"`
	// ModelAliases rewrites upstream model names just before emission.
	ModelAliases map[string]string `yaml:"modelAliases"`
	// DisableThinking strips thinking config before emission.
	DisableThinking bool `yaml:"disableThinking"`
}

// AmpConfig is the management/relay section.
type AmpConfig struct {
	Enabled                       bool              `yaml:"enabled"`
	UpstreamURL                   string            `yaml:"upstreamUrl"`
	UpstreamAPIKey                string            `yaml:"upstreamApiKey"`
	ModelMappings                 map[string]string `yaml:"modelMappings"`
	RestrictManagementToLocalhost bool              `yaml:"restrictManagementToLocalhost"`
}

// LogConfig mirrors obs.Config in YAML shape.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Config is the whole configuration file.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Log       LogConfig                 `yaml:"log"`
	Routing   RoutingConfig             `yaml:"routing"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Amp       AmpConfig                 `yaml:"amp"`

	path string
	mu   sync.RWMutex
}

// Load reads and validates the config at path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}
	if err := cfg.load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string { return c.path }

func (c *Config) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.applyDefaults()
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	next := Config{}
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	c.Server = next.Server
	c.Log = next.Log
	c.Routing = next.Routing
	c.Providers = next.Providers
	c.Amp = next.Amp
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8422
	}
	if c.Server.Hostname == "" {
		c.Server.Hostname = "127.0.0.1"
	}
	if c.Routing.MaxRetryAttempts <= 0 {
		c.Routing.MaxRetryAttempts = 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	for name, provider := range c.Providers {
		switch provider.Format {
		case "", "openai_chat", "openai_responses", "anthropic", "gemini":
		default:
			return fmt.Errorf("provider %q: unknown format %q", name, provider.Format)
		}
		if provider.BaseURL == "" && len(provider.Endpoints) == 0 {
			return fmt.Errorf("provider %q: baseUrl or endpoints required", name)
		}
	}
	for from, mapping := range c.Routing.ModelMapping {
		if mapping.Provider == "" {
			return fmt.Errorf("modelMapping %q: provider required", from)
		}
	}
	return nil
}

// Provider returns the named provider config.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Providers[name]
	return p, ok
}

// ProviderNames returns the configured provider names.
func (c *Config) ProviderNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	return names
}

// Snapshot returns a copy of the mutable sections for lock-free reads
// during a request.
func (c *Config) Snapshot() (RoutingConfig, map[string]ProviderConfig, AmpConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	providers := make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		providers[name] = p
	}
	return c.Routing, providers, c.Amp
}
