package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig                 `json:"app" yaml:"app"`
	Gateways  map[string]GatewayConfig  `json:"gateways" yaml:"gateways"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory"`
	Server    ServerConfig              `json:"server" yaml:"server"`
	Tools     ToolsConfig               `json:"tools" yaml:"tools"`
	Scheduler SchedulerConfig           `json:"scheduler" yaml:"scheduler"`
}

type AppConfig struct {
	Name       string `json:"name" yaml:"name"`
	Workspace  string `json:"workspace" yaml:"workspace"`
	PromptsDir string `json:"prompts_dir" yaml:"prompts_dir"`
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type ToolsConfig struct {
	ShellTimeoutSeconds int      `json:"shell_timeout_seconds" yaml:"shell_timeout_seconds"`
	BrowserHeadless     *bool    `json:"browser_headless,omitempty" yaml:"browser_headless,omitempty"`
	SearchResults       int      `json:"search_results" yaml:"search_results"`
	DeniedTools         []string `json:"denied_tools" yaml:"denied_tools"`
	DeniedPatterns      []string `json:"denied_patterns" yaml:"denied_patterns"`
}

type SchedulerConfig struct {
	PollSeconds int `json:"poll_seconds" yaml:"poll_seconds"`
}

// Default returns the configuration used when a field is left unset.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:       "stepwise",
			Workspace:  "./workspace",
			PromptsDir: "./prompts",
			LogDir:     "logs",
		},
		Memory:    MemoryConfig{Type: "sqlite", Path: "./stepwise.db"},
		Server:    ServerConfig{Addr: ":8080"},
		Tools:     ToolsConfig{ShellTimeoutSeconds: 60, SearchResults: 10},
		Scheduler: SchedulerConfig{PollSeconds: 30},
	}
}

// LoadConfig reads a JSON or YAML file, chosen by extension, over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults restores defaults for fields a file explicitly zeroed.
func (c *Config) applyDefaults() {
	def := Default()
	if c.App.Name == "" {
		c.App.Name = def.App.Name
	}
	if c.App.Workspace == "" {
		c.App.Workspace = def.App.Workspace
	}
	if c.App.LogDir == "" {
		c.App.LogDir = def.App.LogDir
	}
	if c.Memory.Type == "" {
		c.Memory.Type = def.Memory.Type
	}
	if c.Memory.Path == "" {
		c.Memory.Path = def.Memory.Path
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Tools.ShellTimeoutSeconds <= 0 {
		c.Tools.ShellTimeoutSeconds = def.Tools.ShellTimeoutSeconds
	}
	if c.Tools.SearchResults <= 0 {
		c.Tools.SearchResults = def.Tools.SearchResults
	}
	if c.Scheduler.PollSeconds <= 0 {
		c.Scheduler.PollSeconds = def.Scheduler.PollSeconds
	}
}

// Headless reports whether the browser should run without a window. Unset means true.
func (t ToolsConfig) Headless() bool {
	return t.BrowserHeadless == nil || *t.BrowserHeadless
}

// GetDefaultProvider returns the first enabled provider, by name order.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	var best string
	for name, p := range c.Providers {
		if p.Enabled && (best == "" || name < best) {
			best = name
		}
	}
	if best == "" {
		return "", ProviderConfig{}
	}
	return best, c.Providers[best]
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	tg, ok := c.Gateways["telegram"]
	if ok && tg.Enabled && tg.Token != "" {
		return tg, true
	}
	return GatewayConfig{}, false
}
