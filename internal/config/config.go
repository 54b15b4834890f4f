// Package config loads the YAML configuration: server address, provider
// connections, engine limits, trace storage, and the agent catalog.
// Environment references in the file are expanded before parsing, so
// secrets stay out of the file itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// Config is the full configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Engine    EngineConfig    `yaml:"engine"`
	Storage   StorageConfig   `yaml:"storage"`
	Stream    StreamConfig    `yaml:"stream"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OllamaConfig points at a local Ollama daemon.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
}

// GatewayConfig points at an OpenAI-compatible gateway.
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AnthropicConfig carries Anthropic API credentials.
type AnthropicConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ProvidersConfig carries per-provider connection settings.
type ProvidersConfig struct {
	Ollama    OllamaConfig    `yaml:"ollama"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// EngineConfig bounds run execution.
type EngineConfig struct {
	MaxTurns         int           `yaml:"max_turns"`
	ModelCallTimeout time.Duration `yaml:"model_call_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	ParallelTools    bool          `yaml:"parallel_tools"`
	RunTimeout       time.Duration `yaml:"run_timeout"`
	StrictToolInput  bool          `yaml:"strict_tool_input"`
}

// StorageConfig selects the trace store backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file for the sqlite backend.
	Path string `yaml:"path"`
}

// StreamConfig tunes stream sessions.
type StreamConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// AbortOnDisconnect cancels a run when its streaming client goes
	// away. Off by default: the run finishes so the trace is complete.
	AbortOnDisconnect bool `yaml:"abort_on_disconnect"`
}

// AgentConfig is one agent catalog entry.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	Model        string   `yaml:"model"`
	AllowedTools []string `yaml:"allowed_tools"`
	Temperature  *float32 `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	TopP         *float32 `yaml:"top_p"`
}

// Load reads, expands, parses, defaults, and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a Config from raw YAML. Environment variables referenced
// as $VAR or ${VAR} are substituted before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a runnable configuration with no agents.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Engine.MaxTurns <= 0 {
		c.Engine.MaxTurns = 10
	}
	if c.Engine.ModelCallTimeout <= 0 {
		c.Engine.ModelCallTimeout = 2 * time.Minute
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "agentrun.db"
	}
}

// Validate rejects configurations the engine could not start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("storage.backend %q is not supported (memory, sqlite)", c.Storage.Backend)
	}

	seen := map[string]bool{}
	for i, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if strings.TrimSpace(a.Model) == "" {
			return fmt.Errorf("agent %q: model is required", a.ID)
		}
	}
	return nil
}

// AgentCatalog converts the configured agents to the engine's model.
func (c *Config) AgentCatalog() []*models.Agent {
	agents := make([]*models.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		agents = append(agents, &models.Agent{
			ID:           a.ID,
			Name:         a.Name,
			SystemPrompt: a.SystemPrompt,
			Model:        a.Model,
			AllowedTools: a.AllowedTools,
			Temperature:  a.Temperature,
			MaxTokens:    a.MaxTokens,
			TopP:         a.TopP,
		})
	}
	return agents
}
