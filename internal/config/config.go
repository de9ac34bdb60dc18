package config

import (
	"fmt"
	"time"
)

// Config is the root astra configuration.
type Config struct {
	Agents    []AgentConfig   `json:"agents" mapstructure:"agents"`
	Models    ModelsConfig    `json:"models" mapstructure:"models"`
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Loop      LoopConfig      `json:"loop" mapstructure:"loop"`
	SubAgents SubAgentsConfig `json:"sub_agents" mapstructure:"sub_agents"`
	Router    RouterConfig    `json:"router" mapstructure:"router"`
	Sidecar   SidecarConfig   `json:"sidecar" mapstructure:"sidecar"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	DataDir   string          `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig declares one agent identity.
type AgentConfig struct {
	ID           string   `json:"id" mapstructure:"id"`
	Model        string   `json:"model" mapstructure:"model"`
	Fallbacks    []string `json:"fallbacks" mapstructure:"fallbacks"`
	SystemPrompt string   `json:"system_prompt" mapstructure:"system_prompt"`
	Tools        []string `json:"tools" mapstructure:"tools"`
	MaxRounds    int      `json:"max_rounds" mapstructure:"max_rounds"`
}

// RouteConfig maps a model alias to a concrete provider model.
type RouteConfig struct {
	Provider string `json:"provider" mapstructure:"provider"`
	Model    string `json:"model" mapstructure:"model"`
}

// ModelsConfig holds alias routing.
type ModelsConfig struct {
	Aliases         map[string]RouteConfig `json:"aliases" mapstructure:"aliases"`
	GlobalFallbacks []string               `json:"global_fallbacks" mapstructure:"global_fallbacks"`
}

// ProvidersConfig holds provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic ProviderProfile `json:"anthropic" mapstructure:"anthropic"`
	OpenAI    ProviderProfile `json:"openai" mapstructure:"openai"`
}

// ProviderProfile configures one provider client.
type ProviderProfile struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// Enabled reports whether this provider is configured.
func (p ProviderProfile) Enabled() bool {
	return p.APIKey != ""
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	TTLMinutes    int    `json:"ttl_minutes" mapstructure:"ttl_minutes"`
	StorePath     string `json:"store_path" mapstructure:"store_path"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// TTL returns the session TTL as a duration.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// LoopConfig bounds the tool-use loop.
type LoopConfig struct {
	MaxRounds int `json:"max_rounds" mapstructure:"max_rounds"`
	MaxTokens int `json:"max_tokens" mapstructure:"max_tokens"`
}

// SubAgentsConfig bounds delegated runs.
type SubAgentsConfig struct {
	MaxDepth       int `json:"max_depth" mapstructure:"max_depth"`
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Timeout returns the sub-agent timeout as a duration.
func (s SubAgentsConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RouterConfig tunes candidate retry behavior.
type RouterConfig struct {
	RetryBound int `json:"retry_bound" mapstructure:"retry_bound"`
	BackoffMs  int `json:"backoff_ms" mapstructure:"backoff_ms"`
}

// Backoff returns the base retry backoff as a duration.
func (r RouterConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// SidecarConfig configures the observability event stream.
type SidecarConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Listen     string `json:"listen" mapstructure:"listen"`
	BufferSize int    `json:"buffer_size" mapstructure:"buffer_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Agents: []AgentConfig{
			{
				ID:    "main",
				Model: "default",
			},
		},
		Models: ModelsConfig{
			Aliases: map[string]RouteConfig{
				"default": {Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
				"fast":    {Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
			},
			GlobalFallbacks: []string{"fast"},
		},
		Session: SessionConfig{
			TTLMinutes:    30,
			SweepSchedule: "@every 1m",
		},
		Loop: LoopConfig{
			MaxRounds: 10,
			MaxTokens: 4096,
		},
		SubAgents: SubAgentsConfig{
			MaxDepth:       3,
			TimeoutSeconds: 120,
		},
		Router: RouterConfig{
			RetryBound: 3,
			BackoffMs:  500,
		},
		Sidecar: SidecarConfig{
			Enabled:    true,
			Listen:     "127.0.0.1:8787",
			BufferSize: 256,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent id cannot be empty")
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent id: %s", agent.ID)
		}
		seen[agent.ID] = true

		if agent.Model == "" {
			return fmt.Errorf("agent %s has no model", agent.ID)
		}
		if _, ok := c.Models.Aliases[agent.Model]; !ok {
			return fmt.Errorf("agent %s references unknown model alias %s", agent.ID, agent.Model)
		}
		for _, fb := range agent.Fallbacks {
			if _, ok := c.Models.Aliases[fb]; !ok {
				return fmt.Errorf("agent %s references unknown fallback alias %s", agent.ID, fb)
			}
		}
	}

	for alias, route := range c.Models.Aliases {
		if route.Provider == "" || route.Model == "" {
			return fmt.Errorf("model alias %s is missing provider or model", alias)
		}
	}
	for _, fb := range c.Models.GlobalFallbacks {
		if _, ok := c.Models.Aliases[fb]; !ok {
			return fmt.Errorf("unknown global fallback alias %s", fb)
		}
	}

	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.Loop.MaxRounds <= 0 {
		return fmt.Errorf("loop max rounds must be positive")
	}
	if c.SubAgents.MaxDepth <= 0 {
		return fmt.Errorf("sub-agent max depth must be positive")
	}
	return nil
}
