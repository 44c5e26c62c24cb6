// Package config loads and validates the agentgate YAML configuration.
// The file is read once at startup and on explicit reload; the core treats
// it as read-only input.
package config

import (
	"fmt"
	"time"

	"github.com/jholhewres/agentgate/pkg/agentgate/agent"
	"github.com/jholhewres/agentgate/pkg/agentgate/channels/discord"
	"github.com/jholhewres/agentgate/pkg/agentgate/gateway"
	"github.com/jholhewres/agentgate/pkg/agentgate/health"
	"github.com/jholhewres/agentgate/pkg/agentgate/persona"
	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
	"github.com/jholhewres/agentgate/pkg/agentgate/sandbox"
	"github.com/jholhewres/agentgate/pkg/agentgate/scheduler"
	"github.com/jholhewres/agentgate/pkg/agentgate/session"
	"github.com/jholhewres/agentgate/pkg/agentgate/tools"
)

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	// Database is the path to the SQLite database file.
	Database string `yaml:"database"`

	Logging LoggingConfig `yaml:"logging"`

	// Personas is the statically configured persona set.
	Personas []*persona.Persona `yaml:"personas"`

	// Providers is the backend priority list, first entry tried first.
	Providers []provider.OpenAIConfig `yaml:"providers"`

	Chain      provider.ChainConfig    `yaml:"chain"`
	Compaction session.CompactorConfig `yaml:"compaction"`
	Agent      agent.Config            `yaml:"agent"`
	Subagents  agent.ManagerConfig     `yaml:"subagents"`
	Tools      tools.Config            `yaml:"tools"`
	Sandbox    sandbox.Config          `yaml:"sandbox"`
	Scheduler  scheduler.Config        `yaml:"scheduler"`
	Health     health.Config           `yaml:"health"`
	Gateway    gateway.Config          `yaml:"gateway"`

	Channels ChannelsConfig `yaml:"channels"`
}

// ChannelsConfig groups the platform adapters.
type ChannelsConfig struct {
	Discord discord.Config `yaml:"discord"`

	// DiscordEnabled connects the Discord adapter on serve.
	DiscordEnabled bool `yaml:"discord_enabled"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: "agentgate.db",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Chain:      provider.DefaultChainConfig(),
		Compaction: session.DefaultCompactorConfig(),
		Agent:      agent.DefaultConfig(),
		Subagents:  agent.DefaultManagerConfig(),
		Tools: tools.Config{
			MaxParallel: 4,
			Timeout:     60 * time.Second,
		},
		Scheduler: scheduler.Config{
			TickInterval: 15 * time.Second,
			JobTimeout:   5 * time.Minute,
		},
		Health: health.Config{
			Interval:     30 * time.Second,
			ProbeTimeout: 10 * time.Second,
		},
		Gateway: gateway.Config{
			Enabled: true,
			Address: "127.0.0.1:8085",
		},
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Model == "" {
			return fmt.Errorf("config: provider %q has no model", p.Name)
		}
	}

	defaults := 0
	for _, p := range c.Personas {
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("config: more than one default persona")
	}

	if c.Compaction.LowWaterTokens >= c.Compaction.HighWaterTokens && c.Compaction.HighWaterTokens > 0 {
		return fmt.Errorf("config: compaction low_water_tokens must be below high_water_tokens")
	}
	return nil
}
