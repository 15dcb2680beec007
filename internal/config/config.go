// Package config models conductor.yml, the optional server configuration
// carrying built-in default agent settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"conductor/internal/domain"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// StagingRoot overrides the worktree staging area.
		StagingRoot string `yaml:"staging_root"`
		// MaxConcurrent caps running agents per goal; 0 means unbounded.
		MaxConcurrent int `yaml:"max_concurrent"`
		// OriginBranch is the branch completed work merges into; empty means
		// each repository's current branch.
		OriginBranch string `yaml:"origin_branch"`
	} `yaml:"server"`
	Agent struct {
		Binary         string   `yaml:"binary"`
		Model          string   `yaml:"model"`
		MaxBudgetUSD   float64  `yaml:"max_budget_usd"`
		MaxTurns       int      `yaml:"max_turns"`
		AllowedTools   []string `yaml:"allowed_tools"`
		PermissionMode string   `yaml:"permission_mode"`
		SystemPrompt   string   `yaml:"system_prompt"`
	} `yaml:"agent"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 3001
	cfg.Agent.Binary = "claude"
	base := domain.DefaultSettings()
	cfg.Agent.Model = base.Model
	cfg.Agent.MaxBudgetUSD = base.MaxBudgetUSD
	cfg.Agent.MaxTurns = base.MaxTurns
	cfg.Agent.AllowedTools = base.AllowedTools
	return cfg
}

// Load reads conductor.yml from path, layering it over the defaults. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Agent.MaxBudgetUSD < 0 {
		return fmt.Errorf("agent.max_budget_usd must not be negative")
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}
	return nil
}

// BaseSettings converts the configured agent defaults into the bottom layer
// of the settings resolution chain.
func (c *Config) BaseSettings() domain.ResolvedSettings {
	return domain.ResolvedSettings{
		Model:          c.Agent.Model,
		MaxBudgetUSD:   c.Agent.MaxBudgetUSD,
		MaxTurns:       c.Agent.MaxTurns,
		AllowedTools:   c.Agent.AllowedTools,
		PermissionMode: c.Agent.PermissionMode,
		SystemPrompt:   c.Agent.SystemPrompt,
	}
}
