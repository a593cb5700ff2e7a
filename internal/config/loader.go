package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file. A missing file is not an
// error: every field has a usable default so a bare working directory can
// run without any config present.
func Load(configPath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Run.Concurrency == 0 {
		cfg.Run.Concurrency = 4
	}
	if cfg.Run.MaxHypotheses == 0 {
		cfg.Run.MaxHypotheses = 8
	}
	if cfg.Run.ReproMaxAttempts == 0 {
		cfg.Run.ReproMaxAttempts = 3
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if len(cfg.Agent.Args) == 0 && cfg.Agent.Command == "claude" {
		cfg.Agent.Args = []string{"--print", "--dangerously-skip-permissions"}
	}
	if cfg.Agent.TimeoutMinutes == 0 {
		cfg.Agent.TimeoutMinutes = 15
	}
	if cfg.Agent.LaunchesPerMinute == 0 {
		cfg.Agent.LaunchesPerMinute = 12
	}

	if cfg.ToolServer.Addr == "" {
		cfg.ToolServer.Addr = "127.0.0.1:7461"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:2112"
	}

	if cfg.PromptTemplates.Reproduction == "" {
		cfg.PromptTemplates.Reproduction = defaultReproTemplate
	}
	if cfg.PromptTemplates.HypothesisGeneration == "" {
		cfg.PromptTemplates.HypothesisGeneration = defaultGenerationTemplate
	}
	if cfg.PromptTemplates.HypothesisTesting == "" {
		cfg.PromptTemplates.HypothesisTesting = defaultTestingTemplate
	}
}
