package config

import (
	"fmt"
	"strings"
)

// Config represents the complete application configuration
type Config struct {
	Run             RunConfig       `toml:"run"`
	Agent           AgentConfig     `toml:"agent"`
	ToolServer      ToolServer      `toml:"tool_server"`
	Metrics         MetricsConfig   `toml:"metrics"`
	PromptTemplates PromptTemplates `toml:"prompt_templates"`
}

// RunConfig holds orchestration settings
type RunConfig struct {
	Concurrency      int `toml:"concurrency"`        // concurrent hypothesis workers (default 4)
	MaxHypotheses    int `toml:"max_hypotheses"`     // cap on generated hypotheses (default 8)
	ReproMaxAttempts int `toml:"repro_max_attempts"` // NeedMoreInfo retries per invocation (default 3)
}

// AgentConfig describes how the external agent subprocess is launched
type AgentConfig struct {
	Command           string   `toml:"command"` // "claude" or "codex"
	Args              []string `toml:"args"`
	TimeoutMinutes    int      `toml:"timeout_minutes"`     // per-invocation bound (default 15)
	LaunchesPerMinute int      `toml:"launches_per_minute"` // spawn throttle (default 12)
}

// ToolServer configures the result-reporting HTTP surface exposed to agents
type ToolServer struct {
	Addr string `toml:"addr"` // must stay loopback; agents run on this host
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// PromptTemplates holds the customizable prompts handed to agents. Each is a
// text/template body; the orchestrator supplies the data fields.
type PromptTemplates struct {
	Reproduction         string `toml:"reproduction"`
	HypothesisGeneration string `toml:"hypothesis_generation"`
	HypothesisTesting    string `toml:"hypothesis_testing"`
}

const (
	// MaxConcurrency is the maximum allowed worker count
	MaxConcurrency = 64
	// MaxHypothesesLimit is the maximum allowed hypothesis cap
	MaxHypothesesLimit = 100
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Run.Concurrency < 1 || c.Run.Concurrency > MaxConcurrency {
		return fmt.Errorf("run.concurrency must be between 1 and %d (got %d)", MaxConcurrency, c.Run.Concurrency)
	}
	if c.Run.MaxHypotheses < 1 || c.Run.MaxHypotheses > MaxHypothesesLimit {
		return fmt.Errorf("run.max_hypotheses must be between 1 and %d (got %d)", MaxHypothesesLimit, c.Run.MaxHypotheses)
	}
	if c.Run.ReproMaxAttempts < 1 {
		return fmt.Errorf("run.repro_max_attempts must be at least 1 (got %d)", c.Run.ReproMaxAttempts)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	if c.Agent.TimeoutMinutes < 1 {
		return fmt.Errorf("agent.timeout_minutes must be at least 1 (got %d)", c.Agent.TimeoutMinutes)
	}
	if c.Agent.LaunchesPerMinute < 1 {
		return fmt.Errorf("agent.launches_per_minute must be at least 1 (got %d)", c.Agent.LaunchesPerMinute)
	}
	if !isLoopbackAddr(c.ToolServer.Addr) {
		return fmt.Errorf("tool_server.addr must bind a loopback interface (got %q)", c.ToolServer.Addr)
	}
	return nil
}

// isLoopbackAddr accepts only localhost binds. The tool surface accepts
// unauthenticated writes from agent subprocesses and must never be exposed.
func isLoopbackAddr(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i != -1 {
		host = addr[:i]
	}
	return host == "127.0.0.1" || host == "localhost" || host == "::1" || host == "[::1]"
}
