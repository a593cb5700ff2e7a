// Package agent runs external LLM agent subprocesses. The core never
// interprets what an agent does inside its workspace; it hands the agent a
// prompt, a working directory, and the tool-surface URL, then waits for the
// process to exit or the invocation to time out.
package agent

import (
	"context"
	"errors"
	"time"
)

// Env variable names handed to every agent process.
const (
	EnvToolURL      = "HYPOFORGE_TOOL_URL"
	EnvHypothesisID = "HYPOFORGE_HYPOTHESIS_ID"
	EnvWorkingDirID = "HYPOFORGE_WORKING_DIR_ID"
)

// ErrTimeout indicates the invocation exceeded its configured bound.
// Timeout expiry is treated identically to any other execution-level error.
var ErrTimeout = errors.New("agent invocation timed out")

// Request describes one agent invocation.
type Request struct {
	WorkDir      string        // the workspace the agent owns for this run
	Prompt       string        // delivered on stdin
	HypothesisID string        // empty outside the testing phase
	ToolURL      string        // base URL of the result-reporting surface
	WorkingDirID string
	Timeout      time.Duration // 0 means the runner's default
}

// Result carries what the process produced. Verdicts arrive through the
// tool surface, not here; Output exists for phases that parse stdout
// (hypothesis generation).
type Result struct {
	Output   string
	Duration time.Duration
}

// Runner drives one agent invocation to completion or failure.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}
