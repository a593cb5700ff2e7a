package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lamarqa/hypoforge/internal/config"
	"github.com/lamarqa/hypoforge/internal/util"
)

// ExecRunner launches the configured agent CLI (claude, codex, ...) as a
// subprocess. Launches are throttled with a token bucket so a burst of
// concurrent workers cannot hammer the provider with simultaneous session
// starts.
type ExecRunner struct {
	command        string
	args           []string
	defaultTimeout time.Duration
	limiter        *rate.Limiter
	logger         *slog.Logger
}

// NewExecRunner builds a runner from agent configuration.
func NewExecRunner(cfg config.AgentConfig, logger *slog.Logger) *ExecRunner {
	perSecond := rate.Limit(float64(cfg.LaunchesPerMinute) / 60.0)
	return &ExecRunner{
		command:        cfg.Command,
		args:           append([]string{}, cfg.Args...),
		defaultTimeout: time.Duration(cfg.TimeoutMinutes) * time.Minute,
		limiter:        rate.NewLimiter(perSecond, 2),
		logger:         logger,
	}
}

// Run executes one agent invocation. The prompt goes to stdin; stdout is
// captured for callers that parse it. Context cancellation and timeout both
// kill the process; timeout is reported as ErrTimeout.
func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("agent launch throttled: %w", err)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command, r.args...)
	cmd.WaitDelay = 10 * time.Second
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = append(os.Environ(),
		EnvToolURL+"="+req.ToolURL,
		EnvWorkingDirID+"="+req.WorkingDirID,
	)
	if req.HypothesisID != "" {
		cmd.Env = append(cmd.Env, EnvHypothesisID+"="+req.HypothesisID)
	}

	r.logger.Debug("Launching agent",
		"command", r.command,
		"workdir", req.WorkDir,
		"hypothesis_id", req.HypothesisID,
		"timeout", timeout)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Output: stdout.String(), Duration: elapsed},
			fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		return Result{Output: stdout.String(), Duration: elapsed},
			fmt.Errorf("agent process failed: %w (stderr: %s)",
				err, util.TruncateString(strings.TrimSpace(stderr.String()), 500))
	}

	r.logger.Debug("Agent finished",
		"hypothesis_id", req.HypothesisID,
		"duration", elapsed,
		"stdout_bytes", stdout.Len())

	return Result{Output: stdout.String(), Duration: elapsed}, nil
}
