package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lamarqa/hypoforge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAgentConfig(command string, args ...string) config.AgentConfig {
	return config.AgentConfig{
		Command:           command,
		Args:              args,
		TimeoutMinutes:    1,
		LaunchesPerMinute: 6000, // no throttling in tests
	}
}

func TestRunDeliversPromptOnStdin(t *testing.T) {
	r := NewExecRunner(testAgentConfig("cat"), testLogger())

	res, err := r.Run(context.Background(), Request{
		WorkDir: t.TempDir(),
		Prompt:  "investigate the cache",
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Output != "investigate the cache" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Duration <= 0 {
		t.Error("Duration not measured")
	}
}

func TestRunExposesEnvironment(t *testing.T) {
	r := NewExecRunner(testAgentConfig("env"), testLogger())

	res, err := r.Run(context.Background(), Request{
		WorkDir:      t.TempDir(),
		HypothesisID: "H001",
		ToolURL:      "http://127.0.0.1:7461",
		WorkingDirID: "wd-123",
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	for _, want := range []string{
		EnvToolURL + "=http://127.0.0.1:7461",
		EnvHypothesisID + "=H001",
		EnvWorkingDirID + "=wd-123",
	} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("Environment missing %q", want)
		}
	}
}

func TestRunReportsProcessFailure(t *testing.T) {
	r := NewExecRunner(testAgentConfig("false"), testLogger())

	_, err := r.Run(context.Background(), Request{WorkDir: t.TempDir()})
	if err == nil {
		t.Fatal("Expected error for failing process")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("Plain failure must not be reported as timeout")
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewExecRunner(testAgentConfig("sleep", "10"), testLogger())

	start := time.Now()
	_, err := r.Run(context.Background(), Request{
		WorkDir: t.TempDir(),
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Timeout took %s to fire", elapsed)
	}
}

func TestRunMissingCommand(t *testing.T) {
	r := NewExecRunner(testAgentConfig("definitely-not-a-real-binary"), testLogger())
	if _, err := r.Run(context.Background(), Request{WorkDir: t.TempDir()}); err == nil {
		t.Fatal("Expected error for missing binary")
	}
}
