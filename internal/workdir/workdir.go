// Package workdir manages the on-disk layout of a HypoForge working
// directory. All run state, the timeline, artifacts, logs, and the tool
// surface's key-value namespace live under <dir>/.hypoforge so that a new
// process can attach to the same directory and recover the run.
package workdir

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const stateDirName = ".hypoforge"

// Layout resolves every persisted path for one working directory.
type Layout struct {
	root     string
	stateDir string
	logger   *slog.Logger
}

// Attach opens (creating if necessary) the state directory under dir.
func Attach(dir string, logger *slog.Logger) (*Layout, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	stateDir := filepath.Join(abs, stateDirName)
	for _, sub := range []string{"", "worktrees", "kv", "logs"} {
		if err := os.MkdirAll(filepath.Join(stateDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	return &Layout{root: abs, stateDir: stateDir, logger: logger}, nil
}

// Root returns the working directory itself.
func (l *Layout) Root() string { return l.root }

// StateDir returns the .hypoforge directory.
func (l *Layout) StateDir() string { return l.stateDir }

// StatePath is the authoritative run-state file.
func (l *Layout) StatePath() string { return filepath.Join(l.stateDir, "state.json") }

// TimelinePath is the append-only event log.
func (l *Layout) TimelinePath() string { return filepath.Join(l.stateDir, "timeline.jsonl") }

// ReproPath is the reproduction artifact.
func (l *Layout) ReproPath() string { return filepath.Join(l.stateDir, "repro.json") }

// HypothesesPath is the generated-hypotheses artifact.
func (l *Layout) HypothesesPath() string { return filepath.Join(l.stateDir, "hypotheses.json") }

// SummaryJSONPath and SummaryMarkdownPath are the final report files.
func (l *Layout) SummaryJSONPath() string { return filepath.Join(l.stateDir, "summary.json") }

func (l *Layout) SummaryMarkdownPath() string { return filepath.Join(l.stateDir, "summary.md") }

// ContextRepoPath is where the shared context repository is prepared.
func (l *Layout) ContextRepoPath() string { return filepath.Join(l.stateDir, "context-repo") }

// WorktreesDir holds one subdirectory per hypothesis worktree.
func (l *Layout) WorktreesDir() string { return filepath.Join(l.stateDir, "worktrees") }

// WorktreePath is the isolated workspace for one hypothesis slug.
func (l *Layout) WorktreePath(slug string) string {
	return filepath.Join(l.WorktreesDir(), slug)
}

// KVDir is the root of the tool surface's key-value namespace.
func (l *Layout) KVDir() string { return filepath.Join(l.stateDir, "kv") }

// LogPath is the per-run structured log file.
func (l *Layout) LogPath() string { return filepath.Join(l.stateDir, "logs", "run.jsonl") }
