// Package workspace prepares the shared context repository and the isolated
// per-hypothesis worktrees. Git is driven through the git CLI; every
// operation is idempotent so interrupted phases can be re-run.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lamarqa/hypoforge/internal/util"
	"github.com/lamarqa/hypoforge/internal/workdir"
)

// ErrNotARepo indicates the context directory is not inside a git repository.
var ErrNotARepo = errors.New("context directory is not inside a git repository")

// branchPrefix namespaces hypothesis branches away from the operator's own.
const branchPrefix = "hypo/"

// Manager owns git operations for one working directory.
type Manager struct {
	layout *workdir.Layout
	logger *slog.Logger
}

// NewManager creates a workspace manager.
func NewManager(layout *workdir.Layout, logger *slog.Logger) *Manager {
	return &Manager{layout: layout, logger: logger}
}

// ContextRepo describes the prepared shared repository.
type ContextRepo struct {
	RepoPath     string // local clone the worktrees hang off
	RelativePath string // contextDir relative to its repository root
}

// SetupContextRepo clones the repository enclosing contextDir into the
// working directory's state area. Re-running against an existing clone
// reuses it.
func (m *Manager) SetupContextRepo(ctx context.Context, contextDir, workingDirID string) (ContextRepo, error) {
	root, err := m.git(ctx, contextDir, "rev-parse", "--show-toplevel")
	if err != nil {
		return ContextRepo{}, fmt.Errorf("%w: %s", ErrNotARepo, contextDir)
	}
	root = strings.TrimSpace(root)

	absContext, err := filepath.Abs(contextDir)
	if err != nil {
		return ContextRepo{}, fmt.Errorf("failed to resolve context directory: %w", err)
	}
	rel, err := filepath.Rel(root, absContext)
	if err != nil {
		return ContextRepo{}, fmt.Errorf("failed to compute relative path: %w", err)
	}

	repoPath := m.layout.ContextRepoPath()
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err == nil {
		m.logger.Debug("Context repo already prepared", "path", repoPath)
		return ContextRepo{RepoPath: repoPath, RelativePath: rel}, nil
	}

	m.logger.Info("Cloning context repository",
		"source", root,
		"dest", repoPath,
		"working_dir_id", workingDirID)
	if _, err := m.git(ctx, m.layout.StateDir(), "clone", "--no-hardlinks", root, repoPath); err != nil {
		return ContextRepo{}, fmt.Errorf("failed to clone context repository: %w", err)
	}

	return ContextRepo{RepoPath: repoPath, RelativePath: rel}, nil
}

// Worktree describes one hypothesis workspace.
type Worktree struct {
	HypothesisID string
	Path         string
	Branch       string
}

// CreateHypothesisWorktree adds a dedicated worktree and branch for one
// hypothesis. If the worktree already exists it is reused; ids are unique so
// a slug can only collide with its own previous run.
func (m *Manager) CreateHypothesisWorktree(ctx context.Context, hypothesisID, slug, workingDirID string) (Worktree, error) {
	path := m.layout.WorktreePath(slug)
	branch := branchPrefix + slug

	wt := Worktree{HypothesisID: hypothesisID, Path: path, Branch: branch}
	if _, err := os.Stat(path); err == nil {
		m.logger.Debug("Worktree already exists", "hypothesis_id", hypothesisID, "path", path)
		return wt, nil
	}

	if _, err := m.git(ctx, m.layout.ContextRepoPath(), "worktree", "add", "-b", branch, path); err != nil {
		return Worktree{}, fmt.Errorf("failed to create worktree for %s: %w", hypothesisID, err)
	}
	m.logger.Info("Created hypothesis worktree",
		"hypothesis_id", hypothesisID,
		"path", path,
		"branch", branch)
	return wt, nil
}

// WorktreeRequest pairs an id with its slug for batch creation.
type WorktreeRequest struct {
	HypothesisID string
	Slug         string
}

// CreateAll creates worktrees for every request concurrently. Worktree
// creation is I/O bound on checkout, so a small parallel fan-out helps on
// large repos; git serializes metadata updates itself.
func (m *Manager) CreateAll(ctx context.Context, reqs []WorktreeRequest, workingDirID string) ([]Worktree, error) {
	results := make([]Worktree, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			wt, err := m.CreateHypothesisWorktree(gctx, req.HypothesisID, req.Slug, workingDirID)
			if err != nil {
				return err
			}
			results[i] = wt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// git runs one git command in dir and returns its stdout.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s",
			args[0], err, util.TruncateString(strings.TrimSpace(string(out)), 300))
	}
	return string(out), nil
}
