package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lamarqa/hypoforge/internal/agent"
	"github.com/lamarqa/hypoforge/internal/state"
	"github.com/lamarqa/hypoforge/internal/toolserver"
	"github.com/lamarqa/hypoforge/internal/util"
	"github.com/lamarqa/hypoforge/internal/workdir"
	"github.com/lamarqa/hypoforge/internal/workspace"
	"github.com/lamarqa/hypoforge/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Setup records the problem statement and prepares the context repository
// clone that hypothesis worktrees will hang off.
func (o *Orchestrator) Setup(ctx context.Context, contextDir, problem string) error {
	if problem == "" {
		return errors.New("a problem statement is required")
	}
	o.tl.Phase(models.EventTypePhaseStarted, models.PhaseSetup, "preparing working directory")

	st, err := o.store.SetProblemPrompt(problem)
	if err != nil {
		return o.failPhase(models.PhaseSetup, err)
	}

	repo, err := o.ws.SetupContextRepo(ctx, contextDir, st.WorkingDirID)
	if err != nil {
		return o.failPhase(models.PhaseSetup, err)
	}
	o.tl.Git(models.EventTypeRepoPrepared, repo.RepoPath)

	if _, err := o.store.SetPhase(models.PhaseSetup); err != nil {
		return o.failPhase(models.PhaseSetup, err)
	}
	o.logger.Info("Setup complete",
		"working_dir_id", st.WorkingDirID,
		"context_repo", repo.RepoPath)
	return o.completePhase(models.PhaseSetup, "working directory ready")
}

// Reproduce runs the agent against the context repository until it reports a
// Success or Failure verdict. A NeedMoreInfo verdict pauses to collect
// operator answers, then retries with the answers folded into the prompt, up
// to the configured attempt cap per invocation.
func (o *Orchestrator) Reproduce(ctx context.Context) error {
	st := o.store.Snapshot()
	if st.ProblemPrompt == "" {
		return ErrSetupRequired
	}
	o.tl.Phase(models.EventTypePhaseStarted, models.PhaseReproduction, "reproducing the failure")

	// Answers from an earlier invocation survive in the artifact, so an
	// exhausted session picks up where it stopped.
	var answers []string
	var prev models.ReproArtifact
	if err := workdir.ReadJSON(o.layout.ReproPath(), &prev); err == nil {
		answers = prev.Answers
	}

	for attempt := 1; attempt <= o.cfg.Run.ReproMaxAttempts; attempt++ {
		o.logger.Info("Reproduction attempt",
			"attempt", attempt,
			"max_attempts", o.cfg.Run.ReproMaxAttempts)

		artifact, err := o.runReproAttempt(ctx, st.ProblemPrompt, answers)
		if err != nil {
			return o.failPhase(models.PhaseReproduction, err)
		}

		switch artifact.Tag {
		case models.ReproSuccess:
			if _, err := o.store.SetPhase(models.PhaseReproduction); err != nil {
				return o.failPhase(models.PhaseReproduction, err)
			}
			o.logger.Info("Reproduction succeeded", "signature", artifact.Signature)
			return o.completePhase(models.PhaseReproduction,
				fmt.Sprintf("reproduced: %s", util.TruncateString(artifact.Signature, 120)))

		case models.ReproFailure:
			err := fmt.Errorf("%w: %s", ErrReproFailed, artifact.Notes)
			return o.failPhase(models.PhaseReproduction, err)

		case models.ReproNeedMoreInfo:
			collected, err := o.collectAnswers(artifact.Questions)
			if err != nil {
				return o.failPhase(models.PhaseReproduction, err)
			}
			answers = append(answers, collected...)
			artifact.Answers = answers
			if err := workdir.WriteJSON(o.layout.ReproPath(), artifact); err != nil {
				return o.failPhase(models.PhaseReproduction, err)
			}
		}
	}

	o.tl.Phase(models.EventTypePhaseFailed, models.PhaseReproduction,
		"attempt budget exhausted while gathering information")
	return ErrReproExhausted
}

// runReproAttempt performs one agent invocation and returns the artifact the
// agent reported through the tool surface.
func (o *Orchestrator) runReproAttempt(ctx context.Context, problem string, answers []string) (models.ReproArtifact, error) {
	tmpl := o.cfg.PromptTemplates.Reproduction
	prompt, err := util.RenderTemplate(tmpl, map[string]interface{}{
		"Problem": problem,
		"Answers": answers,
	})
	if err != nil {
		return models.ReproArtifact{}, fmt.Errorf("failed to render reproduction prompt: %w", err)
	}

	srv := o.newToolServer()
	var artifact models.ReproArtifact
	err = o.withToolServer(ctx, srv, func(ctx context.Context) error {
		st := o.store.Snapshot()
		start := time.Now()
		_, runErr := o.runner.Run(ctx, agent.Request{
			WorkDir:      o.layout.ContextRepoPath(),
			Prompt:       prompt,
			ToolURL:      srv.BaseURL(),
			WorkingDirID: st.WorkingDirID,
		})
		o.collector.RecordAgentInvocation(string(models.PhaseReproduction), time.Since(start), runErr == nil)
		if runErr != nil {
			return fmt.Errorf("reproduction agent failed: %w", runErr)
		}
		if err := workdir.ReadJSON(o.layout.ReproPath(), &artifact); err != nil {
			if errors.Is(err, workdir.ErrNoArtifact) {
				return errors.New("agent exited without reporting a reproduction result")
			}
			return err
		}
		return nil
	})
	return artifact, err
}

// collectAnswers prompts the operator for each agent question.
func (o *Orchestrator) collectAnswers(questions []string) ([]string, error) {
	if len(questions) == 0 {
		return nil, errors.New("agent asked for more information but listed no questions")
	}
	if o.ask == nil {
		return nil, errors.New("agent needs more information but no interactive session is available")
	}
	answers := make([]string, 0, len(questions))
	for _, q := range questions {
		a, err := o.ask(q)
		if err != nil {
			return nil, fmt.Errorf("failed to collect answer: %w", err)
		}
		o.tl.User(models.EventTypeUserAnswer, fmt.Sprintf("%s -> %s", q, a))
		answers = append(answers, fmt.Sprintf("%s: %s", q, a))
	}
	return answers, nil
}

// GenerateHypotheses asks the agent for candidate root causes, registers each
// new one, and creates an isolated git worktree per hypothesis. Re-running
// skips titles that are already registered.
func (o *Orchestrator) GenerateHypotheses(ctx context.Context) error {
	var repro models.ReproArtifact
	if err := workdir.ReadJSON(o.layout.ReproPath(), &repro); err != nil || repro.Tag != models.ReproSuccess {
		return ErrReproRequired
	}
	st := o.store.Snapshot()
	o.tl.Phase(models.EventTypePhaseStarted, models.PhaseGeneration, "generating hypotheses")

	prompt, err := util.RenderTemplate(o.cfg.PromptTemplates.HypothesisGeneration, map[string]interface{}{
		"Problem":       st.ProblemPrompt,
		"Signature":     repro.Signature,
		"MaxHypotheses": o.cfg.Run.MaxHypotheses,
	})
	if err != nil {
		return o.failPhase(models.PhaseGeneration, fmt.Errorf("failed to render generation prompt: %w", err))
	}

	start := time.Now()
	res, err := o.runner.Run(ctx, agent.Request{
		WorkDir:      o.layout.ContextRepoPath(),
		Prompt:       prompt,
		WorkingDirID: st.WorkingDirID,
	})
	o.collector.RecordAgentInvocation(string(models.PhaseGeneration), time.Since(start), err == nil)
	if err != nil {
		return o.failPhase(models.PhaseGeneration, fmt.Errorf("generation agent failed: %w", err))
	}

	ideas, err := parseIdeas(res.Output)
	if err != nil {
		return o.failPhase(models.PhaseGeneration, err)
	}
	if len(ideas) > o.cfg.Run.MaxHypotheses {
		o.logger.Warn("Agent proposed more hypotheses than allowed, truncating",
			"proposed", len(ideas),
			"max", o.cfg.Run.MaxHypotheses)
		ideas = ideas[:o.cfg.Run.MaxHypotheses]
	}

	if err := workdir.WriteJSON(o.layout.HypothesesPath(), models.HypothesisList{
		GeneratedAt: time.Now().UTC(),
		Ideas:       ideas,
	}); err != nil {
		return o.failPhase(models.PhaseGeneration, err)
	}

	registered, err := o.registerIdeas(ideas)
	if err != nil {
		return o.failPhase(models.PhaseGeneration, err)
	}
	if err := o.createWorktrees(ctx, registered); err != nil {
		return o.failPhase(models.PhaseGeneration, err)
	}

	if _, err := o.store.SetPhase(models.PhaseGeneration); err != nil {
		return o.failPhase(models.PhaseGeneration, err)
	}
	o.logger.Info("Hypothesis generation complete", "registered", len(registered))
	return o.completePhase(models.PhaseGeneration,
		fmt.Sprintf("%d hypotheses registered", len(registered)))
}

// parseIdeas extracts the JSON array of candidate hypotheses from agent
// stdout, tolerating surrounding prose and markdown fences.
func parseIdeas(output string) ([]models.HypothesisIdea, error) {
	raw := util.ExtractJSON(output)
	if raw == "" {
		return nil, errors.New("agent output contained no JSON hypothesis list")
	}
	var ideas []models.HypothesisIdea
	if err := json.Unmarshal([]byte(raw), &ideas); err != nil {
		return nil, fmt.Errorf("failed to parse hypothesis list: %w", err)
	}
	valid := make([]models.HypothesisIdea, 0, len(ideas))
	for _, idea := range ideas {
		if idea.Title == "" {
			continue
		}
		valid = append(valid, idea)
	}
	if len(valid) == 0 {
		return nil, errors.New("agent proposed no usable hypotheses")
	}
	return valid, nil
}

// registerIdeas adds each idea not already present in the census and returns
// the records that now need worktrees.
func (o *Orchestrator) registerIdeas(ideas []models.HypothesisIdea) ([]models.HypothesisRecord, error) {
	existing := make(map[string]bool)
	for _, h := range o.store.Snapshot().Hypotheses {
		existing[h.Title] = true
	}

	for _, idea := range ideas {
		if existing[idea.Title] {
			o.logger.Debug("Hypothesis already registered, skipping", "title", idea.Title)
			continue
		}
		id, err := o.store.RegisterNextHypothesis(idea.Title, idea.Description)
		if err != nil {
			return nil, err
		}
		o.tl.Hypothesis(models.EventTypeHypothesisRegistered, id, idea.Title)
		existing[idea.Title] = true
	}

	st := o.store.Snapshot()
	var need []models.HypothesisRecord
	for _, h := range st.Hypotheses {
		if h.WorktreePath == "" {
			need = append(need, h)
		}
	}
	return need, nil
}

// createWorktrees materializes one git worktree per hypothesis and records
// the path and branch in the census.
func (o *Orchestrator) createWorktrees(ctx context.Context, records []models.HypothesisRecord) error {
	if len(records) == 0 {
		return nil
	}
	reqs := make([]workspace.WorktreeRequest, len(records))
	for i, h := range records {
		reqs[i] = workspace.WorktreeRequest{HypothesisID: h.ID, Slug: h.Slug}
	}
	st := o.store.Snapshot()
	trees, err := o.ws.CreateAll(ctx, reqs, st.WorkingDirID)
	if err != nil {
		return err
	}
	for _, wt := range trees {
		upd := state.HypothesisUpdate{WorktreePath: &wt.Path, BranchName: &wt.Branch}
		if _, err := o.store.UpdateHypothesis(wt.HypothesisID, upd); err != nil {
			return err
		}
		o.tl.Git(models.EventTypeWorktreeMade, wt.Path)
	}
	return nil
}

// RunHypotheses starts the tool surface, hands the pending census to the
// worker supervisor, and completes the run when every hypothesis is terminal.
func (o *Orchestrator) RunHypotheses(ctx context.Context) error {
	st := o.store.Snapshot()
	if len(st.Hypotheses) == 0 {
		return ErrNoHypotheses
	}
	o.tl.Phase(models.EventTypePhaseStarted, models.PhaseTesting,
		fmt.Sprintf("testing %d hypotheses", len(st.Hypotheses)))

	srv := o.newToolServer()
	err := o.withToolServer(ctx, srv, func(ctx context.Context) error {
		return o.newSupervisor(srv.BaseURL()).RunAll(ctx, o.store.Snapshot().Hypotheses)
	})
	if err != nil {
		return o.failPhase(models.PhaseTesting, err)
	}
	if err := ctx.Err(); err != nil {
		// An interrupted run stays re-invokable: anything marked skipped
		// comes back after a clear, and the phase is not advanced.
		return o.failPhase(models.PhaseTesting,
			fmt.Errorf("hypothesis testing interrupted: %w", err))
	}

	o.recordOutcomes()

	if _, err := o.store.SetPhase(models.PhaseTesting); err != nil {
		return o.failPhase(models.PhaseTesting, err)
	}
	if err := o.completePhase(models.PhaseTesting, "all hypotheses resolved"); err != nil {
		return err
	}

	if allTerminal(o.store.Snapshot()) {
		if _, err := o.store.CompleteRun(); err != nil {
			return err
		}
		o.logger.Info("Run complete")
	}
	return nil
}

// buildTestingPrompt renders the prompt one worker hands its agent.
func (o *Orchestrator) buildTestingPrompt(h models.HypothesisRecord) (string, error) {
	st := o.store.Snapshot()
	var repro models.ReproArtifact
	if err := workdir.ReadJSON(o.layout.ReproPath(), &repro); err != nil {
		return "", fmt.Errorf("failed to read reproduction artifact: %w", err)
	}
	return util.RenderTemplate(o.cfg.PromptTemplates.HypothesisTesting, map[string]interface{}{
		"Problem":      st.ProblemPrompt,
		"HypothesisID": h.ID,
		"Title":        h.Title,
		"Description":  h.Description,
		"Signature":    repro.Signature,
	})
}

// withToolServer runs fn while the result-reporting surface is listening,
// then shuts the surface down.
func (o *Orchestrator) withToolServer(ctx context.Context, srv *toolserver.Server, fn func(context.Context) error) error {
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		return srv.Run(serverCtx)
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	return g.Wait()
}

func (o *Orchestrator) recordOutcomes() {
	for _, h := range o.store.Snapshot().Hypotheses {
		tag := ""
		if h.Result != nil {
			tag = string(h.Result.Tag)
		}
		o.collector.RecordHypothesisOutcome(string(h.Status), tag)
	}
}

func allTerminal(st *models.RunState) bool {
	for _, h := range st.Hypotheses {
		if !h.Status.IsTerminal() {
			return false
		}
	}
	return true
}
