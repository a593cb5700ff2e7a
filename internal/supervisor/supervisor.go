// Package supervisor runs one worker per hypothesis with bounded
// concurrency. A worker's failure is isolated to its own hypothesis; the
// shared state store serializes all mutations, so workers never corrupt each
// other. Verdicts arrive through the tool surface while the agent runs; the
// worker itself only brackets the invocation and synthesizes an
// Inconclusive result when the agent fails to deliver one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamarqa/hypoforge/internal/agent"
	"github.com/lamarqa/hypoforge/internal/metrics"
	"github.com/lamarqa/hypoforge/internal/state"
	"github.com/lamarqa/hypoforge/internal/timeline"
	"github.com/lamarqa/hypoforge/pkg/models"
)

// PromptFunc builds the testing prompt for one hypothesis.
type PromptFunc func(h models.HypothesisRecord) (string, error)

// Supervisor drives the hypothesis-testing phase.
type Supervisor struct {
	store        *state.Store
	tl           *timeline.Log
	runner       agent.Runner
	collector    *metrics.Collector
	logger       *slog.Logger
	concurrency  int
	toolURL      string
	workingDirID string
	buildPrompt  PromptFunc
	showProgress bool
}

// Options configures a Supervisor.
type Options struct {
	Store        *state.Store
	Timeline     *timeline.Log
	Runner       agent.Runner
	Collector    *metrics.Collector
	Logger       *slog.Logger
	Concurrency  int
	ToolURL      string
	WorkingDirID string
	BuildPrompt  PromptFunc
	ShowProgress bool
}

// New creates a Supervisor. Concurrency defaults to 4.
func New(opts Options) *Supervisor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Supervisor{
		store:        opts.Store,
		tl:           opts.Timeline,
		runner:       opts.Runner,
		collector:    opts.Collector,
		logger:       opts.Logger,
		concurrency:  opts.Concurrency,
		toolURL:      opts.ToolURL,
		workingDirID: opts.WorkingDirID,
		buildPrompt:  opts.BuildPrompt,
		showProgress: opts.ShowProgress,
	}
}

// workerResult is what a worker hands the collector. err is only set for
// store-level failures, which are fatal; agent-level failures have already
// been converted into the hypothesis's own terminal state.
type workerResult struct {
	hypothesisID string
	err          error
}

// RunAll tests every non-terminal hypothesis. At most `concurrency` agents
// run simultaneously; the rest queue. No single worker failure escapes:
// the returned error is non-nil only for shared-state persistence failures,
// which poison the whole run.
func (s *Supervisor) RunAll(ctx context.Context, hypotheses []models.HypothesisRecord) error {
	pending := make([]models.HypothesisRecord, 0, len(hypotheses))
	for _, h := range hypotheses {
		if !h.Status.IsTerminal() {
			pending = append(pending, h)
		}
	}
	if len(pending) == 0 {
		s.logger.Info("No hypotheses left to test")
		return nil
	}

	s.logger.Info("Testing hypotheses",
		"total", len(pending),
		"concurrency", s.concurrency)

	jobs := make(chan models.HypothesisRecord, len(pending))
	results := make(chan workerResult, len(pending))

	var wg sync.WaitGroup
	wg.Add(s.concurrency)
	for i := 0; i < s.concurrency; i++ {
		go s.worker(ctx, i, jobs, results, &wg)
	}

	for _, h := range pending {
		jobs <- h
	}
	close(jobs)

	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	var fatal error
	go func() {
		defer collectorWg.Done()
		fatal = s.collectResults(results, len(pending))
	}()

	wg.Wait()
	close(results)
	collectorWg.Wait()

	if err := s.skipUnclaimed(ctx); err != nil && fatal == nil {
		fatal = err
	}
	if fatal == nil {
		// A dead audit trail poisons the run the same way a failed persist does.
		fatal = s.tl.Err()
	}
	return fatal
}

func (s *Supervisor) worker(
	ctx context.Context,
	workerID int,
	jobs <-chan models.HypothesisRecord,
	results chan<- workerResult,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	workerLogger := s.logger.With("worker_id", workerID)
	workerLogger.Debug("Worker started")

	for h := range jobs {
		select {
		case <-ctx.Done():
			// Leave the hypothesis pending; skipUnclaimed marks it skipped.
			workerLogger.Info("Worker cancelled", "hypothesis_id", h.ID)
			results <- workerResult{hypothesisID: h.ID}
			continue
		default:
		}

		results <- workerResult{hypothesisID: h.ID, err: s.testHypothesis(ctx, workerLogger, h)}
	}

	workerLogger.Debug("Worker finished")
}

// testHypothesis drives one hypothesis to a terminal state. The returned
// error is nil unless the shared store itself failed.
func (s *Supervisor) testHypothesis(ctx context.Context, logger *slog.Logger, h models.HypothesisRecord) error {
	s.collector.WorkerStarted()
	defer s.collector.WorkerFinished()

	now := time.Now().UTC()
	running := models.StatusRunning
	if _, err := s.store.UpdateHypothesis(h.ID, state.HypothesisUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		if errors.Is(err, state.ErrIllegalTransition) {
			// Already resolved in a previous invocation; nothing to do.
			logger.Debug("Hypothesis already terminal, skipping", "hypothesis_id", h.ID)
			return nil
		}
		return fmt.Errorf("failed to claim hypothesis %s: %w", h.ID, err)
	}
	s.tl.Hypothesis(models.EventTypeHypothesisStarted, h.ID, h.Title)

	prompt, err := s.buildPrompt(h)
	if err == nil {
		var res agent.Result
		res, err = s.runner.Run(ctx, agent.Request{
			WorkDir:      h.WorktreePath,
			Prompt:       prompt,
			HypothesisID: h.ID,
			ToolURL:      s.toolURL,
			WorkingDirID: s.workingDirID,
		})
		s.collector.RecordAgentInvocation(string(models.PhaseTesting), res.Duration, err == nil)
	}

	if err != nil {
		// Execution-level failure: crash, timeout, protocol violation. The
		// hypothesis completes Inconclusive with the error text; siblings
		// are unaffected.
		logger.Warn("Hypothesis agent failed",
			"hypothesis_id", h.ID,
			"error", err)
		s.tl.HypothesisError(models.EventTypeHypothesisFailed, h.ID, err)
		return s.resolveInconclusive(h.ID, fmt.Sprintf("agent execution failed: %v", err))
	}

	// Success path: the agent's own tool call should have recorded the
	// verdict. If it exited without reporting, that is a protocol violation.
	current := s.store.Snapshot().Hypothesis(h.ID)
	if current == nil {
		return fmt.Errorf("%w: %s", state.ErrHypothesisNotFound, h.ID)
	}
	if current.Status == models.StatusRunning {
		logger.Warn("Agent exited without reporting a verdict", "hypothesis_id", h.ID)
		s.tl.HypothesisError(models.EventTypeHypothesisFailed, h.ID,
			errors.New("agent exited without reporting a verdict"))
		return s.resolveInconclusive(h.ID, "agent exited without reporting a verdict")
	}

	if current.Result != nil {
		s.collector.RecordHypothesisOutcome(string(current.Status), string(current.Result.Tag))
		logger.Info("Hypothesis resolved",
			"hypothesis_id", h.ID,
			"tag", current.Result.Tag)
	}
	return nil
}

// resolveInconclusive marks a hypothesis completed with a synthesized
// Inconclusive result carrying the failure reason.
func (s *Supervisor) resolveInconclusive(id, reason string) error {
	now := time.Now().UTC()
	completed := models.StatusCompleted
	_, err := s.store.UpdateHypothesis(id, state.HypothesisUpdate{
		Status: &completed,
		Result: &models.HypothesisResult{
			Tag:        models.ResultInconclusive,
			Reason:     reason,
			ReportedAt: now,
		},
		CompletedAt: &now,
	})
	if err != nil {
		if errors.Is(err, state.ErrIllegalTransition) {
			// The agent reported in the same instant it crashed; the
			// recorded verdict wins.
			return nil
		}
		return fmt.Errorf("failed to record inconclusive result for %s: %w", id, err)
	}
	s.collector.RecordHypothesisOutcome(string(models.StatusCompleted), string(models.ResultInconclusive))
	s.tl.Hypothesis(models.EventTypeHypothesisCompleted, id, "inconclusive: "+reason)
	return nil
}

// collectResults updates progress as workers finish and aggregates fatal
// store errors.
func (s *Supervisor) collectResults(results <-chan workerResult, total int) error {
	var bar *progressbar.ProgressBar
	if s.showProgress {
		bar = progressbar.Default(int64(total), "Testing hypotheses")
	}

	done := 0
	var fatal error
	for res := range results {
		done++
		if bar != nil {
			_ = bar.Add(1)
		}
		if res.err != nil {
			s.logger.Error("Hypothesis worker hit a fatal store error",
				"hypothesis_id", res.hypothesisID,
				"error", res.err)
			if fatal == nil {
				fatal = res.err
			}
		}
		if _, err := s.store.SetProgress(done, total, "testing hypotheses"); err != nil && fatal == nil {
			fatal = err
		}
	}
	return fatal
}

// skipUnclaimed marks hypotheses the run never claimed as skipped. This only
// happens when the run is cancelled before a worker picks them up.
func (s *Supervisor) skipUnclaimed(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	skipped := models.StatusSkipped
	for _, h := range s.store.Snapshot().Hypotheses {
		if h.Status != models.StatusPending {
			continue
		}
		if _, err := s.store.UpdateHypothesis(h.ID, state.HypothesisUpdate{Status: &skipped}); err != nil {
			return fmt.Errorf("failed to mark %s skipped: %w", h.ID, err)
		}
		s.tl.Hypothesis(models.EventTypeHypothesisSkipped, h.ID, "run ended before testing")
	}
	return nil
}
