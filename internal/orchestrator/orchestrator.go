// Package orchestrator sequences the phases of a debugging run: setup,
// reproduction, hypothesis generation, hypothesis testing, and the final
// summary. Each phase command is independently invokable and tolerates
// re-running after partial completion.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lamarqa/hypoforge/internal/agent"
	"github.com/lamarqa/hypoforge/internal/config"
	"github.com/lamarqa/hypoforge/internal/kvstore"
	"github.com/lamarqa/hypoforge/internal/metrics"
	"github.com/lamarqa/hypoforge/internal/state"
	"github.com/lamarqa/hypoforge/internal/supervisor"
	"github.com/lamarqa/hypoforge/internal/timeline"
	"github.com/lamarqa/hypoforge/internal/toolserver"
	"github.com/lamarqa/hypoforge/internal/workdir"
	"github.com/lamarqa/hypoforge/internal/workspace"
	"github.com/lamarqa/hypoforge/pkg/models"
)

var (
	// ErrReproRequired gates hypothesis generation on a successful
	// reproduction. Downstream hypothesis quality depends on a grounded
	// failure signature; the system refuses to guess without one.
	ErrReproRequired = errors.New("no successful reproduction found: run `hypoforge repro` first")
	// ErrSetupRequired indicates the run has no problem statement yet.
	ErrSetupRequired = errors.New("working directory is not set up: run `hypoforge setup` first")
	// ErrNoHypotheses indicates testing was requested before generation.
	ErrNoHypotheses = errors.New("no hypotheses registered: run `hypoforge generate-hypotheses` first")
	// ErrReproFailed indicates reproduction ended in a Failure verdict.
	ErrReproFailed = errors.New("reproduction failed")
	// ErrReproExhausted indicates the NeedMoreInfo loop ran out of attempts.
	ErrReproExhausted = errors.New("reproduction still needs more information: re-run `hypoforge repro` to continue answering")
)

// AskFunc collects an operator answer to an agent question during the
// reproduction NeedMoreInfo loop.
type AskFunc func(question string) (string, error)

// Orchestrator wires the core components for one working directory.
type Orchestrator struct {
	cfg       *config.Config
	layout    *workdir.Layout
	store     *state.Store
	tl        *timeline.Log
	ws        *workspace.Manager
	runner    agent.Runner
	kv        *kvstore.Store
	collector *metrics.Collector
	logger    *slog.Logger
	ask       AskFunc

	showProgress bool
}

// Options configures an Orchestrator.
type Options struct {
	Config       *config.Config
	Layout       *workdir.Layout
	Store        *state.Store
	Timeline     *timeline.Log
	Workspace    *workspace.Manager
	Runner       agent.Runner
	KV           *kvstore.Store
	Collector    *metrics.Collector
	Logger       *slog.Logger
	Ask          AskFunc
	ShowProgress bool
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:          opts.Config,
		layout:       opts.Layout,
		store:        opts.Store,
		tl:           opts.Timeline,
		ws:           opts.Workspace,
		runner:       opts.Runner,
		kv:           opts.KV,
		collector:    opts.Collector,
		logger:       opts.Logger,
		ask:          opts.Ask,
		showProgress: opts.ShowProgress,
	}
}

// All runs the full pipeline, skipping phases that already completed so an
// interrupted run resumes where it left off.
func (o *Orchestrator) All(ctx context.Context, contextDir, problem string) error {
	st := o.store.Snapshot()

	if st.ProblemPrompt == "" {
		if err := o.Setup(ctx, contextDir, problem); err != nil {
			return err
		}
	} else {
		o.logger.Info("Setup already complete, skipping")
	}

	if !o.hasSuccessfulRepro() {
		if err := o.Reproduce(ctx); err != nil {
			return err
		}
	} else {
		o.logger.Info("Reproduction already complete, skipping")
	}

	st = o.store.Snapshot()
	if len(st.Hypotheses) == 0 {
		if err := o.GenerateHypotheses(ctx); err != nil {
			return err
		}
	} else {
		o.logger.Info("Hypotheses already generated, skipping",
			"count", len(st.Hypotheses))
	}

	if err := o.RunHypotheses(ctx); err != nil {
		return err
	}
	return o.Summary(ctx)
}

// Clear resets every hypothesis to pending and wipes the tool surface's
// key-value namespace, so a stuck session can be re-run from a clean slate.
func (o *Orchestrator) Clear(ctx context.Context) error {
	if _, err := o.store.Clear(); err != nil {
		return err
	}
	if err := o.kv.Clear(); err != nil {
		return err
	}
	o.tl.System(models.EventTypeRunCleared, "all hypotheses reset to pending")
	o.logger.Info("Run cleared: all hypotheses reset to pending")
	return o.tl.Err()
}

// hasSuccessfulRepro reports whether a Success-tagged reproduction artifact
// is on disk.
func (o *Orchestrator) hasSuccessfulRepro() bool {
	var artifact models.ReproArtifact
	if err := workdir.ReadJSON(o.layout.ReproPath(), &artifact); err != nil {
		return false
	}
	return artifact.Tag == models.ReproSuccess
}

// completePhase emits the phase.completed event and surfaces any audit
// trail failure latched during the phase, so a run never finishes a phase
// with an incomplete timeline.
func (o *Orchestrator) completePhase(phase models.Phase, message string) error {
	o.tl.Phase(models.EventTypePhaseCompleted, phase, message)
	if err := o.tl.Err(); err != nil {
		return o.failPhase(phase, err)
	}
	return nil
}

// failPhase records a failed phase in the timeline and marks the run failed
// for errors that poison the whole run (shared-state persistence failures).
// Phase-local errors keep the run re-invokable and leave currentPhase alone.
func (o *Orchestrator) failPhase(phase models.Phase, err error) error {
	o.tl.Phase(models.EventTypePhaseFailed, phase, err.Error())
	if errors.Is(err, state.ErrPersist) || errors.Is(err, timeline.ErrAppend) {
		if _, ferr := o.store.FailRun(); ferr != nil {
			o.logger.Error("Failed to mark run failed", "error", ferr)
		}
	}
	return err
}

// newSupervisor builds the worker supervisor for the testing phase.
func (o *Orchestrator) newSupervisor(toolURL string) *supervisor.Supervisor {
	st := o.store.Snapshot()
	return supervisor.New(supervisor.Options{
		Store:        o.store,
		Timeline:     o.tl,
		Runner:       o.runner,
		Collector:    o.collector,
		Logger:       o.logger,
		Concurrency:  o.cfg.Run.Concurrency,
		ToolURL:      toolURL,
		WorkingDirID: st.WorkingDirID,
		BuildPrompt:  o.buildTestingPrompt,
		ShowProgress: o.showProgress,
	})
}

// newToolServer builds the result-reporting surface for agent callbacks.
func (o *Orchestrator) newToolServer() *toolserver.Server {
	return toolserver.New(o.cfg.ToolServer.Addr, o.store, o.kv, o.tl, o.layout, o.logger)
}
