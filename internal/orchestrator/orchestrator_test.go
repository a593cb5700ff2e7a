package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lamarqa/hypoforge/internal/agent"
	"github.com/lamarqa/hypoforge/internal/config"
	"github.com/lamarqa/hypoforge/internal/kvstore"
	"github.com/lamarqa/hypoforge/internal/metrics"
	"github.com/lamarqa/hypoforge/internal/state"
	"github.com/lamarqa/hypoforge/internal/timeline"
	"github.com/lamarqa/hypoforge/internal/workdir"
	"github.com/lamarqa/hypoforge/internal/workspace"
	"github.com/lamarqa/hypoforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRunner returns canned stdout for each invocation in order.
type scriptedRunner struct {
	outputs []string
	calls   int
}

func (r *scriptedRunner) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	if r.calls >= len(r.outputs) {
		return agent.Result{}, errors.New("unexpected agent invocation")
	}
	out := r.outputs[r.calls]
	r.calls++
	return agent.Result{Output: out}, nil
}

func newTestOrchestrator(t *testing.T, runner agent.Runner) (*Orchestrator, *state.Store, *workdir.Layout) {
	t.Helper()
	layout, err := workdir.Attach(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	store, err := state.Open(layout.StatePath(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tl, err := timeline.Open(layout.TimelinePath(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tl.Close() })
	kv, err := kvstore.New(layout.KVDir())
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load("/nonexistent/hypoforge.toml") // defaults only
	if err != nil {
		t.Fatal(err)
	}

	orch := New(Options{
		Config:    cfg,
		Layout:    layout,
		Store:     store,
		Timeline:  tl,
		Workspace: workspace.NewManager(layout, testLogger()),
		Runner:    runner,
		KV:        kv,
		Collector: metrics.NewCollector(testLogger()),
		Logger:    testLogger(),
	})
	return orch, store, layout
}

func TestGenerateRequiresSuccessfulRepro(t *testing.T) {
	orch, store, layout := newTestOrchestrator(t, &scriptedRunner{})
	if _, err := store.SetProblemPrompt("the bug"); err != nil {
		t.Fatal(err)
	}
	phaseBefore := store.Snapshot().CurrentPhase

	// No artifact at all.
	err := orch.GenerateHypotheses(context.Background())
	if !errors.Is(err, ErrReproRequired) {
		t.Fatalf("Expected ErrReproRequired, got %v", err)
	}

	// An artifact that is not Success is equally insufficient.
	if err := workdir.WriteJSON(layout.ReproPath(), models.ReproArtifact{
		Tag:       models.ReproNeedMoreInfo,
		Questions: []string{"which version?"},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	err = orch.GenerateHypotheses(context.Background())
	if !errors.Is(err, ErrReproRequired) {
		t.Fatalf("Expected ErrReproRequired for NeedMoreInfo artifact, got %v", err)
	}

	// The refused gate must not move the phase.
	if got := store.Snapshot().CurrentPhase; got != phaseBefore {
		t.Errorf("Phase moved from %s to %s on a refused gate", phaseBefore, got)
	}
	if n := len(store.Snapshot().Hypotheses); n != 0 {
		t.Errorf("Refused gate registered %d hypotheses", n)
	}
}

func TestReproduceRequiresSetup(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &scriptedRunner{})
	err := orch.Reproduce(context.Background())
	if !errors.Is(err, ErrSetupRequired) {
		t.Fatalf("Expected ErrSetupRequired, got %v", err)
	}
}

func TestRunHypothesesRequiresGeneration(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &scriptedRunner{})
	err := orch.RunHypotheses(context.Background())
	if !errors.Is(err, ErrNoHypotheses) {
		t.Fatalf("Expected ErrNoHypotheses, got %v", err)
	}
}

func TestInterruptedTestingStaysResumable(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t, &scriptedRunner{})
	orch.cfg.ToolServer.Addr = "127.0.0.1:0"
	for _, id := range []string{"H001", "H002"} {
		if _, err := store.RegisterHypothesis(id, "Hypothesis "+id, ""); err != nil {
			t.Fatal(err)
		}
	}
	phaseBefore := store.Snapshot().CurrentPhase

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // operator interrupt before any worker claims a job

	err := orch.RunHypotheses(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected a cancellation error, got %v", err)
	}

	st := store.Snapshot()
	if st.CurrentPhase != phaseBefore {
		t.Errorf("Interrupt advanced the phase: %s -> %s", phaseBefore, st.CurrentPhase)
	}
	if st.PhaseIsCompleted(models.PhaseTesting) || st.PhaseIsCompleted(models.PhaseCompleted) {
		t.Error("Interrupted run recorded testing or completion as done")
	}
	if st.Metrics.EndTime != nil {
		t.Error("Interrupted run stamped an end time")
	}
}

func TestClearSurfacesDeadTimeline(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t, &scriptedRunner{})
	if _, err := store.RegisterHypothesis("H001", "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := orch.tl.Close(); err != nil {
		t.Fatal(err)
	}

	err := orch.Clear(context.Background())
	if !errors.Is(err, timeline.ErrAppend) {
		t.Fatalf("Expected the audit trail failure to surface, got %v", err)
	}
}

func TestParseIdeas(t *testing.T) {
	out := "Here you go:\n```json\n" +
		`[{"title":"Stale cache entry","description":"d1","rationale":"r1"},` +
		`{"title":"Race in flush","description":"d2"}]` + "\n```"
	ideas, err := parseIdeas(out)
	if err != nil {
		t.Fatalf("parseIdeas() failed: %v", err)
	}
	if len(ideas) != 2 {
		t.Fatalf("Expected 2 ideas, got %d", len(ideas))
	}
	if ideas[0].Title != "Stale cache entry" || ideas[1].Description != "d2" {
		t.Errorf("ideas = %+v", ideas)
	}
}

func TestParseIdeasDropsUntitled(t *testing.T) {
	ideas, err := parseIdeas(`[{"title":"A"},{"description":"no title"}]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(ideas) != 1 {
		t.Errorf("Expected 1 usable idea, got %d", len(ideas))
	}
}

func TestParseIdeasRejectsGarbage(t *testing.T) {
	if _, err := parseIdeas("no json here"); err == nil {
		t.Error("Expected error for output without JSON")
	}
	if _, err := parseIdeas(`[{"description":"all untitled"}]`); err == nil {
		t.Error("Expected error when every idea is unusable")
	}
}

func TestCollectAnswers(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &scriptedRunner{})
	orch.ask = func(q string) (string, error) {
		return "answer to " + q, nil
	}

	answers, err := orch.collectAnswers([]string{"q1", "q2"})
	if err != nil {
		t.Fatalf("collectAnswers() failed: %v", err)
	}
	if len(answers) != 2 {
		t.Fatalf("Expected 2 answers, got %d", len(answers))
	}
	if !strings.Contains(answers[0], "q1") || !strings.Contains(answers[0], "answer to q1") {
		t.Errorf("answers[0] = %q", answers[0])
	}
}

func TestCollectAnswersWithoutQuestions(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &scriptedRunner{})
	if _, err := orch.collectAnswers(nil); err == nil {
		t.Error("Expected error for NeedMoreInfo without questions")
	}
}

func TestCollectAnswersNonInteractive(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &scriptedRunner{})
	orch.ask = nil
	if _, err := orch.collectAnswers([]string{"q"}); err == nil {
		t.Error("Expected error when no interactive session is available")
	}
}

func TestSummaryWritesReports(t *testing.T) {
	orch, store, layout := newTestOrchestrator(t, &scriptedRunner{})
	if _, err := store.SetProblemPrompt("cache returns deleted rows"); err != nil {
		t.Fatal(err)
	}
	if err := workdir.WriteJSON(layout.ReproPath(), models.ReproArtifact{
		Tag:       models.ReproSuccess,
		Signature: "stale row in response",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.RegisterHypothesis("H001", "Stale cache entry", ""); err != nil {
		t.Fatal(err)
	}
	running := models.StatusRunning
	started := time.Now().UTC().Add(-time.Minute)
	if _, err := store.UpdateHypothesis("H001", state.HypothesisUpdate{Status: &running, StartedAt: &started}); err != nil {
		t.Fatal(err)
	}
	completed := models.StatusCompleted
	done := time.Now().UTC()
	if _, err := store.UpdateHypothesis("H001", state.HypothesisUpdate{
		Status:      &completed,
		Result:      &models.HypothesisResult{Tag: models.ResultProven, Reason: "found it", ReportedAt: done},
		CompletedAt: &done,
	}); err != nil {
		t.Fatal(err)
	}

	if err := orch.Summary(context.Background()); err != nil {
		t.Fatalf("Summary() failed: %v", err)
	}

	var report models.SummaryReport
	if err := workdir.ReadJSON(layout.SummaryJSONPath(), &report); err != nil {
		t.Fatalf("summary.json not written: %v", err)
	}
	if report.Problem != "cache returns deleted rows" {
		t.Errorf("Problem = %q", report.Problem)
	}
	if len(report.ProvenCauses) != 1 || report.ProvenCauses[0] != "H001" {
		t.Errorf("ProvenCauses = %v", report.ProvenCauses)
	}
	if report.Repro == nil || report.Repro.Tag != models.ReproSuccess {
		t.Errorf("Repro = %+v", report.Repro)
	}
	if len(report.Hypotheses) != 1 || report.Hypotheses[0].Duration == "" {
		t.Errorf("Hypotheses = %+v", report.Hypotheses)
	}

	md, err := os.ReadFile(layout.SummaryMarkdownPath())
	if err != nil {
		t.Fatalf("summary.md not written: %v", err)
	}
	text := string(md)
	for _, want := range []string{"H001", "Stale cache entry", "Proven", "found it"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary.md missing %q", want)
		}
	}
}

func TestClearResetsStateAndKV(t *testing.T) {
	orch, store, layout := newTestOrchestrator(t, &scriptedRunner{})
	if _, err := store.RegisterHypothesis("H001", "t", ""); err != nil {
		t.Fatal(err)
	}
	skipped := models.StatusSkipped
	if _, err := store.UpdateHypothesis("H001", state.HypothesisUpdate{Status: &skipped}); err != nil {
		t.Fatal(err)
	}
	kv, err := kvstore.New(layout.KVDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("notes/h001", []byte("scratch")); err != nil {
		t.Fatal(err)
	}

	if err := orch.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if got := store.Snapshot().Hypotheses[0].Status; got != models.StatusPending {
		t.Errorf("status = %s after clear", got)
	}
	keys, err := kv.Keys("")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("kv namespace not cleared: %v", keys)
	}
}
