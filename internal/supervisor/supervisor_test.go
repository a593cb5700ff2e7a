package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lamarqa/hypoforge/internal/agent"
	"github.com/lamarqa/hypoforge/internal/metrics"
	"github.com/lamarqa/hypoforge/internal/state"
	"github.com/lamarqa/hypoforge/internal/timeline"
	"github.com/lamarqa/hypoforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner simulates agents. Verdicts normally arrive through the tool
// surface while the agent runs, so the fake reports straight into the store
// before returning, exactly as a live agent's tool call would.
type fakeRunner struct {
	store *state.Store

	mu             sync.Mutex
	failIDs        map[string]bool // agents that crash
	muteIDs        map[string]bool // agents that exit without reporting
	timeoutIDs     map[string]bool // agents killed at their deadline
	reportThenFail map[string]bool // agents that report, then die
	verdicts       map[string]models.ResultTag

	maxConcurrent int
	current       int
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	f.mu.Lock()
	f.current++
	if f.current > f.maxConcurrent {
		f.maxConcurrent = f.current
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.current--
		f.mu.Unlock()
	}()

	time.Sleep(5 * time.Millisecond) // let siblings overlap

	if f.failIDs[req.HypothesisID] {
		return agent.Result{}, errors.New("exit status 1")
	}
	if f.timeoutIDs[req.HypothesisID] {
		return agent.Result{}, fmt.Errorf("%w after 5ms", agent.ErrTimeout)
	}
	if f.muteIDs[req.HypothesisID] {
		return agent.Result{Output: "done"}, nil
	}

	tag := models.ResultDisproven
	if t, ok := f.verdicts[req.HypothesisID]; ok {
		tag = t
	}
	now := time.Now().UTC()
	completed := models.StatusCompleted
	_, err := f.store.UpdateHypothesis(req.HypothesisID, state.HypothesisUpdate{
		Status: &completed,
		Result: &models.HypothesisResult{
			Tag:        tag,
			Reason:     "verdict from test agent",
			ReportedAt: now,
		},
		CompletedAt: &now,
	})
	if err != nil {
		return agent.Result{}, fmt.Errorf("report failed: %w", err)
	}
	if f.reportThenFail[req.HypothesisID] {
		return agent.Result{}, errors.New("signal: killed")
	}
	return agent.Result{Output: "done"}, nil
}

func newTestSupervisor(t *testing.T, runner agent.Runner, store *state.Store, concurrency int) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	tl, err := timeline.Open(filepath.Join(dir, "timeline.jsonl"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tl.Close() })

	return New(Options{
		Store:       store,
		Timeline:    tl,
		Runner:      runner,
		Collector:   metrics.NewCollector(testLogger()),
		Logger:      testLogger(),
		Concurrency: concurrency,
		ToolURL:     "http://127.0.0.1:0",
		BuildPrompt: func(h models.HypothesisRecord) (string, error) {
			return "test " + h.ID, nil
		},
	})
}

func openStoreWithHypotheses(t *testing.T, n int) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("H%03d", i)
		if _, err := s.RegisterHypothesis(id, "Hypothesis "+id, ""); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestRunAllResolvesEverything(t *testing.T) {
	store := openStoreWithHypotheses(t, 5)
	runner := &fakeRunner{
		store:    store,
		verdicts: map[string]models.ResultTag{"H002": models.ResultProven},
	}
	sup := newTestSupervisor(t, runner, store, 3)

	if err := sup.RunAll(context.Background(), store.Snapshot().Hypotheses); err != nil {
		t.Fatalf("RunAll() failed: %v", err)
	}

	st := store.Snapshot()
	for _, h := range st.Hypotheses {
		if h.Status != models.StatusCompleted {
			t.Errorf("%s: status = %s, want completed", h.ID, h.Status)
		}
		if h.Result == nil {
			t.Errorf("%s: missing result", h.ID)
		}
		if h.StartedAt == nil || h.CompletedAt == nil {
			t.Errorf("%s: missing timestamps", h.ID)
		}
	}
	if st.Hypotheses[1].Result.Tag != models.ResultProven {
		t.Errorf("H002 tag = %s, want Proven", st.Hypotheses[1].Result.Tag)
	}
	if st.Metrics.Completed != 5 {
		t.Errorf("Completed = %d, want 5", st.Metrics.Completed)
	}
	if st.Progress.Current != 5 || st.Progress.Total != 5 {
		t.Errorf("Progress = %d/%d, want 5/5", st.Progress.Current, st.Progress.Total)
	}
}

func TestConcurrencyBound(t *testing.T) {
	store := openStoreWithHypotheses(t, 8)
	runner := &fakeRunner{store: store}
	sup := newTestSupervisor(t, runner, store, 2)

	if err := sup.RunAll(context.Background(), store.Snapshot().Hypotheses); err != nil {
		t.Fatalf("RunAll() failed: %v", err)
	}
	if runner.maxConcurrent > 2 {
		t.Errorf("Observed %d concurrent agents, bound is 2", runner.maxConcurrent)
	}
}

func TestWorkerFailureIsolation(t *testing.T) {
	store := openStoreWithHypotheses(t, 5)
	runner := &fakeRunner{
		store:   store,
		failIDs: map[string]bool{"H003": true},
	}
	sup := newTestSupervisor(t, runner, store, 2)

	if err := sup.RunAll(context.Background(), store.Snapshot().Hypotheses); err != nil {
		t.Fatalf("RunAll() must not surface agent failures: %v", err)
	}

	st := store.Snapshot()
	for _, h := range st.Hypotheses {
		if h.Status != models.StatusCompleted {
			t.Errorf("%s: status = %s, want completed", h.ID, h.Status)
		}
	}
	crashed := st.Hypothesis("H003")
	if crashed.Result == nil || crashed.Result.Tag != models.ResultInconclusive {
		t.Fatalf("H003 should complete Inconclusive, got %+v", crashed.Result)
	}
	if crashed.Result.Reason == "" {
		t.Error("Inconclusive result should carry the failure reason")
	}
	if st.Metrics.Successful != 4 || st.Metrics.Failed != 1 {
		t.Errorf("Metrics = %d successful / %d failed, want 4/1",
			st.Metrics.Successful, st.Metrics.Failed)
	}
}

func TestCrashAfterReportKeepsVerdict(t *testing.T) {
	store := openStoreWithHypotheses(t, 3)
	runner := &fakeRunner{
		store:          store,
		reportThenFail: map[string]bool{"H002": true},
		verdicts:       map[string]models.ResultTag{"H002": models.ResultProven},
	}
	sup := newTestSupervisor(t, runner, store, 2)

	if err := sup.RunAll(context.Background(), store.Snapshot().Hypotheses); err != nil {
		t.Fatalf("RunAll() failed: %v", err)
	}

	// The agent delivered a real verdict before dying; the synthesized
	// Inconclusive must lose to it.
	h := store.Snapshot().Hypothesis("H002")
	if h.Status != models.StatusCompleted {
		t.Fatalf("H002 status = %s, want completed", h.Status)
	}
	if h.Result == nil || h.Result.Tag != models.ResultProven {
		t.Fatalf("Recorded Proven verdict was overwritten: got %+v", h.Result)
	}
	if st := store.Snapshot(); st.Metrics.Successful != 3 || st.Metrics.Failed != 0 {
		t.Errorf("Metrics = %d successful / %d failed, want 3/0",
			st.Metrics.Successful, st.Metrics.Failed)
	}
}

func TestSilentAgentResolvesInconclusive(t *testing.T) {
	store := openStoreWithHypotheses(t, 1)
	runner := &fakeRunner{
		store:   store,
		muteIDs: map[string]bool{"H001": true},
	}
	sup := newTestSupervisor(t, runner, store, 1)

	if err := sup.RunAll(context.Background(), store.Snapshot().Hypotheses); err != nil {
		t.Fatal(err)
	}
	h := store.Snapshot().Hypothesis("H001")
	if h.Status != models.StatusCompleted || h.Result == nil || h.Result.Tag != models.ResultInconclusive {
		t.Fatalf("Silent agent should yield Inconclusive, got %s %+v", h.Status, h.Result)
	}
}

func TestTerminalHypothesesNotRetested(t *testing.T) {
	store := openStoreWithHypotheses(t, 2)
	skipped := models.StatusSkipped
	if _, err := store.UpdateHypothesis("H001", state.HypothesisUpdate{Status: &skipped}); err != nil {
		t.Fatal(err)
	}

	var tested sync.Map
	runner := &countingRunner{store: store, tested: &tested}
	sup := newTestSupervisor(t, runner, store, 2)

	if err := sup.RunAll(context.Background(), store.Snapshot().Hypotheses); err != nil {
		t.Fatal(err)
	}
	if _, ok := tested.Load("H001"); ok {
		t.Error("Skipped hypothesis was handed to an agent")
	}
	if _, ok := tested.Load("H002"); !ok {
		t.Error("Pending hypothesis was not tested")
	}
}

// countingRunner records which hypotheses it was invoked for and reports
// Disproven for each.
type countingRunner struct {
	store  *state.Store
	tested *sync.Map
}

func (c *countingRunner) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	c.tested.Store(req.HypothesisID, true)
	now := time.Now().UTC()
	completed := models.StatusCompleted
	_, err := c.store.UpdateHypothesis(req.HypothesisID, state.HypothesisUpdate{
		Status:      &completed,
		Result:      &models.HypothesisResult{Tag: models.ResultDisproven, ReportedAt: now},
		CompletedAt: &now,
	})
	return agent.Result{}, err
}

func TestTimeoutResolvesInconclusiveWithoutStallingSiblings(t *testing.T) {
	store := openStoreWithHypotheses(t, 3)
	runner := &fakeRunner{
		store:      store,
		timeoutIDs: map[string]bool{"H002": true},
		verdicts: map[string]models.ResultTag{
			"H001": models.ResultDisproven,
			"H003": models.ResultProven,
		},
	}
	sup := newTestSupervisor(t, runner, store, 2)

	if err := sup.RunAll(context.Background(), store.Snapshot().Hypotheses); err != nil {
		t.Fatalf("RunAll() failed: %v", err)
	}

	st := store.Snapshot()
	for _, h := range st.Hypotheses {
		if h.Status != models.StatusCompleted {
			t.Errorf("%s: status = %s, want completed", h.ID, h.Status)
		}
	}
	timedOut := st.Hypothesis("H002")
	if timedOut.Result == nil || timedOut.Result.Tag != models.ResultInconclusive {
		t.Fatalf("H002 should complete Inconclusive, got %+v", timedOut.Result)
	}
	if !strings.Contains(timedOut.Result.Reason, "timed out") {
		t.Errorf("Inconclusive reason should mention the timeout, got %q", timedOut.Result.Reason)
	}
	if st.Hypothesis("H003").Result.Tag != models.ResultProven {
		t.Errorf("H003 tag = %s, want Proven", st.Hypothesis("H003").Result.Tag)
	}
	if st.Metrics.Successful != 2 || st.Metrics.Failed != 1 {
		t.Errorf("Metrics = %d successful / %d failed, want 2/1",
			st.Metrics.Successful, st.Metrics.Failed)
	}
}

func TestCancelledRunSkipsUnclaimed(t *testing.T) {
	store := openStoreWithHypotheses(t, 6)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before any worker claims a job

	runner := &fakeRunner{store: store}
	sup := newTestSupervisor(t, runner, store, 2)

	if err := sup.RunAll(ctx, store.Snapshot().Hypotheses); err != nil {
		t.Fatalf("RunAll() on cancelled ctx failed: %v", err)
	}

	st := store.Snapshot()
	for _, h := range st.Hypotheses {
		if h.Status != models.StatusSkipped {
			t.Errorf("%s: status = %s, want skipped", h.ID, h.Status)
		}
	}
	if st.Metrics.Skipped != 6 {
		t.Errorf("Skipped = %d, want 6", st.Metrics.Skipped)
	}
}
