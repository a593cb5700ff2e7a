// Package state implements the authoritative, crash-recoverable store for a
// run's mutable state. All mutation flows through UpdateState, which
// serializes concurrent callers and persists the new state atomically before
// returning. Derived operations (RegisterHypothesis, UpdateHypothesis,
// SetPhase, ...) are expressed on top of that single contract and never
// bypass it.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamarqa/hypoforge/internal/util"
	"github.com/lamarqa/hypoforge/pkg/models"
)

// SchemaVersion is bumped whenever the persisted layout changes in a way
// migration must know about.
const SchemaVersion = 1

var (
	// ErrCorruptState indicates the persisted state file failed structural
	// decoding. This is fatal: silent data loss is never acceptable.
	ErrCorruptState = errors.New("state file is corrupt")
	// ErrPersist indicates a mutation could not be made durable. The
	// in-memory state is rolled back so the caller can detect the failure.
	ErrPersist = errors.New("state persistence failed")
	// ErrDuplicateHypothesis indicates an id was registered twice. Ids are
	// assigned by the orchestrator, so this is a programming invariant.
	ErrDuplicateHypothesis = errors.New("hypothesis id already registered")
	// ErrHypothesisNotFound indicates an update referenced an unknown id.
	ErrHypothesisNotFound = errors.New("hypothesis not found")
	// ErrIllegalTransition indicates a status change that regresses or skips
	// the documented lifecycle.
	ErrIllegalTransition = errors.New("illegal hypothesis status transition")
	// ErrProblemImmutable indicates an attempt to change the problem prompt
	// after setup recorded it.
	ErrProblemImmutable = errors.New("problem prompt is immutable once set")
)

// Store is the concurrency-safe run-state store for one working directory.
type Store struct {
	path   string
	logger *slog.Logger

	mu             sync.Mutex
	state          *models.RunState
	persistObserve func(time.Duration)
}

// ObservePersist registers a callback invoked with the duration of every
// successful persistence cycle. Used for metrics.
func (s *Store) ObservePersist(fn func(time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistObserve = fn
}

// Open loads the persisted state at path, fabricating a fresh default when
// none exists. Missing optional fields are migrated to safe defaults; a file
// that fails structural decoding is fatal. The resulting state is persisted
// immediately so the file exists before any mutation occurs.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.state = freshState()
		logger.Info("No run state found, starting fresh", "working_dir_id", s.state.WorkingDirID)
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	default:
		var loaded models.RunState
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
		migrate(&loaded)
		s.state = &loaded
		logger.Info("Run state loaded",
			"working_dir_id", loaded.WorkingDirID,
			"phase", loaded.CurrentPhase,
			"hypotheses", len(loaded.Hypotheses))
	}

	if err := s.persistLocked(s.state); err != nil {
		return nil, err
	}
	return s, nil
}

// freshState fabricates the default state for a brand-new working directory.
func freshState() *models.RunState {
	return &models.RunState{
		SchemaVersion:   SchemaVersion,
		WorkingDirID:    uuid.New().String(),
		CurrentPhase:    models.PhaseSetup,
		CompletedPhases: []models.Phase{},
		Hypotheses:      []models.HypothesisRecord{},
		Metrics:         models.RunMetrics{StartTime: time.Now().UTC()},
	}
}

// migrate backfills fields that older schema versions did not persist.
// Migration never fails: a structurally valid file always loads.
func migrate(s *models.RunState) {
	if s.WorkingDirID == "" {
		s.WorkingDirID = uuid.New().String()
	}
	if s.CurrentPhase == "" {
		s.CurrentPhase = models.PhaseSetup
	}
	if s.CompletedPhases == nil {
		s.CompletedPhases = []models.Phase{}
	}
	if s.Hypotheses == nil {
		s.Hypotheses = []models.HypothesisRecord{}
	}
	for i := range s.Hypotheses {
		if s.Hypotheses[i].Status == "" {
			s.Hypotheses[i].Status = models.StatusPending
		}
	}
	if s.Metrics.StartTime.IsZero() {
		s.Metrics.StartTime = time.Now().UTC()
	}
	if s.SchemaVersion < SchemaVersion {
		s.SchemaVersion = SchemaVersion
	}
	s.RecomputeMetrics()
}

// UpdateState applies a pure updater to a snapshot of the current state,
// persists the result, and only then swaps it in as the new truth. Callers
// are serialized; the net effect of concurrent calls is some total order of
// them applied sequentially. On persistence failure the mutation is rolled
// back and the error wraps ErrPersist.
func (s *Store) UpdateState(updater func(*models.RunState) error) (*models.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneState(s.state)
	if err := updater(next); err != nil {
		return nil, err
	}
	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.state = next
	return cloneState(next), nil
}

// Snapshot returns a deep copy of the current state for read-only use.
func (s *Store) Snapshot() *models.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

// persistLocked writes st to disk atomically (temp file + rename). A reader
// never observes a partial write. Caller must hold s.mu.
func (s *Store) persistLocked(st *models.RunState) error {
	start := time.Now()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersist, err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("%w: write temp file: %v", ErrPersist, err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrPersist, err)
	}
	if s.persistObserve != nil {
		s.persistObserve(time.Since(start))
	}
	return nil
}

// cloneState deep-copies a RunState so updaters see a private snapshot and
// readers never alias store-owned memory.
func cloneState(src *models.RunState) *models.RunState {
	dst := *src
	dst.CompletedPhases = append([]models.Phase{}, src.CompletedPhases...)
	dst.Hypotheses = make([]models.HypothesisRecord, len(src.Hypotheses))
	for i, h := range src.Hypotheses {
		copied := h
		if h.Result != nil {
			r := *h.Result
			r.Evidence = append([]string{}, h.Result.Evidence...)
			copied.Result = &r
		}
		if h.StartedAt != nil {
			t := *h.StartedAt
			copied.StartedAt = &t
		}
		if h.CompletedAt != nil {
			t := *h.CompletedAt
			copied.CompletedAt = &t
		}
		dst.Hypotheses[i] = copied
	}
	if src.Metrics.EndTime != nil {
		t := *src.Metrics.EndTime
		dst.Metrics.EndTime = &t
	}
	return &dst
}

// RegisterHypothesis inserts a new pending record. The slug is derived from
// the title with the id prefixed, so worktree paths stay unique even for
// colliding titles.
func (s *Store) RegisterHypothesis(id, title, description string) (*models.RunState, error) {
	return s.UpdateState(func(st *models.RunState) error {
		if st.Hypothesis(id) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateHypothesis, id)
		}
		st.Hypotheses = append(st.Hypotheses, models.HypothesisRecord{
			ID:          id,
			Title:       title,
			Slug:        util.HypothesisSlug(id, title),
			Description: description,
			Status:      models.StatusPending,
		})
		st.RecomputeMetrics()
		return nil
	})
}

// HypothesisUpdate is a partial update merged into an existing record.
// Nil fields are left untouched.
type HypothesisUpdate struct {
	Status       *models.HypothesisStatus
	Result       *models.HypothesisResult
	WorktreePath *string
	BranchName   *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// UpdateHypothesis merges a partial update into the record with the given
// id. Status changes are validated against the lifecycle table, a result is
// only accepted alongside a completed status, and timestamps are set at most
// once. A recorded result is immutable: the first writer wins and every
// later result carries ErrIllegalTransition, so racing reporters cannot
// overwrite a real verdict. Metric counters are rebuilt from the census
// after every merge, so a repeated transition into the same status can
// never double-count.
func (s *Store) UpdateHypothesis(id string, upd HypothesisUpdate) (*models.RunState, error) {
	return s.UpdateState(func(st *models.RunState) error {
		h := st.Hypothesis(id)
		if h == nil {
			return fmt.Errorf("%w: %s", ErrHypothesisNotFound, id)
		}

		newStatus := h.Status
		if upd.Status != nil {
			newStatus = *upd.Status
			if !models.CanTransition(h.Status, newStatus) {
				return fmt.Errorf("%w: %s: %s -> %s", ErrIllegalTransition, id, h.Status, newStatus)
			}
		}
		if upd.Result != nil && newStatus != models.StatusCompleted {
			return fmt.Errorf("result requires completed status (hypothesis %s is %s)", id, newStatus)
		}
		if upd.Result != nil && h.Result != nil {
			return fmt.Errorf("%w: %s already holds a %s verdict", ErrIllegalTransition, id, h.Result.Tag)
		}

		h.Status = newStatus
		if upd.Result != nil {
			h.Result = upd.Result
		}
		if newStatus != models.StatusCompleted {
			h.Result = nil
		}
		if upd.WorktreePath != nil {
			h.WorktreePath = *upd.WorktreePath
		}
		if upd.BranchName != nil {
			h.BranchName = *upd.BranchName
		}
		if upd.StartedAt != nil && h.StartedAt == nil {
			t := *upd.StartedAt
			h.StartedAt = &t
		}
		if upd.CompletedAt != nil && h.CompletedAt == nil {
			t := *upd.CompletedAt
			h.CompletedAt = &t
		}

		st.RecomputeMetrics()
		return nil
	})
}

// SetPhase records that phase has reached terminal success: it becomes the
// current phase and joins completedPhases (idempotent insertion). The phase
// may never move backward through the documented order; PhaseFailed is the
// one phase reachable from anywhere, via FailRun.
func (s *Store) SetPhase(phase models.Phase) (*models.RunState, error) {
	return s.UpdateState(func(st *models.RunState) error {
		newIdx := models.PhaseIndex(phase)
		curIdx := models.PhaseIndex(st.CurrentPhase)
		if newIdx == -1 {
			return fmt.Errorf("unknown phase %q", phase)
		}
		if curIdx != -1 && newIdx < curIdx {
			return fmt.Errorf("phase cannot move backward: %s -> %s", st.CurrentPhase, phase)
		}
		st.CurrentPhase = phase
		if !st.PhaseIsCompleted(phase) {
			st.CompletedPhases = append(st.CompletedPhases, phase)
		}
		return nil
	})
}

// FailRun marks the whole run failed. Reachable from any phase.
func (s *Store) FailRun() (*models.RunState, error) {
	return s.UpdateState(func(st *models.RunState) error {
		st.CurrentPhase = models.PhaseFailed
		return nil
	})
}

// CompleteRun marks the run completed and stamps the end time.
func (s *Store) CompleteRun() (*models.RunState, error) {
	return s.UpdateState(func(st *models.RunState) error {
		st.CurrentPhase = models.PhaseCompleted
		if !st.PhaseIsCompleted(models.PhaseCompleted) {
			st.CompletedPhases = append(st.CompletedPhases, models.PhaseCompleted)
		}
		now := time.Now().UTC()
		st.Metrics.EndTime = &now
		return nil
	})
}

// Clear resets every hypothesis to pending, erasing results and timestamps.
// This is the one documented exception to monotonic forward movement; it
// exists to re-run a stuck or misconfigured session. Testing and completion
// are undone along with the verdicts they recorded, so the phase rewinds to
// the last phase whose artifacts survive: setup, reproduction, and
// generation keep their clones, artifacts, and registrations.
func (s *Store) Clear() (*models.RunState, error) {
	return s.UpdateState(func(st *models.RunState) error {
		for i := range st.Hypotheses {
			h := &st.Hypotheses[i]
			h.Status = models.StatusPending
			h.Result = nil
			h.StartedAt = nil
			h.CompletedAt = nil
		}

		kept := st.CompletedPhases[:0]
		for _, p := range st.CompletedPhases {
			if p == models.PhaseTesting || p == models.PhaseCompleted {
				continue
			}
			kept = append(kept, p)
		}
		st.CompletedPhases = kept
		st.CurrentPhase = models.PhaseSetup
		for _, p := range kept {
			if models.PhaseIndex(p) > models.PhaseIndex(st.CurrentPhase) {
				st.CurrentPhase = p
			}
		}

		st.Metrics.EndTime = nil
		st.RecomputeMetrics()
		return nil
	})
}

// SetProblemPrompt records the problem statement during setup. It may be
// written once; repeating the identical prompt is a no-op so the setup
// command stays re-invokable.
func (s *Store) SetProblemPrompt(problem string) (*models.RunState, error) {
	return s.UpdateState(func(st *models.RunState) error {
		if st.ProblemPrompt != "" && st.ProblemPrompt != problem {
			return ErrProblemImmutable
		}
		st.ProblemPrompt = problem
		return nil
	})
}

// SetProgress updates the externally visible progress counters.
func (s *Store) SetProgress(current, total int, message string) (*models.RunState, error) {
	return s.UpdateState(func(st *models.RunState) error {
		st.Progress = models.RunProgress{Current: current, Total: total, Message: message}
		return nil
	})
}

// NextHypothesisID returns the first unused "Hnnn" id. Ids are never reused
// even after a clear, so this scans the existing census for the max. The
// returned id is only advisory: another registration may claim it first.
// Writers use RegisterNextHypothesis, which allocates inside the mutation.
func (s *Store) NextHypothesisID() string {
	return nextHypothesisID(s.Snapshot())
}

func nextHypothesisID(st *models.RunState) string {
	max := 0
	for _, h := range st.Hypotheses {
		var n int
		if _, err := fmt.Sscanf(h.ID, "H%03d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("H%03d", max+1)
}

// RegisterNextHypothesis allocates the next free id and registers a pending
// record under it in a single mutation, so concurrent registrations can
// never race the allocation against the insert.
func (s *Store) RegisterNextHypothesis(title, description string) (string, error) {
	var id string
	_, err := s.UpdateState(func(st *models.RunState) error {
		id = nextHypothesisID(st)
		st.Hypotheses = append(st.Hypotheses, models.HypothesisRecord{
			ID:          id,
			Title:       title,
			Slug:        util.HypothesisSlug(id, title),
			Description: description,
			Status:      models.StatusPending,
		})
		st.RecomputeMetrics()
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
