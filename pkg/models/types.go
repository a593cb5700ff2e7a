package models

import "time"

// Phase represents a top-level stage of a debugging run
type Phase string

const (
	PhaseSetup        Phase = "setup"
	PhaseReproduction Phase = "reproduction"
	PhaseGeneration   Phase = "hypothesis-generation"
	PhaseTesting      Phase = "hypothesis-testing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// PhaseOrder is the forward progression of phases. PhaseFailed is reachable
// from any phase and is deliberately not part of the order.
var PhaseOrder = []Phase{
	PhaseSetup,
	PhaseReproduction,
	PhaseGeneration,
	PhaseTesting,
	PhaseCompleted,
}

// PhaseIndex returns the position of p in the forward order, or -1 for
// phases outside it (PhaseFailed, unknown values).
func PhaseIndex(p Phase) int {
	for i, candidate := range PhaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// HypothesisStatus is the lifecycle state of a single hypothesis
type HypothesisStatus string

const (
	StatusPending   HypothesisStatus = "pending"
	StatusRunning   HypothesisStatus = "running"
	StatusCompleted HypothesisStatus = "completed"
	StatusFailed    HypothesisStatus = "failed"
	StatusSkipped   HypothesisStatus = "skipped"
)

// hypothesisTransitions encodes the legal forward transitions. The only
// exception is an explicit full-state clear, which resets every record to
// pending outside this table.
var hypothesisTransitions = map[HypothesisStatus]map[HypothesisStatus]bool{
	StatusPending: {
		StatusRunning: true,
		StatusSkipped: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether a status change from one value to another
// is legal. Same-status transitions are allowed; they are no-ops for
// metric accounting.
func CanTransition(from, to HypothesisStatus) bool {
	if from == to {
		return true
	}
	return hypothesisTransitions[from][to]
}

// IsTerminal reports whether a status is terminal.
func (s HypothesisStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// ResultTag classifies a hypothesis verdict
type ResultTag string

const (
	ResultProven       ResultTag = "Proven"
	ResultDisproven    ResultTag = "Disproven"
	ResultInconclusive ResultTag = "Inconclusive"
)

// ValidResultTag reports whether t is one of the three known tags.
// Used at the tool-surface boundary where tags arrive from untrusted
// agent processes.
func ValidResultTag(t ResultTag) bool {
	return t == ResultProven || t == ResultDisproven || t == ResultInconclusive
}

// HypothesisResult is the tagged outcome of a completed hypothesis
type HypothesisResult struct {
	Tag        ResultTag `json:"tag"`
	Reason     string    `json:"reason,omitempty"`
	Evidence   []string  `json:"evidence,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// HypothesisRecord tracks one hypothesis through its lifecycle
type HypothesisRecord struct {
	ID           string            `json:"id"` // "H" + 3 digits, never reused
	Title        string            `json:"title"`
	Slug         string            `json:"slug"` // id-prefixed kebab-case, unique by construction
	Description  string            `json:"description,omitempty"`
	Status       HypothesisStatus  `json:"status"`
	Result       *HypothesisResult `json:"result,omitempty"` // set iff Status == completed
	WorktreePath string            `json:"worktree_path,omitempty"`
	BranchName   string            `json:"branch_name,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// RunMetrics holds counters kept consistent with the hypothesis status census
type RunMetrics struct {
	Generated  int        `json:"generated"`
	Completed  int        `json:"completed"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

// RunProgress is the externally visible progress of the current phase
type RunProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// RunState is the authoritative record of a debugging run. There is exactly
// one per working directory. Hypotheses are kept as a slice so that JSON
// round-trips preserve generation order.
type RunState struct {
	SchemaVersion   int                `json:"schema_version"`
	WorkingDirID    string             `json:"working_dir_id"`
	ProblemPrompt   string             `json:"problem_prompt,omitempty"` // immutable once set
	CurrentPhase    Phase              `json:"current_phase"`
	CompletedPhases []Phase            `json:"completed_phases"`
	Hypotheses      []HypothesisRecord `json:"hypotheses"`
	Metrics         RunMetrics         `json:"metrics"`
	Progress        RunProgress        `json:"progress"`
}

// Hypothesis returns a pointer to the record with the given id, or nil.
func (s *RunState) Hypothesis(id string) *HypothesisRecord {
	for i := range s.Hypotheses {
		if s.Hypotheses[i].ID == id {
			return &s.Hypotheses[i]
		}
	}
	return nil
}

// PhaseIsCompleted reports whether the given phase has reached terminal success.
func (s *RunState) PhaseIsCompleted(p Phase) bool {
	for _, done := range s.CompletedPhases {
		if done == p {
			return true
		}
	}
	return false
}

// RecomputeMetrics rebuilds the status counters from the hypothesis census.
// Generated always equals the number of records; the remaining counters are
// pure functions of the statuses and result tags.
func (s *RunState) RecomputeMetrics() {
	m := &s.Metrics
	m.Generated = len(s.Hypotheses)
	m.Completed, m.Successful, m.Failed, m.Skipped = 0, 0, 0, 0
	for i := range s.Hypotheses {
		h := &s.Hypotheses[i]
		switch h.Status {
		case StatusCompleted:
			m.Completed++
			if h.Result != nil {
				// A definitive verdict either way is a successful test;
				// Inconclusive means the test itself failed to resolve.
				switch h.Result.Tag {
				case ResultProven, ResultDisproven:
					m.Successful++
				case ResultInconclusive:
					m.Failed++
				}
			}
		case StatusFailed:
			m.Failed++
		case StatusSkipped:
			m.Skipped++
		}
	}
}
