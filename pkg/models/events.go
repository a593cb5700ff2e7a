package models

import "time"

// EventCategory tags a timeline event with the subsystem it concerns
type EventCategory string

const (
	EventPhase      EventCategory = "phase"
	EventHypothesis EventCategory = "hypothesis"
	EventSystem     EventCategory = "system"
	EventUser       EventCategory = "user"
	EventGit        EventCategory = "git"
)

// Well-known event types. Types are namespaced by category; free-form types
// are permitted but these are the ones the core emits.
const (
	EventTypePhaseStarted   = "phase.started"
	EventTypePhaseCompleted = "phase.completed"
	EventTypePhaseFailed    = "phase.failed"

	EventTypeHypothesisRegistered = "hypothesis.registered"
	EventTypeHypothesisStarted    = "hypothesis.started"
	EventTypeHypothesisCompleted  = "hypothesis.completed"
	EventTypeHypothesisFailed     = "hypothesis.failed"
	EventTypeHypothesisSkipped    = "hypothesis.skipped"

	EventTypeRunAttached  = "system.run_attached"
	EventTypeRunCleared   = "system.run_cleared"
	EventTypeUserAnswer   = "user.answer"
	EventTypeWorktreeMade = "git.worktree_created"
	EventTypeRepoPrepared = "git.context_repo_prepared"
)

// TimelineEvent is an immutable, append-only audit record. Only the fields
// relevant to the category are populated; the rest stay empty.
type TimelineEvent struct {
	ID           string        `json:"id"`
	Category     EventCategory `json:"category"`
	Type         string        `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	Phase        Phase         `json:"phase,omitempty"`
	HypothesisID string        `json:"hypothesis_id,omitempty"`
	Message      string        `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`
}
