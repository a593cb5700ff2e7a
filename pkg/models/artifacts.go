package models

import "time"

// ReproTag classifies the outcome of the reproduction phase
type ReproTag string

const (
	ReproSuccess      ReproTag = "Success"
	ReproNeedMoreInfo ReproTag = "NeedMoreInfo"
	ReproFailure      ReproTag = "Failure"
)

// ValidReproTag reports whether t is a known reproduction tag.
func ValidReproTag(t ReproTag) bool {
	return t == ReproSuccess || t == ReproNeedMoreInfo || t == ReproFailure
}

// ReproArtifact is the persisted result of the reproduction phase. A Success
// tag gates hypothesis generation; NeedMoreInfo carries questions for the
// operator and triggers the retry-with-feedback loop.
type ReproArtifact struct {
	Tag       ReproTag  `json:"tag"`
	Signature string    `json:"signature,omitempty"` // the reproducible failure signature
	Command   string    `json:"command,omitempty"`   // how to re-run the reproduction
	Steps     []string  `json:"steps,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Questions []string  `json:"questions,omitempty"` // set when Tag == NeedMoreInfo
	Answers   []string  `json:"answers,omitempty"`   // operator answers fed back on retry
	CreatedAt time.Time `json:"created_at"`
}

// HypothesisIdea is one candidate root cause proposed during generation,
// before it is registered as a HypothesisRecord.
type HypothesisIdea struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Rationale   string `json:"rationale,omitempty"`
}

// HypothesisList is the persisted artifact of the generation phase.
type HypothesisList struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Ideas       []HypothesisIdea `json:"ideas"`
}

// HypothesisSummary is one line of the final report.
type HypothesisSummary struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Status   HypothesisStatus  `json:"status"`
	Result   *HypothesisResult `json:"result,omitempty"`
	Duration string            `json:"duration,omitempty"`
}

// SummaryReport aggregates the run outcome for external consumption.
type SummaryReport struct {
	WorkingDirID string              `json:"working_dir_id"`
	Problem      string              `json:"problem"`
	Repro        *ReproArtifact      `json:"repro,omitempty"`
	Metrics      RunMetrics          `json:"metrics"`
	Hypotheses   []HypothesisSummary `json:"hypotheses"`
	ProvenCauses []string            `json:"proven_causes,omitempty"` // ids with a Proven result
	GeneratedAt  time.Time           `json:"generated_at"`
}
