package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lamarqa/hypoforge/internal/workdir"
	"github.com/lamarqa/hypoforge/pkg/models"
)

// Summary aggregates the run outcome into summary.json and a human-readable
// summary.md. It is a pure read of persisted state and can be re-run at any
// point in the run.
func (o *Orchestrator) Summary(ctx context.Context) error {
	report := o.buildReport()

	if err := workdir.WriteJSON(o.layout.SummaryJSONPath(), report); err != nil {
		return err
	}
	md := renderMarkdown(report)
	if err := os.WriteFile(o.layout.SummaryMarkdownPath(), []byte(md), 0o644); err != nil {
		return fmt.Errorf("failed to write summary markdown: %w", err)
	}

	o.logger.Info("Summary written",
		"json", o.layout.SummaryJSONPath(),
		"markdown", o.layout.SummaryMarkdownPath(),
		"proven", len(report.ProvenCauses))
	return nil
}

func (o *Orchestrator) buildReport() models.SummaryReport {
	st := o.store.Snapshot()
	report := models.SummaryReport{
		WorkingDirID: st.WorkingDirID,
		Problem:      st.ProblemPrompt,
		Metrics:      st.Metrics,
		GeneratedAt:  time.Now().UTC(),
	}

	var repro models.ReproArtifact
	if err := workdir.ReadJSON(o.layout.ReproPath(), &repro); err == nil {
		report.Repro = &repro
	} else if !errors.Is(err, workdir.ErrNoArtifact) {
		o.logger.Warn("Failed to read reproduction artifact", "error", err)
	}

	for _, h := range st.Hypotheses {
		entry := models.HypothesisSummary{
			ID:     h.ID,
			Title:  h.Title,
			Status: h.Status,
			Result: h.Result,
		}
		if h.StartedAt != nil && h.CompletedAt != nil {
			entry.Duration = h.CompletedAt.Sub(*h.StartedAt).Round(time.Second).String()
		}
		report.Hypotheses = append(report.Hypotheses, entry)
		if h.Result != nil && h.Result.Tag == models.ResultProven {
			report.ProvenCauses = append(report.ProvenCauses, h.ID)
		}
	}
	return report
}

func renderMarkdown(r models.SummaryReport) string {
	var b strings.Builder
	b.WriteString("# Debugging Run Summary\n\n")
	fmt.Fprintf(&b, "**Run:** `%s`\n\n", r.WorkingDirID)
	fmt.Fprintf(&b, "**Problem:** %s\n\n", r.Problem)

	if r.Repro != nil {
		b.WriteString("## Reproduction\n\n")
		fmt.Fprintf(&b, "- Outcome: %s\n", r.Repro.Tag)
		if r.Repro.Signature != "" {
			fmt.Fprintf(&b, "- Signature: `%s`\n", r.Repro.Signature)
		}
		if r.Repro.Command != "" {
			fmt.Fprintf(&b, "- Command: `%s`\n", r.Repro.Command)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Hypotheses\n\n")
	if len(r.Hypotheses) == 0 {
		b.WriteString("None generated.\n\n")
	}
	b.WriteString("| ID | Title | Status | Verdict | Duration |\n")
	b.WriteString("|----|-------|--------|---------|----------|\n")
	for _, h := range r.Hypotheses {
		verdict := "-"
		if h.Result != nil {
			verdict = string(h.Result.Tag)
		}
		dur := h.Duration
		if dur == "" {
			dur = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", h.ID, h.Title, h.Status, verdict, dur)
	}
	b.WriteString("\n")

	for _, h := range r.Hypotheses {
		if h.Result == nil {
			continue
		}
		fmt.Fprintf(&b, "### %s: %s (%s)\n\n", h.ID, h.Title, h.Result.Tag)
		if h.Result.Reason != "" {
			fmt.Fprintf(&b, "%s\n\n", h.Result.Reason)
		}
		for _, ev := range h.Result.Evidence {
			fmt.Fprintf(&b, "- %s\n", ev)
		}
		if len(h.Result.Evidence) > 0 {
			b.WriteString("\n")
		}
	}

	b.WriteString("## Outcome\n\n")
	m := r.Metrics
	fmt.Fprintf(&b, "Tested %d of %d hypotheses: %d successful, %d failed, %d skipped.\n",
		m.Completed, m.Generated, m.Successful, m.Failed, m.Skipped)
	if len(r.ProvenCauses) > 0 {
		fmt.Fprintf(&b, "\nProven root causes: %s\n", strings.Join(r.ProvenCauses, ", "))
	} else {
		b.WriteString("\nNo hypothesis was proven.\n")
	}
	return b.String()
}
