package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeworks/anvil/pkg/core"
	"github.com/forgeworks/anvil/pkg/errors"
)

const (
	reportFile      = "RUN_REPORT.md"
	remediationFile = "REMEDIATION_NOTES.md"
)

// writeArtifacts persists the run report and, when remediation advice was
// produced, the advisory notes. The notes file is only present for runs
// that fell short of the quality bar; its absence means the threshold was
// met.
func writeArtifacts(run *core.Run, state *core.State) error {
	if err := os.MkdirAll(run.OutputDir, 0o755); err != nil {
		return errors.Wrap(err, errors.StorageFailed, "failed to create output directory")
	}

	report := renderReport(run)
	if err := os.WriteFile(filepath.Join(run.OutputDir, reportFile), []byte(report), 0o644); err != nil {
		return errors.Wrap(err, errors.StorageFailed, "failed to write run report")
	}

	if remediation := core.GetMap(state.View(), core.KeyRemediation); remediation != nil {
		notes := renderRemediation(run, remediation)
		if err := os.WriteFile(filepath.Join(run.OutputDir, remediationFile), []byte(notes), 0o644); err != nil {
			return errors.Wrap(err, errors.StorageFailed, "failed to write remediation notes")
		}
	}
	return nil
}

func renderReport(run *core.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Run Report\n\n")
	fmt.Fprintf(&sb, "- Run: %s\n", run.ID)
	fmt.Fprintf(&sb, "- Project: %s\n", run.Project)
	fmt.Fprintf(&sb, "- Request: %s\n", run.Request)
	fmt.Fprintf(&sb, "- Status: %s\n", run.Status)
	if run.FinalScore != nil {
		fmt.Fprintf(&sb, "- Final score: %.1f\n", *run.FinalScore)
	}
	fmt.Fprintf(&sb, "- Steps: %d\n", len(run.Records))
	fmt.Fprintf(&sb, "- Duration: %s\n\n", run.Duration().Round(time.Millisecond))

	sb.WriteString("| # | Worker | Score | Success | Duration | Cache | Retrieval |\n")
	sb.WriteString("|---|--------|-------|---------|----------|-------|-----------|\n")
	for _, rec := range run.Records {
		fmt.Fprintf(&sb, "| %d | %s | %.3f | %v | %s | %v | %v |\n",
			rec.Seq, rec.Worker, rec.SelectionScore, rec.Success,
			rec.Duration.Round(time.Millisecond), rec.UsedCache, rec.UsedRetrieval)
	}

	var failures []core.ExecutionRecord
	for _, rec := range run.Records {
		if !rec.Success {
			failures = append(failures, rec)
		}
	}
	if len(failures) > 0 {
		sb.WriteString("\n## Failures\n\n")
		for _, rec := range failures {
			fmt.Fprintf(&sb, "- step %d (%s): %s\n", rec.Seq, rec.Worker, rec.Error)
		}
	}
	return sb.String()
}

func renderRemediation(run *core.Run, remediation map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString("# Remediation Notes\n\n")
	if run.FinalScore != nil {
		fmt.Fprintf(&sb, "Score: %.1f\n\n", *run.FinalScore)
	}
	if notes, ok := remediation["notes"].(string); ok && notes != "" {
		fmt.Fprintf(&sb, "%s\n\n", notes)
	}
	if actions, ok := remediation["actions"].([]interface{}); ok && len(actions) > 0 {
		sb.WriteString("## Suggested actions\n\n")
		for _, a := range actions {
			fmt.Fprintf(&sb, "- %v\n", a)
		}
	}
	return sb.String()
}
