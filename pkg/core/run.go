package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/anvil/pkg/errors"
)

// Status is the terminal (or in-flight) state of a run.
type Status string

const (
	// StatusRunning marks a run whose loop is still advancing.
	StatusRunning Status = "running"

	// StatusCompleted marks a run that produced a final score and met the
	// orchestrator's termination condition.
	StatusCompleted Status = "completed"

	// StatusStalled marks a run where no worker could act.
	StatusStalled Status = "stalled"

	// StatusBudgetExceeded marks a run that exhausted its step budget.
	StatusBudgetExceeded Status = "budget_exceeded"

	// StatusFailed marks a run aborted by an orchestrator-level error.
	StatusFailed Status = "failed"

	// StatusCancelled marks a cooperatively cancelled run. Feedback is
	// never applied for cancelled runs.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// ExecutionRecord captures a single worker invocation within a run. Records
// are append-only and never modified after creation.
type ExecutionRecord struct {
	Worker         string        `json:"worker"`
	Seq            int           `json:"seq"`
	Inputs         []string      `json:"inputs"` // state keys visible at selection time
	Delta          Delta         `json:"delta,omitempty"`
	Success        bool          `json:"success"`
	Duration       time.Duration `json:"duration"`
	SelectionScore float64       `json:"selection_score"`
	UsedCache      bool          `json:"used_cache"`
	UsedRetrieval  bool          `json:"used_retrieval"`
	Error          string        `json:"error,omitempty"`
}

// Run is one end-to-end execution of the orchestration loop for a single
// request. It is created at request entry, mutated only by the orchestrator,
// and immutable once a terminal status is set.
type Run struct {
	ID         string            `json:"id"`
	Request    string            `json:"request"`
	Project    string            `json:"project"`
	OutputDir  string            `json:"output_dir"`
	Records    []ExecutionRecord `json:"records"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at,omitempty"`
	Status     Status            `json:"status"`
	FinalScore *float64          `json:"final_score,omitempty"`
}

// NewRun creates a run in the running state with a fresh identifier.
func NewRun(request, project, outputDir string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Request:   request,
		Project:   project,
		OutputDir: outputDir,
		StartedAt: time.Now(),
		Status:    StatusRunning,
	}
}

// Append adds an execution record, enforcing the contiguous sequence
// invariant: indices are strictly increasing from 0 with no gaps.
func (r *Run) Append(rec ExecutionRecord) error {
	if r.Status.Terminal() {
		return errors.WithFields(
			errors.New(errors.InvalidRunState, "cannot append record to terminal run"),
			errors.Fields{"run_id": r.ID, "status": r.Status})
	}
	if rec.Seq != len(r.Records) {
		return errors.WithFields(
			errors.New(errors.InvalidRunState, "execution record sequence out of order"),
			errors.Fields{"run_id": r.ID, "want": len(r.Records), "got": rec.Seq})
	}
	r.Records = append(r.Records, rec)
	return nil
}

// Finish sets the terminal status and end timestamp. A run can be finished
// exactly once.
func (r *Run) Finish(status Status) error {
	if r.Status.Terminal() {
		return errors.WithFields(
			errors.New(errors.InvalidRunState, "run already terminal"),
			errors.Fields{"run_id": r.ID, "status": r.Status})
	}
	if !status.Terminal() {
		return errors.New(errors.InvalidInput, "Finish requires a terminal status")
	}
	r.Status = status
	r.EndedAt = time.Now()
	return nil
}

// SucceededWorkers returns the unique worker names that completed at least
// one successful step, in first-success order. This is the set the memory
// store distributes feedback across.
func (r *Run) SucceededWorkers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range r.Records {
		if rec.Success && !seen[rec.Worker] {
			seen[rec.Worker] = true
			out = append(out, rec.Worker)
		}
	}
	return out
}

// Duration returns the wall time of the run, zero if it has not finished.
func (r *Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
