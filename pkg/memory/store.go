package memory

import (
	"context"
	"strings"
	"time"

	"github.com/forgeworks/anvil/pkg/core"
)

// WorkerStats is the durable per-worker performance record. The success rate
// is always derived from the counters, never stored; feedback only ever
// moves the additive bonus, so observed reliability and outcome-based
// preference stay separate.
type WorkerStats struct {
	Worker        string    `json:"worker"`
	Invocations   int       `json:"invocations"`
	Successes     int       `json:"successes"`
	FeedbackBonus float64   `json:"feedback_bonus"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SuccessRate returns successes/invocations, 0 for an uninvoked worker.
func (s WorkerStats) SuccessRate() float64 {
	if s.Invocations == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Invocations)
}

// RunSummary is the retained history of a completed run.
type RunSummary struct {
	ID         string      `json:"id"`
	Request    string      `json:"request"`
	Project    string      `json:"project"`
	Status     core.Status `json:"status"`
	FinalScore *float64    `json:"final_score,omitempty"`
	Workers    []string    `json:"workers"` // workers that succeeded during the run
	FinishedAt time.Time   `json:"finished_at"`
}

// FeedbackConfig controls how a run's final score adjusts worker bonuses.
type FeedbackConfig struct {
	// Threshold is the quality bar: runs scoring at or above it reward
	// their successful workers, runs below it penalize them.
	Threshold float64

	// Delta is the signed magnitude of a single adjustment.
	Delta float64
}

// DefaultFeedbackConfig mirrors the orchestrator defaults: 0-100 scoring
// with 65 as the quality bar and small additive steps.
func DefaultFeedbackConfig() FeedbackConfig {
	return FeedbackConfig{Threshold: 65, Delta: 0.05}
}

// Store is the shared, durable record of past runs and per-worker
// statistics. Implementations must provide atomic read-modify-write for the
// counters so concurrent runs never lose updates.
type Store interface {
	// ScoreOf returns success_rate + feedback_bonus for the worker,
	// 0 when the worker has never been seen.
	ScoreOf(ctx context.Context, worker string) (float64, error)

	// Stats returns the stats record for one worker and whether it exists.
	Stats(ctx context.Context, worker string) (WorkerStats, bool, error)

	// AllStats returns every worker record, ordered by worker name.
	AllStats(ctx context.Context) ([]WorkerStats, error)

	// RecordExecution increments the invocation counter and, on success,
	// the success counter. Atomic with respect to concurrent runs.
	RecordExecution(ctx context.Context, worker string, success bool) error

	// ApplyFeedback distributes the run's final score into per-worker
	// bonuses: every worker with a successful record in the run gains
	// +Delta when the score meets the threshold, -Delta otherwise. The
	// adjustment is idempotent per run; the boolean reports whether this
	// call performed the adjustment. Runs without a completed status and
	// final score are skipped.
	ApplyFeedback(ctx context.Context, run *core.Run) (bool, error)

	// RecordRun appends the run to durable history.
	RecordRun(ctx context.Context, run *core.Run) error

	// SimilarRuns returns up to k past runs ranked by word overlap with
	// the request, most similar first.
	SimilarRuns(ctx context.Context, request string, k int) ([]RunSummary, error)

	// Close releases underlying resources.
	Close() error
}

// jaccard computes word-set overlap between two texts. It is deliberately
// crude: run history is small and the context-memory worker only needs a
// rough "have we seen something like this" signal.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}

// summaryOf projects a terminal run into its retained history form.
func summaryOf(run *core.Run) RunSummary {
	return RunSummary{
		ID:         run.ID,
		Request:    run.Request,
		Project:    run.Project,
		Status:     run.Status,
		FinalScore: run.FinalScore,
		Workers:    run.SucceededWorkers(),
		FinishedAt: run.EndedAt,
	}
}

// feedbackEligible reports whether a run's outcome may adjust bonuses.
func feedbackEligible(run *core.Run) bool {
	return run.Status == core.StatusCompleted && run.FinalScore != nil
}
