package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/anvil/pkg/core"
)

// storeUnderTest runs each test against both implementations.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"), DefaultFeedbackConfig())
	require.NoError(t, err)

	stores := map[string]Store{
		"mem":    NewMemStore(DefaultFeedbackConfig()),
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func completedRun(t *testing.T, score float64, workers ...string) *core.Run {
	t.Helper()
	run := core.NewRun("create a task api", "taskapi", "")
	for i, w := range workers {
		require.NoError(t, run.Append(core.ExecutionRecord{Worker: w, Seq: i, Success: true}))
	}
	run.FinalScore = &score
	require.NoError(t, run.Finish(core.StatusCompleted))
	return run
}

func TestSuccessRateDerivedFromCounters(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			// Unknown worker scores 0 so the stage heuristic dominates
			// on cold start.
			score, err := s.ScoreOf(ctx, "unknown")
			require.NoError(t, err)
			assert.Zero(t, score)

			require.NoError(t, s.RecordExecution(ctx, "code-generation", true))
			require.NoError(t, s.RecordExecution(ctx, "code-generation", true))
			require.NoError(t, s.RecordExecution(ctx, "code-generation", false))

			st, ok, err := s.Stats(ctx, "code-generation")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 3, st.Invocations)
			assert.Equal(t, 2, st.Successes)
			assert.InDelta(t, 2.0/3.0, st.SuccessRate(), 1e-9)

			score, err = s.ScoreOf(ctx, "code-generation")
			require.NoError(t, err)
			assert.InDelta(t, 2.0/3.0, score, 1e-9)
		})
	}
}

func TestApplyFeedbackAboveThreshold(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.RecordExecution(ctx, "architecture", true))
			before, _, err := s.Stats(ctx, "architecture")
			require.NoError(t, err)

			run := completedRun(t, 80, "architecture", "evaluation")

			applied, err := s.ApplyFeedback(ctx, run)
			require.NoError(t, err)
			assert.True(t, applied)

			after, _, err := s.Stats(ctx, "architecture")
			require.NoError(t, err)
			assert.InDelta(t, before.FeedbackBonus+0.05, after.FeedbackBonus, 1e-9)
			// Counters are untouched: feedback never changes success_rate.
			assert.Equal(t, before.Invocations, after.Invocations)
			assert.Equal(t, before.Successes, after.Successes)
		})
	}
}

func TestApplyFeedbackBelowThreshold(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			run := completedRun(t, 40, "infrastructure")

			applied, err := s.ApplyFeedback(ctx, run)
			require.NoError(t, err)
			assert.True(t, applied)

			st, ok, err := s.Stats(ctx, "infrastructure")
			require.NoError(t, err)
			require.True(t, ok)
			assert.InDelta(t, -0.05, st.FeedbackBonus, 1e-9)
		})
	}
}

func TestApplyFeedbackIdempotentPerRun(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			run := completedRun(t, 90, "test-generation")

			applied, err := s.ApplyFeedback(ctx, run)
			require.NoError(t, err)
			assert.True(t, applied)

			applied, err = s.ApplyFeedback(ctx, run)
			require.NoError(t, err)
			assert.False(t, applied, "second application must be a no-op")

			st, _, err := s.Stats(ctx, "test-generation")
			require.NoError(t, err)
			assert.InDelta(t, 0.05, st.FeedbackBonus, 1e-9)
		})
	}
}

func TestApplyFeedbackSkipsIneligibleRuns(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			// Non-terminal run is an error.
			running := core.NewRun("req", "proj", "")
			_, err := s.ApplyFeedback(ctx, running)
			assert.Error(t, err)

			// Cancelled run is skipped: incomplete runs must not pollute
			// the learned bonus.
			cancelled := core.NewRun("req", "proj", "")
			require.NoError(t, cancelled.Append(core.ExecutionRecord{Worker: "context-memory", Seq: 0, Success: true}))
			require.NoError(t, cancelled.Finish(core.StatusCancelled))

			applied, err := s.ApplyFeedback(ctx, cancelled)
			require.NoError(t, err)
			assert.False(t, applied)

			_, ok, err := s.Stats(ctx, "context-memory")
			require.NoError(t, err)
			assert.False(t, ok)

			// Stalled run without a final score is skipped too.
			stalled := core.NewRun("req", "proj", "")
			require.NoError(t, stalled.Finish(core.StatusStalled))
			applied, err = s.ApplyFeedback(ctx, stalled)
			require.NoError(t, err)
			assert.False(t, applied)
		})
	}
}

func TestRecordRunAndSimilarRuns(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.RecordRun(ctx, completedRun(t, 75, "code-generation")))

			other := core.NewRun("build an inventory dashboard", "inv", "")
			require.NoError(t, other.Finish(core.StatusStalled))
			require.NoError(t, s.RecordRun(ctx, other))

			similar, err := s.SimilarRuns(ctx, "create a task tracking api", 5)
			require.NoError(t, err)
			require.NotEmpty(t, similar)
			assert.Equal(t, "create a task api", similar[0].Request)
			assert.Equal(t, core.StatusCompleted, similar[0].Status)
			require.NotNil(t, similar[0].FinalScore)
			assert.Equal(t, 75.0, *similar[0].FinalScore)
			assert.Contains(t, similar[0].Workers, "code-generation")

			// No word overlap at all yields nothing.
			none, err := s.SimilarRuns(ctx, "zzz qqq", 5)
			require.NoError(t, err)
			assert.Empty(t, none)

			// Non-terminal runs are rejected.
			assert.Error(t, s.RecordRun(ctx, core.NewRun("r", "p", "")))
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")

	first, err := NewSQLiteStore(path, DefaultFeedbackConfig())
	require.NoError(t, err)
	require.NoError(t, first.RecordExecution(ctx, "schema-design", true))
	run := completedRun(t, 90, "schema-design")
	_, err = first.ApplyFeedback(ctx, run)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path, DefaultFeedbackConfig())
	require.NoError(t, err)
	defer second.Close()

	st, ok, err := second.Stats(ctx, "schema-design")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, st.Invocations)
	assert.InDelta(t, 0.05, st.FeedbackBonus, 1e-9)

	// Feedback stays exactly-once across restarts.
	applied, err := second.ApplyFeedback(ctx, run)
	require.NoError(t, err)
	assert.False(t, applied)
}
