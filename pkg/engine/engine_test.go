package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeworks/anvil/pkg/cache"
	"github.com/forgeworks/anvil/pkg/core"
	"github.com/forgeworks/anvil/pkg/errors"
	"github.com/forgeworks/anvil/pkg/llm"
	"github.com/forgeworks/anvil/pkg/memory"
	"github.com/forgeworks/anvil/pkg/retrieval"
	"github.com/forgeworks/anvil/pkg/workers"
)

func newTestEngine(t *testing.T, gen llm.Generator) (*Engine, memory.Store) {
	t.Helper()
	c, err := cache.New(cache.Config{Type: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	store := memory.NewMemStore(memory.DefaultFeedbackConfig())
	index := retrieval.NewIndex(zap.NewNop())
	cfg := DefaultConfig()
	cfg.StepTimeout = 5 * time.Second
	return New(store, cache.NewMemoizer(c, time.Hour), index, gen, nil, cfg, zap.NewNop()), store
}

// pipelineGenerator answers every built-in worker with a plausible canned
// object. The evaluation response carries the given score.
func pipelineGenerator(score float64) *llm.StaticGenerator {
	return llm.NewStaticGenerator(nil).
		Respond("You classify software project requests by domain.",
			map[string]interface{}{"domain": "api", "rationale": "crud service"}).
		Respond("You pick pragmatic technology stacks.",
			map[string]interface{}{"stack": "go+sqlite", "confidence": 0.9}).
		Respond("You design production-ready software architectures.",
			map[string]interface{}{"components": []interface{}{"api", "store"}, "layout": "cmd+internal"}).
		Respond("You are a senior software engineer writing production-quality code.",
			map[string]interface{}{"files": map[string]interface{}{"main.go": "package main"}}).
		Respond("You design relational data models.",
			map[string]interface{}{"tables": []interface{}{"tasks"}}).
		Respond("You produce container and deployment descriptors.",
			map[string]interface{}{"dockerfile": "FROM scratch"}).
		Respond("You write thorough automated tests.",
			map[string]interface{}{"files": map[string]interface{}{"main_test.go": "package main"}}).
		Respond("You summarize generated artifacts for later retrieval.",
			map[string]interface{}{"summary": "task API with sqlite storage"}).
		Respond("You evaluate generated software projects on a 0-100 scale.",
			map[string]interface{}{"score": score, "breakdown": map[string]interface{}{"tests": score}}).
		Respond("You suggest minimal, high-impact remediation steps.",
			map[string]interface{}{"actions": []interface{}{"add integration tests"}, "notes": "coverage is thin"})
}

func TestExecuteFullPipeline(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, pipelineGenerator(82))
	out := t.TempDir()

	run, err := eng.Execute(ctx, "Create a simple task API", "taskapi", out)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, run.Status)
	require.NotNil(t, run.FinalScore)
	assert.Equal(t, 82.0, *run.FinalScore)

	// Every non-remediation worker ran exactly once, sequences contiguous.
	visited := make(map[string]int)
	for i, rec := range run.Records {
		assert.Equal(t, i, rec.Seq)
		assert.True(t, rec.Success)
		visited[rec.Worker]++
	}
	require.Len(t, visited, 9)
	for _, name := range []string{
		workers.NameContextMemory, workers.NameTechSelection, workers.NameArchitecture,
		workers.NameCodeGeneration, workers.NameSchemaDesign, workers.NameInfrastructure,
		workers.NameTestGeneration, workers.NameIngestion, workers.NameEvaluation,
	} {
		assert.Equal(t, 1, visited[name], name)
	}
	assert.NotContains(t, visited, workers.NameRemediation)

	// Cold start: the stage heuristic puts context gathering first and
	// evaluation last.
	assert.Equal(t, workers.NameContextMemory, run.Records[0].Worker)
	assert.Equal(t, workers.NameEvaluation, run.Records[len(run.Records)-1].Worker)

	// Report written; no remediation notes above the threshold.
	_, err = os.Stat(filepath.Join(out, reportFile))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, remediationFile))
	assert.True(t, os.IsNotExist(err))
}

func TestSecondRunScoresHigher(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t, pipelineGenerator(90))

	before, err := store.ScoreOf(ctx, workers.NameContextMemory)
	require.NoError(t, err)
	assert.Zero(t, before)

	run1, err := eng.Execute(ctx, "Create a simple task API", "taskapi", "")
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, run1.Status)

	mid, err := store.ScoreOf(ctx, workers.NameContextMemory)
	require.NoError(t, err)
	assert.Greater(t, mid, before)

	// The bonus component specifically took effect, not just success rate.
	stats, ok, err := store.Stats(ctx, workers.NameContextMemory)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.05, stats.FeedbackBonus, 1e-9)

	run2, err := eng.Execute(ctx, "Create a simple task API", "taskapi", "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, run2.Status)

	after, err := store.ScoreOf(ctx, workers.NameContextMemory)
	require.NoError(t, err)
	assert.Greater(t, after, mid)
}

func TestLowScoreTriggersRemediation(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, pipelineGenerator(40))
	out := t.TempDir()

	run, err := eng.Execute(ctx, "Create a simple task API", "taskapi", out)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, run.Status)

	last := run.Records[len(run.Records)-1]
	assert.Equal(t, workers.NameRemediation, last.Worker)
	assert.True(t, last.Success)

	notes, err := os.ReadFile(filepath.Join(out, remediationFile))
	require.NoError(t, err)
	assert.Contains(t, string(notes), "coverage is thin")
	assert.Contains(t, string(notes), "add integration tests")
}

func TestZeroScoreThresholdIsHonored(t *testing.T) {
	ctx := context.Background()
	c, err := cache.New(cache.Config{Type: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// Threshold 0 means any evaluated run completes immediately; it must
	// not be mistaken for "unset" and bumped to the default.
	cfg := DefaultConfig()
	cfg.ScoreThreshold = 0
	eng := New(
		memory.NewMemStore(memory.DefaultFeedbackConfig()),
		cache.NewMemoizer(c, time.Hour),
		retrieval.NewIndex(zap.NewNop()),
		pipelineGenerator(40),
		nil,
		cfg,
		zap.NewNop(),
	)

	run, err := eng.Execute(ctx, "Create a simple task API", "taskapi", "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, run.Status)
	assert.Equal(t, workers.NameEvaluation, run.Records[len(run.Records)-1].Worker)
	for _, rec := range run.Records {
		assert.NotEqual(t, workers.NameRemediation, rec.Worker)
	}
}

func TestAllFailingWorkersExhaustBudget(t *testing.T) {
	ctx := context.Background()
	gen := llm.NewStaticGenerator(nil) // every generation fails
	eng, store := newTestEngine(t, gen)

	run, err := eng.Execute(ctx, "Create a simple task API", "taskapi", "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusBudgetExceeded, run.Status)
	assert.Len(t, run.Records, DefaultConfig().MaxSteps)
	for _, rec := range run.Records {
		assert.False(t, rec.Success)
		assert.NotEmpty(t, rec.Error)
	}

	// Failed runs never touch the bonus or run history.
	stats, ok, err := store.Stats(ctx, workers.NameContextMemory)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, stats.FeedbackBonus)
	assert.Zero(t, stats.Successes)

	sims, err := store.SimilarRuns(ctx, "Create a simple task API", 5)
	require.NoError(t, err)
	assert.Empty(t, sims)
}

func TestExecuteStalls(t *testing.T) {
	ctx := context.Background()
	c, err := cache.New(cache.Config{Type: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// A registry whose only worker needs state no one produces.
	registry := []workers.Worker{&workers.Evaluation{}}
	eng := New(
		memory.NewMemStore(memory.DefaultFeedbackConfig()),
		cache.NewMemoizer(c, time.Hour),
		retrieval.NewIndex(zap.NewNop()),
		pipelineGenerator(80),
		registry,
		DefaultConfig(),
		zap.NewNop(),
	)

	run, err := eng.Execute(ctx, "anything", "p", "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusStalled, run.Status)
	assert.Empty(t, run.Records)
}

func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng, store := newTestEngine(t, pipelineGenerator(80))
	run, err := eng.Execute(ctx, "Create a simple task API", "taskapi", "")
	require.Error(t, err)
	assert.Equal(t, errors.Canceled, errors.CodeOf(err))
	assert.Equal(t, core.StatusCancelled, run.Status)

	sims, serr := store.SimilarRuns(context.Background(), "Create a simple task API", 5)
	require.NoError(t, serr)
	assert.Empty(t, sims)
}

func TestWorkerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	c, err := cache.New(cache.Config{Type: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	eng := New(
		memory.NewMemStore(memory.DefaultFeedbackConfig()),
		cache.NewMemoizer(c, time.Hour),
		retrieval.NewIndex(zap.NewNop()),
		pipelineGenerator(80),
		[]workers.Worker{panicker{}},
		cfg,
		zap.NewNop(),
	)

	run, err := eng.Execute(ctx, "req", "p", "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusBudgetExceeded, run.Status)
	for _, rec := range run.Records {
		assert.False(t, rec.Success)
		assert.Contains(t, rec.Error, "panicked")
	}
}

type panicker struct{}

func (panicker) Name() string             { return "panicker" }
func (panicker) CanRun(core.View) bool    { return true }
func (panicker) Run(context.Context, core.View, *workers.Toolkit) (core.Delta, error) {
	panic("boom")
}

func TestRunBatchIndependentRuns(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, pipelineGenerator(75))

	reqs := []BatchRequest{
		{Request: "Create a simple task API", Project: "a"},
		{Request: "Create a blog platform", Project: "b"},
		{Request: "Create an inventory service", Project: "c"},
	}
	results := eng.RunBatch(ctx, reqs, 2)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, reqs[i].Project, res.Request.Project)
		require.NoError(t, res.Err)
		assert.Equal(t, core.StatusCompleted, res.Run.Status)
	}
}
