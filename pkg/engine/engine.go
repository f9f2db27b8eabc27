// Package engine implements the adaptive orchestration loop: it selects
// the best-scored runnable worker each step, folds state deltas into the
// run, and closes the learning loop by feeding final scores back into the
// memory store.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forgeworks/anvil/pkg/cache"
	"github.com/forgeworks/anvil/pkg/core"
	"github.com/forgeworks/anvil/pkg/errors"
	"github.com/forgeworks/anvil/pkg/llm"
	"github.com/forgeworks/anvil/pkg/memory"
	"github.com/forgeworks/anvil/pkg/retrieval"
	"github.com/forgeworks/anvil/pkg/workers"
)

// Config holds the orchestration knobs.
type Config struct {
	// MaxSteps is the per-run step budget.
	MaxSteps int

	// StepTimeout bounds a single worker execution.
	StepTimeout time.Duration

	// ScoreThreshold is the evaluation score at which a run completes
	// without remediation. Zero is a valid setting: every evaluated run
	// completes immediately.
	ScoreThreshold float64

	// StageWeight scales the pipeline-position heuristic added to each
	// worker's learned score. It dominates selection on a cold store.
	// Zero disables the heuristic, leaving declaration order as the only
	// tie-break.
	StageWeight float64
}

// DefaultConfig returns the orchestration defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:       20,
		StepTimeout:    2 * time.Minute,
		ScoreThreshold: 65,
		StageWeight:    0.2,
	}
}

// Engine coordinates runs over a shared memory store, cache, and retrieval
// corpus. One engine serves many runs; each run's loop is strictly
// sequential.
type Engine struct {
	store    memory.Store
	memo     *cache.Memoizer
	index    *retrieval.Index
	gen      llm.Generator
	registry []workers.Worker
	cfg      Config
	logger   *zap.Logger
}

// New assembles an engine. A nil registry uses the built-in workers; a nil
// logger disables logging. ScoreThreshold and StageWeight are taken as
// given, zero included; start from DefaultConfig to get the defaults.
func New(store memory.Store, memo *cache.Memoizer, index *retrieval.Index, gen llm.Generator, registry []workers.Worker, cfg Config, logger *zap.Logger) *Engine {
	if registry == nil {
		registry = workers.All()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	return &Engine{
		store:    store,
		memo:     memo,
		index:    index,
		gen:      gen,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute runs the orchestration loop for one request until a terminal
// status is reached. The returned run always carries a terminal status; the
// error is non-nil only for cancellation and internal invariant failures.
func (e *Engine) Execute(ctx context.Context, request, project, outputDir string) (*core.Run, error) {
	run := core.NewRun(request, project, outputDir)
	state := core.NewState(request, project)
	tk := workers.NewToolkit(e.gen, e.memo, e.index, e.store, e.logger)

	logger := e.logger.With(zap.String("run_id", run.ID), zap.String("project", project))
	logger.Info("run started", zap.String("request", request))

	for {
		if ctx.Err() != nil {
			return e.terminate(ctx, run, state, core.StatusCancelled)
		}
		if done := e.checkTermination(state); done {
			return e.terminate(ctx, run, state, core.StatusCompleted)
		}
		if len(run.Records) >= e.cfg.MaxSteps {
			return e.terminate(ctx, run, state, core.StatusBudgetExceeded)
		}

		worker, score := e.selectWorker(ctx, state.View())
		if worker == nil {
			return e.terminate(ctx, run, state, core.StatusStalled)
		}

		tk.Reset()
		started := time.Now()
		delta, err := e.executeStep(ctx, worker, state.View(), tk)
		usedCache, usedRetrieval := tk.Usage()

		rec := core.ExecutionRecord{
			Worker:         worker.Name(),
			Seq:            len(run.Records),
			Inputs:         state.Keys(),
			Success:        err == nil,
			Duration:       time.Since(started),
			SelectionScore: score,
			UsedCache:      usedCache,
			UsedRetrieval:  usedRetrieval,
		}
		if err != nil {
			rec.Error = err.Error()
			logger.Warn("step failed",
				zap.String("worker", worker.Name()),
				zap.Int("seq", rec.Seq),
				zap.Error(err))
		} else {
			rec.Delta = delta
			state.Apply(delta)
			logger.Debug("step succeeded",
				zap.String("worker", worker.Name()),
				zap.Int("seq", rec.Seq),
				zap.Float64("selection_score", score),
				zap.Bool("used_cache", usedCache))
		}

		if statErr := e.store.RecordExecution(ctx, worker.Name(), err == nil); statErr != nil {
			logger.Warn("failed to record execution stats", zap.Error(statErr))
		}
		if appendErr := run.Append(rec); appendErr != nil {
			_ = run.Finish(core.StatusFailed)
			return run, appendErr
		}
	}
}

// checkTermination reports whether the evaluation signal ends the run: a
// final score meeting the threshold, or any final score once remediation
// advice has been recorded.
func (e *Engine) checkTermination(state *core.State) bool {
	score, ok := core.GetFloat(state.View(), core.KeyFinalScore)
	if !ok {
		return false
	}
	return score >= e.cfg.ScoreThreshold || state.Has(core.KeyRemediation)
}

// selectWorker scores every runnable worker and returns the winner, nil
// when none can act. Score is the learned store score plus a
// position-based stage heuristic; ties go to the first-declared worker.
func (e *Engine) selectWorker(ctx context.Context, view core.View) (workers.Worker, float64) {
	var (
		best      workers.Worker
		bestScore float64
	)
	n := len(e.registry)
	for pos, w := range e.registry {
		if !w.CanRun(view) {
			continue
		}
		learned, err := e.store.ScoreOf(ctx, w.Name())
		if err != nil {
			e.logger.Warn("score lookup failed", zap.String("worker", w.Name()), zap.Error(err))
			learned = 0
		}
		score := learned + float64(n-pos)/float64(n)*e.cfg.StageWeight
		if best == nil || score > bestScore {
			best = w
			bestScore = score
		}
	}
	return best, bestScore
}

// executeStep runs one worker under the step timeout, converting panics
// into errors so a misbehaving worker never takes down the loop.
func (e *Engine) executeStep(ctx context.Context, w workers.Worker, view core.View, tk *workers.Toolkit) (delta core.Delta, err error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			delta = nil
			err = errors.WithFields(
				errors.New(errors.WorkerExecutionFailed, fmt.Sprintf("worker panicked: %v", r)),
				errors.Fields{"worker": w.Name()})
		}
	}()

	delta, err = w.Run(stepCtx, view, tk)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.WorkerExecutionFailed, "worker execution failed"),
			errors.Fields{"worker": w.Name()})
	}
	return delta, nil
}

// terminate finishes the run, applies feedback and history for completed
// runs, and writes the report artifacts.
func (e *Engine) terminate(ctx context.Context, run *core.Run, state *core.State, status core.Status) (*core.Run, error) {
	if score, ok := core.GetFloat(state.View(), core.KeyFinalScore); ok {
		run.FinalScore = &score
	}
	if err := run.Finish(status); err != nil {
		return run, err
	}

	logger := e.logger.With(zap.String("run_id", run.ID))
	if status == core.StatusCompleted {
		// Feedback and history only for clean completions so failed or
		// cancelled runs never pollute the learned bonuses.
		if _, err := e.store.ApplyFeedback(ctx, run); err != nil {
			logger.Warn("failed to apply feedback", zap.Error(err))
		}
		if err := e.store.RecordRun(ctx, run); err != nil {
			logger.Warn("failed to record run history", zap.Error(err))
		}
	}

	if run.OutputDir != "" {
		if err := writeArtifacts(run, state); err != nil {
			logger.Warn("failed to write run artifacts", zap.Error(err))
		}
	}

	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("steps", len(run.Records)),
		zap.Duration("duration", run.Duration()))

	if status == core.StatusCancelled {
		return run, errors.CheckContext(ctx, "run")
	}
	return run, nil
}
