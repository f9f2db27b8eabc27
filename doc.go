// Package anvil implements an adaptive orchestration engine for
// multi-stage content generation.
//
// A free-text project request is turned into generated artifacts by a pool
// of capability-typed workers (context gathering, technology selection,
// architecture, code, schema, infrastructure, tests, ingestion, evaluation,
// remediation) scheduled over a shared state bag. Worker selection is
// adaptive: each step the engine scores the runnable workers from learned
// success rates, outcome feedback, and a pipeline-stage heuristic, then
// executes the winner and folds its state delta back in.
//
// Three shared stores close the loop across runs:
//
//   - Memory (pkg/memory): per-worker success counters and feedback
//     bonuses, plus run history for similar-request lookup.
//   - Cache (pkg/cache): content-addressed memoization of generation
//     calls, deduplicated in flight.
//   - Retrieval (pkg/retrieval): a term-frequency index over past
//     artifacts used to ground new generations.
//
// The orchestration loop lives in pkg/engine, the worker variants in
// pkg/workers, and the generation seam in pkg/llm. The anvil CLI
// (cmd/anvil) wires everything from a YAML configuration:
//
//	anvil run --request "Create a simple task API" --name taskapi --output ./out
//
// Runs terminate when the evaluation worker produces a final score meeting
// the quality bar (or remediation advice has been recorded for a score
// below it), when no worker can act, or when the step budget is exhausted.
// Completed runs feed their score back into the memory store, so the
// scheduler's preferences improve across runs.
package anvil
