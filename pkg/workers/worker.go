// Package workers holds the capability-typed units the orchestrator
// schedules. A worker declares when it can act on run state and returns a
// state delta when executed; all external effects flow through the Toolkit.
package workers

import (
	"context"

	"github.com/forgeworks/anvil/pkg/core"
)

// Worker names, also used as memory store keys.
const (
	NameContextMemory  = "context-memory"
	NameTechSelection  = "technology-selection"
	NameArchitecture   = "architecture"
	NameCodeGeneration = "code-generation"
	NameSchemaDesign   = "schema-design"
	NameInfrastructure = "infrastructure"
	NameTestGeneration = "test-generation"
	NameIngestion      = "artifact-ingestion"
	NameEvaluation     = "evaluation"
	NameRemediation    = "remediation"
)

// Worker is one unit of pipeline work. Implementations must be pure with
// respect to orchestration state: CanRun only inspects the view, Run
// returns its changes as a delta and reaches the outside world only
// through the toolkit.
type Worker interface {
	// Name returns the stable identifier used for scoring and statistics.
	Name() string

	// CanRun reports whether the worker can act on the current state.
	CanRun(view core.View) bool

	// Run executes the worker and returns the state delta to merge.
	Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error)
}

// All returns the built-in workers in pipeline stage order. The slice
// position doubles as the stage heuristic and the scoring tie-break, so
// the order is part of the scheduling contract.
func All() []Worker {
	return []Worker{
		&ContextMemory{},
		&TechSelection{},
		&Architecture{},
		&CodeGeneration{},
		&SchemaDesign{},
		&Infrastructure{},
		&TestGeneration{},
		&Ingestion{},
		&Evaluation{},
		&Remediation{},
	}
}
