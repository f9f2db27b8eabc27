package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/anvil/pkg/core"
	"github.com/forgeworks/anvil/pkg/errors"
	"github.com/forgeworks/anvil/pkg/llm"
	"github.com/forgeworks/anvil/pkg/retrieval"
)

const (
	retrievalTopK = 3
	historyTopK   = 3

	// RemediationThreshold is the evaluation score below which the
	// remediation worker becomes runnable.
	RemediationThreshold = 65.0
)

// ContextMemory opens every run: it classifies the request's domain and
// surfaces similar past runs so downstream workers start from prior work
// instead of a blank slate.
type ContextMemory struct{}

func (w *ContextMemory) Name() string { return NameContextMemory }

func (w *ContextMemory) CanRun(view core.View) bool {
	return view.Request() != "" && !view.Has(core.KeyContext)
}

func (w *ContextMemory) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	sims := tk.SimilarRuns(ctx, view.Request(), historyTopK)
	grounding := tk.Context(ctx, view.Request(), retrievalTopK)

	obj, err := tk.Generate(ctx, llm.Request{
		System:  "You classify software project requests by domain.",
		User:    fmt.Sprintf("Classify this request: %q\nReturn JSON {\"domain\", \"rationale\"}", view.Request()),
		Context: grounding,
	})
	if err != nil {
		return nil, err
	}

	similar := make([]interface{}, 0, len(sims))
	for _, s := range sims {
		similar = append(similar, map[string]interface{}{
			"id":      s.ID,
			"request": s.Request,
		})
	}
	obj["similar_runs"] = similar
	return core.Delta{core.KeyContext: obj}, nil
}

// TechSelection picks the implementation stack for the request.
type TechSelection struct{}

func (w *TechSelection) Name() string { return NameTechSelection }

func (w *TechSelection) CanRun(view core.View) bool {
	return !view.Has(core.KeyTech)
}

func (w *TechSelection) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	grounding := tk.Context(ctx, view.Request(), retrievalTopK)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %q\n", view.Request())
	if cm := core.GetMap(view, core.KeyContext); cm != nil {
		if domain, ok := cm["domain"].(string); ok && domain != "" {
			fmt.Fprintf(&sb, "Domain: %s\n", domain)
		}
	}
	// A remembered high-scoring run for a similar request is strong
	// evidence its stack fits here too.
	for _, s := range tk.SimilarRuns(ctx, view.Request(), 1) {
		if s.FinalScore != nil && *s.FinalScore >= RemediationThreshold {
			fmt.Fprintf(&sb, "A similar request scored %.0f previously: %q\n", *s.FinalScore, s.Request)
		}
	}
	sb.WriteString("Return JSON {\"stack\", \"reasoning\", \"confidence\"}")

	obj, err := tk.Generate(ctx, llm.Request{
		System:  "You pick pragmatic technology stacks.",
		User:    sb.String(),
		Context: grounding,
	})
	if err != nil {
		return nil, err
	}
	return core.Delta{core.KeyTech: obj}, nil
}

// Architecture designs the component layout once a stack is chosen.
type Architecture struct{}

func (w *Architecture) Name() string { return NameArchitecture }

func (w *Architecture) CanRun(view core.View) bool {
	return view.Has(core.KeyTech) && !view.Has(core.KeyArch)
}

func (w *Architecture) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	obj, err := tk.Generate(ctx, llm.Request{
		System: "You design production-ready software architectures.",
		User: fmt.Sprintf("Design an architecture for: %q\nStack: %s\nReturn JSON {\"components\", \"layout\", \"rationale\"}",
			view.Request(), describe(view, core.KeyTech, "stack")),
	})
	if err != nil {
		return nil, err
	}
	return core.Delta{core.KeyArch: obj}, nil
}

// CodeGeneration produces the implementation artifacts.
type CodeGeneration struct{}

func (w *CodeGeneration) Name() string { return NameCodeGeneration }

func (w *CodeGeneration) CanRun(view core.View) bool {
	return view.Has(core.KeyArch) && !view.Has(core.KeyCode)
}

func (w *CodeGeneration) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	grounding := tk.Context(ctx, view.Request(), retrievalTopK)

	obj, err := tk.Generate(ctx, llm.Request{
		System: "You are a senior software engineer writing production-quality code.",
		User: fmt.Sprintf("Implement: %q\nArchitecture: %s\nReturn JSON {\"files\": {path: content}, \"notes\"}",
			view.Request(), describe(view, core.KeyArch, "layout")),
		Context: grounding,
	})
	if err != nil {
		return nil, err
	}
	return core.Delta{core.KeyCode: obj}, nil
}

// SchemaDesign produces the persistence schema.
type SchemaDesign struct{}

func (w *SchemaDesign) Name() string { return NameSchemaDesign }

func (w *SchemaDesign) CanRun(view core.View) bool {
	return view.Has(core.KeyTech) && view.Has(core.KeyArch) && !view.Has(core.KeySchema)
}

func (w *SchemaDesign) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	obj, err := tk.Generate(ctx, llm.Request{
		System: "You design relational data models.",
		User: fmt.Sprintf("Design the data model for: %q\nStack: %s\nReturn JSON {\"tables\", \"relations\"}",
			view.Request(), describe(view, core.KeyTech, "stack")),
	})
	if err != nil {
		return nil, err
	}
	return core.Delta{core.KeySchema: obj}, nil
}

// Infrastructure produces deployment descriptors.
type Infrastructure struct{}

func (w *Infrastructure) Name() string { return NameInfrastructure }

func (w *Infrastructure) CanRun(view core.View) bool {
	return view.Has(core.KeyTech) && !view.Has(core.KeyInfra)
}

func (w *Infrastructure) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	obj, err := tk.Generate(ctx, llm.Request{
		System: "You produce container and deployment descriptors.",
		User: fmt.Sprintf("Produce deployment descriptors for: %q\nStack: %s\nReturn JSON {\"dockerfile\", \"services\"}",
			view.Request(), describe(view, core.KeyTech, "stack")),
	})
	if err != nil {
		return nil, err
	}
	return core.Delta{core.KeyInfra: obj}, nil
}

// TestGeneration produces a test suite for the generated code.
type TestGeneration struct{}

func (w *TestGeneration) Name() string { return NameTestGeneration }

func (w *TestGeneration) CanRun(view core.View) bool {
	return view.Has(core.KeyCode) && !view.Has(core.KeyTests)
}

func (w *TestGeneration) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	obj, err := tk.Generate(ctx, llm.Request{
		System: "You write thorough automated tests.",
		User: fmt.Sprintf("Write tests for: %q\nGenerated files: %s\nReturn JSON {\"files\": {path: content}}",
			view.Request(), describe(view, core.KeyCode, "files")),
	})
	if err != nil {
		return nil, err
	}
	return core.Delta{core.KeyTests: obj}, nil
}

// Ingestion summarizes generated artifacts into the retrieval corpus so
// later runs can ground on them.
type Ingestion struct{}

func (w *Ingestion) Name() string { return NameIngestion }

func (w *Ingestion) CanRun(view core.View) bool {
	return view.Has(core.KeyCode) && !view.Has(core.KeyIngest)
}

func (w *Ingestion) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	obj, err := tk.Generate(ctx, llm.Request{
		System: "You summarize generated artifacts for later retrieval.",
		User: fmt.Sprintf("Summarize this project for a retrieval index.\nRequest: %q\nFiles: %s\nReturn JSON {\"summary\"}",
			view.Request(), describe(view, core.KeyCode, "files")),
	})
	if err != nil {
		return nil, err
	}

	summary, _ := obj["summary"].(string)
	if summary == "" {
		return nil, errors.New(errors.InvalidResponse, "summary missing from response")
	}
	docID := fmt.Sprintf("%s-%s", view.Project(), uuid.NewString()[:8])
	if err := tk.Ingest(ctx, retrieval.Document{
		ID:      docID,
		Text:    fmt.Sprintf("%s\n%s", view.Request(), summary),
		Tags:    []string{view.Project()},
		AddedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return core.Delta{core.KeyIngest: map[string]interface{}{
		"indexed": 1,
		"doc_id":  docID,
	}}, nil
}

// Evaluation scores the assembled project once every production stage has
// contributed. Its score in state is the orchestrator's termination signal.
type Evaluation struct{}

func (w *Evaluation) Name() string { return NameEvaluation }

func (w *Evaluation) CanRun(view core.View) bool {
	for _, key := range []string{
		core.KeyTech, core.KeyArch, core.KeyCode,
		core.KeySchema, core.KeyInfra, core.KeyTests,
	} {
		if !view.Has(key) {
			return false
		}
	}
	return !view.Has(core.KeyEvaluation)
}

func (w *Evaluation) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	obj, err := tk.Generate(ctx, llm.Request{
		System: "You evaluate generated software projects on a 0-100 scale.",
		User: fmt.Sprintf("Evaluate the project for: %q\nState keys present: %s\nReturn JSON {\"score\": 0-100, \"breakdown\": {aspect: score}, \"summary\"}",
			view.Request(), strings.Join(view.Keys(), ", ")),
	})
	if err != nil {
		return nil, err
	}

	score, ok := numeric(obj["score"])
	if !ok {
		return nil, errors.New(errors.InvalidResponse, "score missing from evaluation")
	}
	score = clamp(score, 0, 100)
	obj["score"] = score
	return core.Delta{
		core.KeyEvaluation: obj,
		core.KeyFinalScore: score,
	}, nil
}

// Remediation suggests improvements when the evaluation falls short of the
// quality bar. It is advisory only and never touches generated artifacts.
type Remediation struct{}

func (w *Remediation) Name() string { return NameRemediation }

func (w *Remediation) CanRun(view core.View) bool {
	if !view.Has(core.KeyEvaluation) || view.Has(core.KeyRemediation) {
		return false
	}
	score, ok := core.GetFloat(view, core.KeyFinalScore)
	return ok && score < RemediationThreshold
}

func (w *Remediation) Run(ctx context.Context, view core.View, tk *Toolkit) (core.Delta, error) {
	score, _ := core.GetFloat(view, core.KeyFinalScore)
	obj, err := tk.Generate(ctx, llm.Request{
		System: "You suggest minimal, high-impact remediation steps.",
		User: fmt.Sprintf("The project for %q scored %.1f. Evaluation: %s\nReturn JSON {\"actions\": [...], \"notes\"}",
			view.Request(), score, describe(view, core.KeyEvaluation, "breakdown")),
	})
	if err != nil {
		return nil, err
	}
	obj["applied"] = false
	return core.Delta{core.KeyRemediation: obj}, nil
}

// describe renders one field of a stored worker output for prompt
// embedding, falling back to the whole entry.
func describe(view core.View, key, field string) string {
	m := core.GetMap(view, key)
	if m == nil {
		return ""
	}
	if v, ok := m[field]; ok {
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%v", m)
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
