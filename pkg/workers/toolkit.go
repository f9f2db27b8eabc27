package workers

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeworks/anvil/pkg/cache"
	"github.com/forgeworks/anvil/pkg/errors"
	"github.com/forgeworks/anvil/pkg/llm"
	"github.com/forgeworks/anvil/pkg/memory"
	"github.com/forgeworks/anvil/pkg/retrieval"
)

// Toolkit is the workers' only channel to the outside world: memoized
// generation, corpus retrieval, and run history. The orchestrator resets
// it before each step and reads the usage flags into the execution record
// afterwards.
type Toolkit struct {
	gen    llm.Generator
	memo   *cache.Memoizer
	index  *retrieval.Index
	store  memory.Store
	logger *zap.Logger

	mu            sync.Mutex
	usedCache     bool
	usedRetrieval bool
}

// NewToolkit wires the shared collaborators into a toolkit.
func NewToolkit(gen llm.Generator, memo *cache.Memoizer, index *retrieval.Index, store memory.Store, logger *zap.Logger) *Toolkit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toolkit{gen: gen, memo: memo, index: index, store: store, logger: logger}
}

// Reset clears the per-step usage flags.
func (t *Toolkit) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usedCache = false
	t.usedRetrieval = false
}

// Usage reports whether the current step was served from cache and whether
// it consulted the retrieval index.
func (t *Toolkit) Usage() (usedCache, usedRetrieval bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedCache, t.usedRetrieval
}

// Generate runs the request through the memoized generation path. Two
// identical requests compute at most once; repeats are served from cache
// byte for byte.
func (t *Toolkit) Generate(ctx context.Context, req llm.Request) (map[string]interface{}, error) {
	fp := cache.Fingerprint(req.System, req.User, req.Context)
	raw, hit, err := t.memo.GetOrCompute(ctx, fp, func(ctx context.Context) ([]byte, error) {
		obj, genErr := t.gen.GenerateJSON(ctx, req)
		if genErr != nil {
			return nil, genErr
		}
		return json.Marshal(obj)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		t.mu.Lock()
		t.usedCache = true
		t.mu.Unlock()
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.Wrap(err, errors.InvalidResponse, "cached response is not a JSON object")
	}
	return obj, nil
}

// Context returns retrieval grounding for the text, empty when the corpus
// has nothing relevant. Lookup failures degrade to no grounding.
func (t *Toolkit) Context(ctx context.Context, text string, k int) string {
	snippet, err := t.index.Contextualize(ctx, text, k)
	if err != nil {
		t.logger.Warn("retrieval lookup failed", zap.Error(err))
		return ""
	}
	if snippet != "" {
		t.mu.Lock()
		t.usedRetrieval = true
		t.mu.Unlock()
	}
	return snippet
}

// Ingest adds a document to the shared retrieval corpus.
func (t *Toolkit) Ingest(ctx context.Context, doc retrieval.Document) error {
	return t.index.Ingest(ctx, doc)
}

// SimilarRuns returns past runs resembling the request, best first.
// History failures degrade to an empty slice.
func (t *Toolkit) SimilarRuns(ctx context.Context, request string, k int) []memory.RunSummary {
	sims, err := t.store.SimilarRuns(ctx, request, k)
	if err != nil {
		t.logger.Warn("run history lookup failed", zap.Error(err))
		return nil
	}
	return sims
}
