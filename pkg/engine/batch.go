package engine

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/forgeworks/anvil/pkg/core"
)

// BatchRequest is one unit of work for RunBatch.
type BatchRequest struct {
	Request   string
	Project   string
	OutputDir string
}

// BatchResult pairs a batch request with its run outcome.
type BatchResult struct {
	Request BatchRequest
	Run     *core.Run
	Err     error
}

// RunBatch executes the requests as independent concurrent runs over the
// shared stores. Results are returned in request order; one run failing
// never stops the others.
func (e *Engine) RunBatch(ctx context.Context, reqs []BatchRequest, parallelism int) []BatchResult {
	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]BatchResult, len(reqs))
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(parallelism)
	for i, req := range reqs {
		i, req := i, req
		p.Go(func() {
			run, err := e.Execute(ctx, req.Request, req.Project, req.OutputDir)
			mu.Lock()
			results[i] = BatchResult{Request: req, Run: run, Err: err}
			mu.Unlock()
		})
	}
	p.Wait()
	return results
}
