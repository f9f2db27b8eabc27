package llm

import (
	"context"
	"sync"

	"github.com/forgeworks/anvil/pkg/errors"
)

// StaticGenerator serves canned responses keyed by a caller-provided
// routing function. It backs offline runs and tests.
type StaticGenerator struct {
	mu        sync.Mutex
	responses map[string]map[string]interface{}
	fallback  map[string]interface{}
	route     func(Request) string
	calls     []Request
}

// NewStaticGenerator creates a generator that routes requests through
// route and returns the matching canned object. When route is nil the
// request's System field is used as the key.
func NewStaticGenerator(route func(Request) string) *StaticGenerator {
	if route == nil {
		route = func(req Request) string { return req.System }
	}
	return &StaticGenerator{
		responses: make(map[string]map[string]interface{}),
		route:     route,
	}
}

// Respond registers the object returned for requests routing to key.
func (g *StaticGenerator) Respond(key string, obj map[string]interface{}) *StaticGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses[key] = obj
	return g
}

// Fallback registers the object returned when no key matches.
func (g *StaticGenerator) Fallback(obj map[string]interface{}) *StaticGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = obj
	return g
}

// Calls returns a copy of every request seen so far.
func (g *StaticGenerator) Calls() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.calls))
	copy(out, g.calls)
	return out
}

// GenerateJSON implements Generator.
func (g *StaticGenerator) GenerateJSON(ctx context.Context, req Request) (map[string]interface{}, error) {
	if err := errors.CheckContext(ctx, "generate"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)

	if obj, ok := g.responses[g.route(req)]; ok {
		return cloneObject(obj), nil
	}
	if g.fallback != nil {
		return cloneObject(g.fallback), nil
	}
	return nil, errors.WithFields(
		errors.New(errors.GenerationFailed, "no canned response"),
		errors.Fields{"key": g.route(req)})
}

func cloneObject(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}
