package core

import (
	"sort"
)

// Well-known state keys produced by the built-in workers. Workers gate their
// capability predicates on the presence or absence of these keys.
const (
	KeyContext     = "context"
	KeyTech        = "tech"
	KeyArch        = "architecture"
	KeyCode        = "code"
	KeySchema      = "schema"
	KeyInfra       = "infra"
	KeyTests       = "tests"
	KeyIngest      = "ingest"
	KeyEvaluation  = "evaluation"
	KeyRemediation = "remediation"
	KeyFinalScore  = "final_score"
)

// Delta is the set of state changes produced by a single worker execution.
// Workers return deltas; only the orchestrator merges them into State.
type Delta map[string]interface{}

// View is the read-only window onto run state that workers receive.
// Workers must never mutate state directly; all writes flow back through
// the delta they return.
type View interface {
	// Request returns the original free-text request for the run.
	Request() string

	// Project returns the project name for the run.
	Project() string

	// Get returns the value stored under key and whether it is present.
	Get(key string) (interface{}, bool)

	// Has reports whether key is present.
	Has(key string) bool

	// Keys returns all present keys in sorted order.
	Keys() []string
}

// State is the mutable key-value bag threaded through a run. It is owned
// exclusively by the orchestrator for the run's lifetime; workers only ever
// see it through the View interface.
type State struct {
	request string
	project string
	values  map[string]interface{}
}

// NewState creates the initial state for a run.
func NewState(request, project string) *State {
	return &State{
		request: request,
		project: project,
		values:  make(map[string]interface{}),
	}
}

func (s *State) Request() string { return s.request }

func (s *State) Project() string { return s.project }

func (s *State) Get(key string) (interface{}, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *State) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Apply merges a worker delta into the state. Later keys overwrite earlier
// ones; a nil delta is a no-op.
func (s *State) Apply(delta Delta) {
	for k, v := range delta {
		s.values[k] = v
	}
}

// View returns the read-only window workers receive.
func (s *State) View() View { return s }

// GetMap returns the value under key as a map, or nil when absent or of a
// different shape. Most worker outputs are JSON-like maps, so this is the
// common accessor.
func GetMap(v View, key string) map[string]interface{} {
	raw, ok := v.Get(key)
	if !ok {
		return nil
	}
	m, _ := raw.(map[string]interface{})
	return m
}

// GetFloat returns the value under key coerced to float64.
func GetFloat(v View, key string) (float64, bool) {
	raw, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
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
