package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgeworks/anvil/pkg/core"
	"github.com/forgeworks/anvil/pkg/errors"
)

// MemStore is a map-backed Store for tests and ephemeral single-process use.
type MemStore struct {
	mu       sync.Mutex
	stats    map[string]*WorkerStats
	runs     []RunSummary
	applied  map[string]bool // run IDs whose feedback has been distributed
	feedback FeedbackConfig
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(feedback FeedbackConfig) *MemStore {
	if feedback.Delta == 0 {
		feedback = DefaultFeedbackConfig()
	}
	return &MemStore{
		stats:    make(map[string]*WorkerStats),
		applied:  make(map[string]bool),
		feedback: feedback,
	}
}

func (s *MemStore) ScoreOf(ctx context.Context, worker string) (float64, error) {
	if err := errors.CheckContext(ctx, "score lookup"); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[worker]
	if !ok {
		return 0, nil
	}
	return st.SuccessRate() + st.FeedbackBonus, nil
}

func (s *MemStore) Stats(ctx context.Context, worker string) (WorkerStats, bool, error) {
	if err := errors.CheckContext(ctx, "stats lookup"); err != nil {
		return WorkerStats{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[worker]
	if !ok {
		return WorkerStats{}, false, nil
	}
	return *st, true, nil
}

func (s *MemStore) AllStats(ctx context.Context) ([]WorkerStats, error) {
	if err := errors.CheckContext(ctx, "stats listing"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out, nil
}

func (s *MemStore) RecordExecution(ctx context.Context, worker string, success bool) error {
	if worker == "" {
		return errors.New(errors.InvalidInput, "worker name is required")
	}
	if err := errors.CheckContext(ctx, "record execution"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[worker]
	if !ok {
		st = &WorkerStats{Worker: worker}
		s.stats[worker] = st
	}
	st.Invocations++
	if success {
		st.Successes++
	}
	st.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) ApplyFeedback(ctx context.Context, run *core.Run) (bool, error) {
	if err := errors.CheckContext(ctx, "apply feedback"); err != nil {
		return false, err
	}
	if !run.Status.Terminal() {
		return false, errors.WithFields(
			errors.New(errors.InvalidRunState, "feedback requires a terminal run"),
			errors.Fields{"run_id": run.ID, "status": run.Status})
	}
	if !feedbackEligible(run) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[run.ID] {
		return false, nil
	}
	s.applied[run.ID] = true

	delta := s.feedback.Delta
	if *run.FinalScore < s.feedback.Threshold {
		delta = -delta
	}
	for _, worker := range run.SucceededWorkers() {
		st, ok := s.stats[worker]
		if !ok {
			st = &WorkerStats{Worker: worker}
			s.stats[worker] = st
		}
		st.FeedbackBonus += delta
		st.UpdatedAt = time.Now()
	}
	return true, nil
}

func (s *MemStore) RecordRun(ctx context.Context, run *core.Run) error {
	if err := errors.CheckContext(ctx, "record run"); err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return errors.New(errors.InvalidRunState, "only terminal runs are recorded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, summaryOf(run))
	return nil
}

func (s *MemStore) SimilarRuns(ctx context.Context, request string, k int) ([]RunSummary, error) {
	if err := errors.CheckContext(ctx, "similar runs"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		sim float64
		run RunSummary
	}
	candidates := make([]scored, 0, len(s.runs))
	for _, r := range s.runs {
		if sim := jaccard(request, r.Request); sim > 0 {
			candidates = append(candidates, scored{sim, r})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]RunSummary, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.run)
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }
