package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forgeworks/anvil/pkg/core"
	"github.com/forgeworks/anvil/pkg/errors"
)

// SQLiteStore implements Store with SQLite persistence, shared safely across
// concurrent runs: counter updates are single upsert statements and feedback
// application is guarded by a per-run registration row inside a transaction.
type SQLiteStore struct {
	db       *sql.DB
	feedback FeedbackConfig
}

// NewSQLiteStore opens (creating if needed) a durable memory store at path.
// ":memory:" yields a private in-process database.
func NewSQLiteStore(path string, feedback FeedbackConfig) (*SQLiteStore, error) {
	if feedback.Delta == 0 {
		feedback = DefaultFeedbackConfig()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.StorageFailed, "failed to open memory database"),
			errors.Fields{"path": path})
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, feedback: feedback}
	if err := store.initDB(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initDB() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return errors.Wrap(err, errors.StorageFailed, "failed to enable WAL mode")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS worker_stats (
		worker TEXT PRIMARY KEY,
		invocations INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		feedback_bonus REAL NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_history (
		id TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		project TEXT NOT NULL,
		status TEXT NOT NULL,
		final_score REAL,
		workers TEXT NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feedback_applied (
		run_id TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, errors.StorageFailed, "failed to initialize memory schema")
	}
	return nil
}

func (s *SQLiteStore) ScoreOf(ctx context.Context, worker string) (float64, error) {
	st, ok, err := s.Stats(ctx, worker)
	if err != nil || !ok {
		return 0, err
	}
	return st.SuccessRate() + st.FeedbackBonus, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, worker string) (WorkerStats, bool, error) {
	var st WorkerStats
	err := s.db.QueryRowContext(ctx,
		"SELECT worker, invocations, successes, feedback_bonus, updated_at FROM worker_stats WHERE worker = ?",
		worker).Scan(&st.Worker, &st.Invocations, &st.Successes, &st.FeedbackBonus, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return WorkerStats{}, false, nil
	}
	if err != nil {
		return WorkerStats{}, false, errors.Wrap(err, errors.StorageFailed, "failed to read worker stats")
	}
	return st, true, nil
}

func (s *SQLiteStore) AllStats(ctx context.Context) ([]WorkerStats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT worker, invocations, successes, feedback_bonus, updated_at FROM worker_stats ORDER BY worker ASC")
	if err != nil {
		return nil, errors.Wrap(err, errors.StorageFailed, "failed to list worker stats")
	}
	defer rows.Close()

	var out []WorkerStats
	for rows.Next() {
		var st WorkerStats
		if err := rows.Scan(&st.Worker, &st.Invocations, &st.Successes, &st.FeedbackBonus, &st.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.StorageFailed, "failed to scan worker stats row")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordExecution(ctx context.Context, worker string, success bool) error {
	if worker == "" {
		return errors.New(errors.InvalidInput, "worker name is required")
	}

	succ := 0
	if success {
		succ = 1
	}
	// Single upsert: the read-modify-write is atomic inside sqlite, so
	// concurrent runs never lose counter updates.
	query := `
	INSERT INTO worker_stats (worker, invocations, successes, feedback_bonus, updated_at)
	VALUES (?, 1, ?, 0, ?)
	ON CONFLICT(worker) DO UPDATE SET
		invocations = invocations + 1,
		successes = successes + excluded.successes,
		updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, worker, succ, time.Now()); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StorageFailed, "failed to record execution"),
			errors.Fields{"worker": worker})
	}
	return nil
}

func (s *SQLiteStore) ApplyFeedback(ctx context.Context, run *core.Run) (bool, error) {
	if !run.Status.Terminal() {
		return false, errors.WithFields(
			errors.New(errors.InvalidRunState, "feedback requires a terminal run"),
			errors.Fields{"run_id": run.ID, "status": run.Status})
	}
	if !feedbackEligible(run) {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, errors.StorageFailed, "failed to begin feedback transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// The registration row makes feedback exactly-once per run: a second
	// application sees the existing row and backs off.
	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO feedback_applied (run_id, applied_at) VALUES (?, ?)",
		run.ID, time.Now())
	if err != nil {
		return false, errors.Wrap(err, errors.StorageFailed, "failed to register feedback")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	delta := s.feedback.Delta
	if *run.FinalScore < s.feedback.Threshold {
		delta = -delta
	}
	for _, worker := range run.SucceededWorkers() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO worker_stats (worker, invocations, successes, feedback_bonus, updated_at)
			VALUES (?, 0, 0, ?, ?)
			ON CONFLICT(worker) DO UPDATE SET
				feedback_bonus = feedback_bonus + excluded.feedback_bonus,
				updated_at = excluded.updated_at
		`, worker, delta, time.Now())
		if err != nil {
			return false, errors.WithFields(
				errors.Wrap(err, errors.StorageFailed, "failed to adjust feedback bonus"),
				errors.Fields{"worker": worker})
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, errors.StorageFailed, "failed to commit feedback")
	}
	return true, nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run *core.Run) error {
	if !run.Status.Terminal() {
		return errors.New(errors.InvalidRunState, "only terminal runs are recorded")
	}

	summary := summaryOf(run)
	workers, err := json.Marshal(summary.Workers)
	if err != nil {
		workers = []byte("[]")
	}

	var score interface{}
	if summary.FinalScore != nil {
		score = *summary.FinalScore
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_history (id, request, project, status, final_score, workers, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, summary.ID, summary.Request, summary.Project, string(summary.Status), score, string(workers), summary.FinishedAt)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StorageFailed, "failed to record run"),
			errors.Fields{"run_id": run.ID})
	}
	return nil
}

func (s *SQLiteStore) SimilarRuns(ctx context.Context, request string, k int) ([]RunSummary, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, request, project, status, final_score, workers, finished_at FROM run_history")
	if err != nil {
		return nil, errors.Wrap(err, errors.StorageFailed, "failed to load run history")
	}
	defer rows.Close()

	type scored struct {
		sim float64
		run RunSummary
	}
	var candidates []scored
	for rows.Next() {
		var r RunSummary
		var status string
		var score sql.NullFloat64
		var workers string
		if err := rows.Scan(&r.ID, &r.Request, &r.Project, &status, &score, &workers, &r.FinishedAt); err != nil {
			return nil, errors.Wrap(err, errors.StorageFailed, "failed to scan run row")
		}
		r.Status = core.Status(status)
		if score.Valid {
			v := score.Float64
			r.FinalScore = &v
		}
		_ = json.Unmarshal([]byte(workers), &r.Workers)

		if sim := jaccard(request, r.Request); sim > 0 {
			candidates = append(candidates, scored{sim, r})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.StorageFailed, "run history iteration failed")
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
