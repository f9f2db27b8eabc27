package cache

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forgeworks/anvil/pkg/errors"
)

// SQLiteCache implements Cache using SQLite as storage, so memoized
// responses survive process restarts and are shared across concurrent runs.
type SQLiteCache struct {
	db        *sql.DB
	config    Config
	stats     Stats
	mu        sync.Mutex // guards stats.LastAccess
	closeChan chan struct{}
	closeOnce sync.Once
	cleanupWG sync.WaitGroup
}

// NewSQLiteCache creates a new SQLite-backed cache.
func NewSQLiteCache(config Config) (*SQLiteCache, error) {
	if config.Path == "" {
		config.Path = "anvil_cache.db"
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.StorageFailed, "failed to open cache database"),
			errors.Fields{"path": config.Path})
	}
	db.SetMaxOpenConns(1) // serialize writers; sqlite handles one at a time

	cache := &SQLiteCache{
		db:        db,
		config:    config,
		closeChan: make(chan struct{}),
	}
	if err := cache.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	cache.cleanupWG.Add(1)
	go cache.cleanupRoutine()

	return cache, nil
}

func (c *SQLiteCache) initDB() error {
	if _, err := c.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return errors.Wrap(err, errors.StorageFailed, "failed to enable WAL mode")
	}

	query := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at);
	`
	if _, err := c.db.Exec(query); err != nil {
		return errors.Wrap(err, errors.StorageFailed, "failed to initialize cache schema")
	}
	return nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := `
	SELECT value FROM cache_entries
	WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`

	var value []byte
	err := c.db.QueryRowContext(ctx, query, key, time.Now().UnixNano()).Scan(&value)
	if err == sql.ErrNoRows {
		atomic.AddInt64(&c.stats.Misses, 1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.StorageFailed, "failed to read cache entry")
	}

	atomic.AddInt64(&c.stats.Hits, 1)
	c.mu.Lock()
	c.stats.LastAccess = time.Now()
	c.mu.Unlock()

	return value, true, nil
}

func (c *SQLiteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}

	query := `
	INSERT INTO cache_entries (key, value, expires_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		expires_at = excluded.expires_at
	`
	if _, err := c.db.ExecContext(ctx, query, key, value, expiresAt, time.Now().UnixNano()); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StorageFailed, "failed to store cache entry"),
			errors.Fields{"key": key})
	}
	atomic.AddInt64(&c.stats.Sets, 1)
	return nil
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return errors.Wrap(err, errors.StorageFailed, "failed to delete cache entry")
	}
	return nil
}

func (c *SQLiteCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return errors.Wrap(err, errors.StorageFailed, "failed to clear cache")
	}
	return nil
}

func (c *SQLiteCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:       atomic.LoadInt64(&c.stats.Hits),
		Misses:     atomic.LoadInt64(&c.stats.Misses),
		Sets:       atomic.LoadInt64(&c.stats.Sets),
		LastAccess: c.stats.LastAccess,
	}

	var size int64
	if err := c.db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&size); err == nil {
		stats.Size = size
	}
	return stats
}

func (c *SQLiteCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeChan)
	})
	c.cleanupWG.Wait()
	return c.db.Close()
}

func (c *SQLiteCache) cleanupRoutine() {
	defer c.cleanupWG.Done()

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			_, _ = c.db.Exec(
				"DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?",
				time.Now().UnixNano())
		}
	}
}
