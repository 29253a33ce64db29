// Package verdictcache stores classification verdicts in SQLite so that
// re-running a filter over the same messages does not re-query the model.
package verdictcache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

// previewLength caps the message text kept alongside each verdict.
const previewLength = 120

// Cache is a SQLite-backed verdict store.
type Cache struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// Entry is one stored verdict.
type Entry struct {
	Key          string
	Backend      string
	TextPreview  string
	IsProblem    bool
	RunID        string
	ClassifiedAt time.Time
}

// Stats summarizes the cache contents.
type Stats struct {
	Total    int `json:"total"`
	Problems int `json:"problems"`
	Runs     int `json:"runs"`
}

// Open opens or creates the cache database at path. Each Cache gets a fresh
// run ID that is stamped on the rows it writes.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Cache{db: db, runID: uuid.NewString(), now: time.Now}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// RunID returns the identifier stamped on rows written by this Cache.
func (c *Cache) RunID() string {
	return c.runID
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS verdicts (
			key TEXT PRIMARY KEY,
			backend TEXT NOT NULL,
			text_preview TEXT NOT NULL,
			is_problem INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			classified_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_verdicts_run ON verdicts(run_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Key derives the cache key for a message under a backend.
func Key(backend, text string) string {
	sum := blake2b.Sum256([]byte(backend + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the stored verdict for text under backend, if any.
func (c *Cache) Lookup(ctx context.Context, backend, text string) (bool, bool, error) {
	var isProblem bool
	err := c.db.QueryRowContext(ctx,
		`SELECT is_problem FROM verdicts WHERE key = ?`, Key(backend, text),
	).Scan(&isProblem)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("looking up verdict: %w", err)
	}
	return isProblem, true, nil
}

// Save stores a verdict, replacing any previous one for the same key.
func (c *Cache) Save(ctx context.Context, backend, text string, isProblem bool) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO verdicts (key, backend, text_preview, is_problem, run_id, classified_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, Key(backend, text), backend, preview(text), isProblem, c.runID, c.now().Unix())
	if err != nil {
		return fmt.Errorf("saving verdict: %w", err)
	}
	return nil
}

// Get returns the full entry for a key.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		e  Entry
		ts int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT key, backend, text_preview, is_problem, run_id, classified_at
		FROM verdicts WHERE key = ?
	`, key).Scan(&e.Key, &e.Backend, &e.TextPreview, &e.IsProblem, &e.RunID, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading verdict: %w", err)
	}
	e.ClassifiedAt = time.Unix(ts, 0)
	return &e, nil
}

// Stats counts stored verdicts.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(is_problem), 0), COUNT(DISTINCT run_id) FROM verdicts
	`).Scan(&s.Total, &s.Problems, &s.Runs)
	if err != nil {
		return Stats{}, fmt.Errorf("counting verdicts: %w", err)
	}
	return s, nil
}

// Clear deletes every stored verdict and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM verdicts`)
	if err != nil {
		return 0, fmt.Errorf("clearing verdicts: %w", err)
	}
	return res.RowsAffected()
}

// preview cuts text to previewLength runes.
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength])
}
