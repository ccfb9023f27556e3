// Package sqlite persists the action history in a SQLite file so throttle
// caps survive worker respawns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

const schema = `
CREATE TABLE IF NOT EXISTS activity (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ns    INTEGER NOT NULL,
	action   TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS activity_at ON activity (at_ns);
`

// ActivityStore implements throttle.History.
type ActivityStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// process-local store.
func Open(ctx context.Context, path string) (*ActivityStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	store, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database and creates the schema.
func New(ctx context.Context, db *sql.DB) (*ActivityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create activity schema: %w", err)
	}
	return &ActivityStore{db: db}, nil
}

// Close closes the database.
func (s *ActivityStore) Close() error {
	return s.db.Close()
}

// Append implements throttle.History.
func (s *ActivityStore) Append(ctx context.Context, e throttle.Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO activity (at_ns, action, metadata) VALUES (?, ?, ?)`,
		e.At.UnixNano(), e.Action, string(meta)); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Since implements throttle.History.
func (s *ActivityStore) Since(ctx context.Context, t time.Time) ([]throttle.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ns, action, metadata FROM activity WHERE at_ns >= ? ORDER BY at_ns, id`, t.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	return scan(rows)
}

// Recent implements throttle.History.
func (s *ActivityStore) Recent(ctx context.Context, n int) ([]throttle.Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT at_ns, action, metadata FROM (
	SELECT id, at_ns, action, metadata FROM activity ORDER BY at_ns DESC, id DESC LIMIT ?
) ORDER BY at_ns, id`, n)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	return scan(rows)
}

// Prune deletes entries older than t and reports how many were removed.
func (s *ActivityStore) Prune(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE at_ns < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}

func scan(rows *sql.Rows) ([]throttle.Entry, error) {
	defer func() { _ = rows.Close() }()
	var out []throttle.Entry
	for rows.Next() {
		var (
			ns     int64
			action string
			meta   string
		)
		if err := rows.Scan(&ns, &action, &meta); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e := throttle.Entry{At: time.Unix(0, ns).UTC(), Action: action}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}
