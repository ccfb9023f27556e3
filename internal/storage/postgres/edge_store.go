// Package postgres persists the edge graph in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for edges.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// EdgeStore implements automation.EdgeGraph over a single table keyed by
// profile id.
type EdgeStore struct {
	pool  pool
	table string
}

// NewEdgeStore connects to Postgres using cfg.
func NewEdgeStore(ctx context.Context, cfg Config) (*EdgeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("edges.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewEdgeStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewEdgeStoreWithPool constructs a store from an existing pool.
func NewEdgeStoreWithPool(p pool, table string) (*EdgeStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "edges"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EdgeStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *EdgeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the edge table when it does not exist.
func (s *EdgeStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	profile_id   TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	artifact_key TEXT NOT NULL DEFAULT '',
	artifact_url TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return faults.New(faults.Database, "create edge table", err)
	}
	return nil
}

// CheckEdgeExists implements automation.EdgeGraph.
func (s *EdgeStore) CheckEdgeExists(ctx context.Context, profileID string) (bool, error) {
	if profileID == "" {
		return false, faults.Errorf(faults.Database, "check edge", "profile id is required")
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE profile_id = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, query, profileID).Scan(&exists); err != nil {
		return false, classify("check edge", err).With("profile_id", profileID)
	}
	return exists, nil
}

// CreateEdge implements automation.EdgeGraph. An existing edge is kept.
func (s *EdgeStore) CreateEdge(ctx context.Context, edge automation.Edge) error {
	if edge.ProfileID == "" {
		return faults.Errorf(faults.Database, "create edge", "profile id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (profile_id, kind, artifact_key, artifact_url, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (profile_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		edge.ProfileID, edge.Kind, edge.ArtifactKey, edge.ArtifactURL, edge.CreatedAt); err != nil {
		return classify("create edge", err).With("profile_id", edge.ProfileID)
	}
	return nil
}

// classify maps connection-level failures to Network so they heal, and
// everything the server rejected to Database.
func classify(op string, err error) *faults.Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return faults.New(faults.Database, op, err).With("sqlstate", pgErr.Code)
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return faults.New(faults.Network, op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return faults.New(faults.Network, op, err)
	}
	return faults.New(faults.Database, op, err)
}
