// Package postgres persists end-of-run crawl stats to Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-prometheus/internal/stats"
)

const defaultTable = "crawl_stats"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// StatsStoreConfig controls the Postgres connection pool used for snapshots.
type StatsStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// IDGenerator issues row ids.
type IDGenerator interface {
	NewID() (string, error)
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// StatsStore writes one row per finished run.
type StatsStore struct {
	pool  execCloser
	table string
	ids   IDGenerator
}

// NewStatsStore connects to Postgres and makes sure the snapshot table exists.
func NewStatsStore(ctx context.Context, cfg StatsStoreConfig, ids IDGenerator) (*StatsStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("stats.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &StatsStore{pool: pool, table: table, ids: ids}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewStatsStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStatsStoreWithPool(pool execCloser, table string, ids IDGenerator) (*StatsStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &StatsStore{pool: pool, table: name, ids: ids}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the snapshot table when missing.
func (s *StatsStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	spider TEXT NOT NULL,
	stats JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *StatsStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveSnapshot inserts the stats of a finished run.
func (s *StatsStore) SaveSnapshot(ctx context.Context, snap stats.Snapshot) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("stats store is not configured")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("snapshot id: %w", err)
	}
	values := snap.Stats
	if values == nil {
		values = map[string]any{}
	}
	statsJSON, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	job_id,
	spider,
	stats,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5
)`, s.table)

	if _, err := s.pool.Exec(ctx, query, id, snap.JobID, snap.Spider, statsJSON, snap.RecordedAt); err != nil {
		return fmt.Errorf("insert stats snapshot: %w", err)
	}
	return nil
}
