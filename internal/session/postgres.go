package session

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediaharvest/harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig controls the Postgres connection pool used for
// session snapshots.
type PostgresStoreConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Table           string        `mapstructure:"table" yaml:"table"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PostgresStore keeps one snapshot row per run, upserted on save.
type PostgresStore struct {
	pool  querier
	table string
}

// NewPostgresStore creates a Postgres-backed snapshot store using the
// provided config.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("session.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "harvest_sessions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &PostgresStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool querier, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "harvest_sessions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Save upserts the snapshot row for the run.
func (s *PostgresStore) Save(ctx context.Context, snap harvest.Snapshot) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("session store is not configured")
	}
	if snap.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, saved_at, snapshot)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO UPDATE
SET saved_at = EXCLUDED.saved_at, snapshot = EXCLUDED.snapshot`, s.table)

	if _, err := s.pool.Exec(ctx, query, snap.RunID, snap.SavedAt, body); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Load reads back the snapshot for a run.
func (s *PostgresStore) Load(ctx context.Context, runID string) (harvest.Snapshot, error) {
	if s == nil || s.pool == nil {
		return harvest.Snapshot{}, fmt.Errorf("session store is not configured")
	}
	if runID == "" {
		return harvest.Snapshot{}, fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE run_id = $1`, s.table)

	var body []byte
	if err := s.pool.QueryRow(ctx, query, runID).Scan(&body); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("select session: %w", err)
	}
	var snap harvest.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
