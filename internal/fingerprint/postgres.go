package fingerprint

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool behind a PostgresStore.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore persists fingerprints in a Postgres table, one row per
// fingerprint with the fingerprint as primary key. The primary-key constraint
// is what makes TryInsert atomic under concurrent writers.
type PostgresStore struct {
	pool  pgPool
	table string
}

// NewPostgresStore connects a pool and verifies the database is reachable.
// An unreachable store is a hard startup error: silently starting with an
// empty dedup set would re-process the entire history.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("fingerprints.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "fingerprints"
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
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fingerprint store unreachable: %w", err)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgPool, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "fingerprints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the fingerprint table and its indexes if missing. It
// is idempotent and safe to run on every startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	fingerprint TEXT PRIMARY KEY,
	first_seen TIMESTAMPTZ NOT NULL,
	last_stage TEXT NOT NULL DEFAULT '',
	flags INTEGER NOT NULL DEFAULT 0
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create fingerprint table: %w", err)
	}
	idx := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_flags_idx ON %s (flags)",
		s.table, s.table,
	)
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create fingerprint flags index: %w", err)
	}
	return nil
}

// TryInsert implements Store. The ON CONFLICT DO NOTHING insert touches the
// row only when the fingerprint is new, so RowsAffected carries the verdict.
func (s *PostgresStore) TryInsert(ctx context.Context, fp, stage string) (bool, error) {
	if fp == "" {
		return false, fmt.Errorf("fingerprint is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, first_seen, last_stage, flags)
VALUES ($1, $2, $3, 0)
ON CONFLICT (fingerprint) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, fp, time.Now().UTC(), stage)
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, fp string) (Record, error) {
	query := fmt.Sprintf(
		"SELECT fingerprint, first_seen, last_stage, flags FROM %s WHERE fingerprint = $1",
		s.table,
	)
	rows, err := s.pool.Query(ctx, query, fp)
	if err != nil {
		return Record{}, fmt.Errorf("get fingerprint: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Record{}, fmt.Errorf("get fingerprint: %w", err)
		}
		return Record{}, ErrNotFound
	}
	var rec Record
	var flags int32
	if err := rows.Scan(&rec.Fingerprint, &rec.FirstSeen, &rec.LastStage, &flags); err != nil {
		return Record{}, fmt.Errorf("scan fingerprint row: %w", err)
	}
	rec.Flags = Flags(flags)
	return rec, nil
}

// MarkStatus implements Store.
func (s *PostgresStore) MarkStatus(ctx context.Context, fp, stage string, flag Flags) error {
	query := fmt.Sprintf(
		"UPDATE %s SET flags = flags | $2, last_stage = $3 WHERE fingerprint = $1",
		s.table,
	)
	tag, err := s.pool.Exec(ctx, query, fp, int32(flag), stage)
	if err != nil {
		return fmt.Errorf("mark fingerprint status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadAll implements Store, streaming rows through fn without materializing
// the full set.
func (s *PostgresStore) LoadAll(ctx context.Context, fn func(Record) error) error {
	query := fmt.Sprintf(
		"SELECT fingerprint, first_seen, last_stage, flags FROM %s",
		s.table,
	)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("load fingerprints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec Record
		var flags int32
		if err := rows.Scan(&rec.Fingerprint, &rec.FirstSeen, &rec.LastStage, &flags); err != nil {
			return fmt.Errorf("scan fingerprint row: %w", err)
		}
		rec.Flags = Flags(flags)
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate fingerprints: %w", err)
	}
	return nil
}

// Stats implements Store with a single group-by over the flags column.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	query := fmt.Sprintf("SELECT flags, COUNT(*) FROM %s GROUP BY flags", s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return Stats{}, fmt.Errorf("query fingerprint stats: %w", err)
	}
	defer rows.Close()
	stats := Stats{ByStatus: make(map[string]int64)}
	for rows.Next() {
		var flags int32
		var count int64
		if err := rows.Scan(&flags, &count); err != nil {
			return Stats{}, fmt.Errorf("scan fingerprint stats row: %w", err)
		}
		stats.Total += count
		if flags == 0 {
			stats.ByStatus[statusDiscovered] += count
			continue
		}
		for _, name := range Flags(flags).Names() {
			stats.ByStatus[name] += count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate fingerprint stats: %w", err)
	}
	return stats, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
