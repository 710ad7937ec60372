// Copyright 2025 Certen Protocol
//
// Per-chain reorg diagnostic log, backed by Postgres.
//
// A thin *sql.DB wrapper with a connection-pool config struct and one
// narrow repository-style type per concern (here, a single table).

package reorglog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/certen/stablecoin-risk-engine/pkg/reorg"
)

// ClientConfig configures the underlying connection pool.
type ClientConfig struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultClientConfig returns sensible pool defaults.
func DefaultClientConfig(databaseURL string) ClientConfig {
	return ClientConfig{
		DatabaseURL:     databaseURL,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// Store is a Postgres-backed reorg.Log.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the reorg_events table exists.
func Open(ctx context.Context, cfg ClientConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("reorglog: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("reorglog: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS reorg_events (
	id SERIAL PRIMARY KEY,
	chain TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	original_block BIGINT NOT NULL,
	new_block BIGINT NOT NULL,
	depth INTEGER NOT NULL,
	affected_event_ids TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("reorglog: migrate: %w", err)
	}
	return nil
}

// Append implements reorg.Log.
func (s *Store) Append(ctx context.Context, record reorg.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reorg_events (chain, occurred_at, original_block, new_block, depth, affected_event_ids)
VALUES ($1, $2, $3, $4, $5, $6)`,
		record.Chain,
		record.Timestamp,
		record.OriginalBlock,
		record.NewBlock,
		record.Depth,
		strings.Join(record.AffectedEventIDs, ","),
	)
	if err != nil {
		return fmt.Errorf("reorglog: append: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// MemoryLog is an in-memory reorg.Log used by tests and by deployments
// that don't need durable diagnostics. Reorgs on different chains may
// append concurrently.
type MemoryLog struct {
	mu      sync.Mutex
	records []reorg.Record
}

// Append implements reorg.Log.
func (m *MemoryLog) Append(_ context.Context, record reorg.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Records returns a copy of everything appended so far.
func (m *MemoryLog) Records() []reorg.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]reorg.Record, len(m.records))
	copy(out, m.records)
	return out
}
