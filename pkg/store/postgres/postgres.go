package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kraliki/voicebridge/pkg/store"
)

// sweepInterval gates how often a write may trigger the expiry sweep.
const sweepInterval = time.Minute

var _ store.Backend = (*Store)(nil)

// Store is the PostgreSQL-backed [store.Backend]. It holds a single
// [pgxpool.Pool] shared by all record families.
//
// All operations are safe for concurrent use.
type Store struct {
	pool      *pgxpool.Pool
	lastSweep atomic.Int64
}

// New creates a Store, establishes a connection pool to the database at
// dsn, and runs [Migrate] to ensure the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool}
	s.lastSweep.Store(time.Now().UnixNano())
	return s, nil
}

// maybeSweep deletes lapsed rows across all tables, at most once per
// sweepInterval. Failed sweeps retry after the next interval.
func (s *Store) maybeSweep(ctx context.Context) {
	now := time.Now().UnixNano()
	last := s.lastSweep.Load()
	if now-last < sweepInterval.Nanoseconds() {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now) {
		return
	}

	for _, table := range []string{"voice_sessions", "call_mappings", "session_transcripts"} {
		_, _ = s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE expires_at <= now()")
	}
}

// Ping implements [store.Backend].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
