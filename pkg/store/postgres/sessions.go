package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kraliki/voicebridge/pkg/store"
)

const upsertSessionQuery = `
	INSERT INTO voice_sessions
	    (id, provider_type, provider_model, strategy, system_prompt,
	     temperature, status, metadata, created_at, updated_at, expires_at)
	VALUES
	    ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
	     now() + ($11::bigint * interval '1 microsecond'))
	ON CONFLICT (id) DO UPDATE SET
	    provider_type  = EXCLUDED.provider_type,
	    provider_model = EXCLUDED.provider_model,
	    strategy       = EXCLUDED.strategy,
	    system_prompt  = EXCLUDED.system_prompt,
	    temperature    = EXCLUDED.temperature,
	    status         = EXCLUDED.status,
	    metadata       = EXCLUDED.metadata,
	    updated_at     = EXCLUDED.updated_at,
	    expires_at     = EXCLUDED.expires_at`

func (s *Store) putSession(ctx context.Context, op string, sess *store.Session, ttl time.Duration) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("postgres: %s: session id required", op)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: %s: marshal metadata: %w", op, err)
	}

	s.maybeSweep(ctx)
	_, err = s.pool.Exec(ctx, upsertSessionQuery,
		sess.ID,
		string(sess.ProviderType),
		sess.ProviderModel,
		string(sess.Strategy),
		sess.SystemPrompt,
		sess.Temperature,
		string(sess.Status),
		metadata,
		sess.CreatedAt,
		sess.UpdatedAt,
		ttl.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	return nil
}

// StoreSession implements [store.Backend].
func (s *Store) StoreSession(ctx context.Context, sess *store.Session, ttl time.Duration) error {
	return s.putSession(ctx, "store session", sess, ttl)
}

// UpdateSession implements [store.Backend]. Updates are upserts and reset
// the row's TTL like any other write.
func (s *Store) UpdateSession(ctx context.Context, sess *store.Session, ttl time.Duration) error {
	return s.putSession(ctx, "update session", sess, ttl)
}

// GetSession implements [store.Backend].
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	const q = `
		SELECT id, provider_type, provider_model, strategy, system_prompt,
		       temperature, status, metadata, created_at, updated_at
		FROM   voice_sessions
		WHERE  id = $1
		  AND  expires_at > now()`

	row := s.pool.QueryRow(ctx, q, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, nil
}

// DeleteSession implements [store.Backend].
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	const q = `DELETE FROM voice_sessions WHERE id = $1 AND expires_at > now()`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSessions implements [store.Backend]. Results are ordered by creation
// time, oldest first.
func (s *Store) ListSessions(ctx context.Context, f store.Filter) ([]*store.Session, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"expires_at > now()"}
	if f.Status != "" {
		conditions = append(conditions, "status = "+next(string(f.Status)))
	}

	q := "SELECT id, provider_type, provider_model, strategy, system_prompt,\n" +
		"       temperature, status, metadata, created_at, updated_at\n" +
		"FROM   voice_sessions\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY created_at, id"

	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*store.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: scan: %w", err)
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	return sessions, nil
}

// scanSession scans one voice_sessions row in SELECT column order.
func scanSession(row pgx.Row) (*store.Session, error) {
	var (
		sess         store.Session
		providerType string
		strategy     string
		status       string
		metadata     []byte
	)
	if err := row.Scan(
		&sess.ID,
		&providerType,
		&sess.ProviderModel,
		&strategy,
		&sess.SystemPrompt,
		&sess.Temperature,
		&status,
		&metadata,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sess.ProviderType = store.ProviderType(providerType)
	sess.Strategy = store.Strategy(strategy)
	sess.Status = store.SessionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sess, nil
}
