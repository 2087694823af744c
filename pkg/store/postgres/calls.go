package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kraliki/voicebridge/pkg/store"
)

// StoreCallMapping implements [store.Backend]. An existing mapping for the
// same call id is replaced.
func (s *Store) StoreCallMapping(ctx context.Context, callID, sessionID string, ttl time.Duration) error {
	if callID == "" || sessionID == "" {
		return fmt.Errorf("postgres: store call mapping: call id and session id required")
	}
	const q = `
		INSERT INTO call_mappings (call_id, session_id, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 microsecond'))
		ON CONFLICT (call_id) DO UPDATE SET
		    session_id = EXCLUDED.session_id,
		    expires_at = EXCLUDED.expires_at`

	s.maybeSweep(ctx)
	if _, err := s.pool.Exec(ctx, q, callID, sessionID, ttl.Microseconds()); err != nil {
		return fmt.Errorf("postgres: store call mapping: %w", err)
	}
	return nil
}

// GetSessionForCall implements [store.Backend].
func (s *Store) GetSessionForCall(ctx context.Context, callID string) (string, error) {
	const q = `
		SELECT session_id
		FROM   call_mappings
		WHERE  call_id = $1
		  AND  expires_at > now()`

	var sessionID string
	err := s.pool.QueryRow(ctx, q, callID).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get session for call: %w", err)
	}
	return sessionID, nil
}

// GetCallForSession implements [store.Backend]. When multiple live mappings
// point at the same session, the freshest one wins.
func (s *Store) GetCallForSession(ctx context.Context, sessionID string) (string, error) {
	const q = `
		SELECT call_id
		FROM   call_mappings
		WHERE  session_id = $1
		  AND  expires_at > now()
		ORDER  BY expires_at DESC
		LIMIT  1`

	var callID string
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&callID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get call for session: %w", err)
	}
	return callID, nil
}

// DeleteCallMapping implements [store.Backend].
func (s *Store) DeleteCallMapping(ctx context.Context, callID string) error {
	const q = `DELETE FROM call_mappings WHERE call_id = $1 AND expires_at > now()`

	tag, err := s.pool.Exec(ctx, q, callID)
	if err != nil {
		return fmt.Errorf("postgres: delete call mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
