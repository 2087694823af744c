// Package postgres provides the durable PostgreSQL-backed store engine.
//
// Each record family lives in its own table and every row carries an
// expires_at deadline implementing the per-key TTL contract: reads filter
// lapsed rows, writes always stamp a fresh deadline, and an interval-gated
// sweep piggybacked on writes deletes lapsed rows. Single-row statements
// give the single-key atomicity the concurrency model requires; no
// multi-key transactions are used.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — sessions, call mappings, transcripts
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    id             TEXT              PRIMARY KEY,
    provider_type  TEXT              NOT NULL,
    provider_model TEXT              NOT NULL DEFAULT '',
    strategy       TEXT              NOT NULL DEFAULT 'realtime',
    system_prompt  TEXT              NOT NULL DEFAULT '',
    temperature    DOUBLE PRECISION,
    status         TEXT              NOT NULL,
    metadata       JSONB             NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ       NOT NULL DEFAULT now(),
    expires_at     TIMESTAMPTZ       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_status
    ON voice_sessions (status);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_expires_at
    ON voice_sessions (expires_at);
`

const ddlCallMappings = `
CREATE TABLE IF NOT EXISTS call_mappings (
    call_id    TEXT         PRIMARY KEY,
    session_id TEXT         NOT NULL,
    expires_at TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_mappings_session_id
    ON call_mappings (session_id);

CREATE INDEX IF NOT EXISTS idx_call_mappings_expires_at
    ON call_mappings (expires_at);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS session_transcripts (
    session_id TEXT              NOT NULL,
    sequence   BIGINT            NOT NULL,
    speaker    TEXT              NOT NULL,
    content    TEXT              NOT NULL,
    confidence DOUBLE PRECISION,
    timestamp  TIMESTAMPTZ       NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ       NOT NULL,
    PRIMARY KEY (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_session_transcripts_expires_at
    ON session_transcripts (expires_at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlCallMappings,
		ddlTranscripts,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
