package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kraliki/voicebridge/pkg/store"
)

// AppendTranscript implements [store.Backend]. Re-appending an existing
// (session, sequence) pair replaces that row.
func (s *Store) AppendTranscript(ctx context.Context, e store.TranscriptEntry, ttl time.Duration) error {
	if e.SessionID == "" {
		return fmt.Errorf("postgres: append transcript: session id required")
	}
	const q = `
		INSERT INTO session_transcripts
		    (session_id, sequence, speaker, content, confidence, timestamp, expires_at)
		VALUES
		    ($1, $2, $3, $4, $5, $6, now() + ($7::bigint * interval '1 microsecond'))
		ON CONFLICT (session_id, sequence) DO UPDATE SET
		    speaker    = EXCLUDED.speaker,
		    content    = EXCLUDED.content,
		    confidence = EXCLUDED.confidence,
		    timestamp  = EXCLUDED.timestamp,
		    expires_at = EXCLUDED.expires_at`

	s.maybeSweep(ctx)
	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.Sequence,
		string(e.Speaker),
		e.Content,
		e.Confidence,
		e.Timestamp,
		ttl.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: append transcript: %w", err)
	}
	return nil
}

// GetTranscripts implements [store.Backend]. Entries are returned in
// ascending sequence order.
func (s *Store) GetTranscripts(ctx context.Context, sessionID string) ([]store.TranscriptEntry, error) {
	const q = `
		SELECT session_id, sequence, speaker, content, confidence, timestamp
		FROM   session_transcripts
		WHERE  session_id = $1
		  AND  expires_at > now()
		ORDER  BY sequence`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get transcripts: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TranscriptEntry, error) {
		var (
			e       store.TranscriptEntry
			speaker string
		)
		if err := row.Scan(
			&e.SessionID,
			&e.Sequence,
			&speaker,
			&e.Content,
			&e.Confidence,
			&e.Timestamp,
		); err != nil {
			return store.TranscriptEntry{}, err
		}
		e.Speaker = store.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: get transcripts: scan: %w", err)
	}
	if entries == nil {
		entries = []store.TranscriptEntry{}
	}
	return entries, nil
}
