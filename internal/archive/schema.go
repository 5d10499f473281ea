// Package archive persists finished practice-session transcripts to
// PostgreSQL so learners can review past conversations.
//
// A single [pgxpool.Pool] backs the store. [Migrate] installs the schema via
// CREATE TABLE IF NOT EXISTS and is safe to run on every start.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id              BIGSERIAL    PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    seq             INT          NOT NULL,
    kind            TEXT         NOT NULL,
    role            TEXT         NOT NULL,
    text            TEXT         NOT NULL DEFAULT '',
    source_text     TEXT         NOT NULL DEFAULT '',
    translated_text TEXT         NOT NULL DEFAULT '',
    chunked         JSONB        NOT NULL DEFAULT '[]',
    glosses         JSONB        NOT NULL DEFAULT '{}',
    end_of_turn     BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_id
    ON transcript_entries (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_created_at
    ON transcript_entries (created_at);
`

// Migrate creates the transcript tables and indexes when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("archive: migrate transcripts: %w", err)
	}
	return nil
}
