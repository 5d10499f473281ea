package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandemvox/tandem/pkg/session"
)

// Entry is one archived transcript row.
type Entry struct {
	SessionID      string         `json:"session_id"`
	Seq            int            `json:"seq"`
	Kind           string         `json:"kind"`
	Role           string         `json:"role"`
	Text           string         `json:"text,omitempty"`
	SourceText     string         `json:"source_text,omitempty"`
	TranslatedText string         `json:"translated_text,omitempty"`
	Chunked        []string       `json:"chunked,omitempty"`
	Glosses        map[int]string `json:"glosses,omitempty"`
	EndOfTurn      bool           `json:"end_of_turn,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store writes finished session histories to PostgreSQL and reads them back
// for review. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] so the schema is in place.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}

	return &Store{pool: pool}, nil
}

// SaveHistory archives every message of h under sessionID in a single batch.
// Audio payloads are not persisted; only their presence survives as an audio
// kind row. Empty histories are a no-op.
func (s *Store) SaveHistory(ctx context.Context, sessionID string, h session.History) error {
	if len(h) == 0 {
		return nil
	}

	const q = `
		INSERT INTO transcript_entries
		    (session_id, seq, kind, role, text, source_text, translated_text, chunked, glosses, end_of_turn)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	batch := &pgx.Batch{}
	for i, msg := range h {
		chunked, err := json.Marshal(chunkedOrEmpty(msg.Chunked))
		if err != nil {
			return fmt.Errorf("archive: marshal chunked: %w", err)
		}
		glosses, err := json.Marshal(glossKeysToStrings(msg.Glosses))
		if err != nil {
			return fmt.Errorf("archive: marshal glosses: %w", err)
		}
		batch.Queue(q,
			sessionID,
			i,
			string(msg.Type),
			string(msg.Role),
			msg.Text,
			msg.SourceText,
			msg.TranslatedText,
			chunked,
			glosses,
			msg.EndOfTurn,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range h {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("archive: save history: %w", err)
		}
	}
	return nil
}

// GetSession returns all archived entries for sessionID in transcript order.
func (s *Store) GetSession(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT session_id, seq, kind, role, text, source_text, translated_text, chunked, glosses, end_of_turn, created_at
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: get session: %w", err)
	}
	return collectEntries(rows)
}

// RecentSessions returns the IDs of sessions archived within the given
// window, most recent first.
func (s *Store) RecentSessions(ctx context.Context, window time.Duration) ([]string, error) {
	const q = `
		SELECT   session_id
		FROM     transcript_entries
		WHERE    created_at >= now() - ($1::bigint * interval '1 microsecond')
		GROUP BY session_id
		ORDER BY max(created_at) DESC`

	rows, err := s.pool.Query(ctx, q, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("archive: recent sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("archive: scan session ids: %w", err)
	}
	return ids, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectEntries scans pgx rows into a slice of Entry values.
func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e           Entry
			chunkedJSON []byte
			glossesJSON []byte
		)
		if err := row.Scan(
			&e.SessionID,
			&e.Seq,
			&e.Kind,
			&e.Role,
			&e.Text,
			&e.SourceText,
			&e.TranslatedText,
			&chunkedJSON,
			&glossesJSON,
			&e.EndOfTurn,
			&e.CreatedAt,
		); err != nil {
			return Entry{}, err
		}
		if err := json.Unmarshal(chunkedJSON, &e.Chunked); err != nil {
			return Entry{}, err
		}
		byKey := map[string]string{}
		if err := json.Unmarshal(glossesJSON, &byKey); err != nil {
			return Entry{}, err
		}
		e.Glosses = glossKeysToInts(byKey)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func chunkedOrEmpty(chunks []string) []string {
	if chunks == nil {
		return []string{}
	}
	return chunks
}

// glossKeysToStrings converts chunk-index keys to strings, since JSON object
// keys must be strings.
func glossKeysToStrings(glosses map[int]string) map[string]string {
	out := make(map[string]string, len(glosses))
	for i, term := range glosses {
		out[strconv.Itoa(i)] = term
	}
	return out
}

func glossKeysToInts(glosses map[string]string) map[int]string {
	if len(glosses) == 0 {
		return nil
	}
	out := make(map[int]string, len(glosses))
	for k, term := range glosses {
		i, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[i] = term
	}
	return out
}
