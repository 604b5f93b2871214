// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Messages live in a single conversation_messages table with a GIN
// full-text index over the text column. [Migrate] is idempotent and runs on
// every [NewStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/duplex/internal/history"
	"github.com/MrWong99/duplex/internal/transcript"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ history.Store = (*Store)(nil)

const ddlMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    seq         BIGSERIAL    PRIMARY KEY,
    id          TEXT         NOT NULL UNIQUE,
    mode        TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    sources     JSONB        NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_mode_seq
    ON conversation_messages (mode, seq);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_fts
    ON conversation_messages USING GIN (to_tsvector('english', text));
`

// Migrate creates the history table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlMessages); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a [history.Store] over a pgx connection pool. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// AppendMessages implements [history.Store]. The batch is written in one
// transaction; IDs already present are skipped.
func (s *Store) AppendMessages(ctx context.Context, mode string, msgs []transcript.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	const q = `
		INSERT INTO conversation_messages (id, mode, role, text, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, m := range msgs {
		sources, err := json.Marshal(nonNil(m.Sources))
		if err != nil {
			return fmt.Errorf("history postgres: encode sources: %w", err)
		}
		batch.Queue(q, m.ID, mode, string(m.Role), m.Text, sources, m.CreatedAt)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("history postgres: append: %w", err)
	}
	return nil
}

// Messages implements [history.Store].
func (s *Store) Messages(ctx context.Context, mode string, limit int) ([]transcript.Message, error) {
	const q = `
		SELECT id, role, text, sources, created_at FROM (
		    SELECT seq, id, role, text, sources, created_at
		    FROM   conversation_messages
		    WHERE  mode = $1
		    ORDER  BY seq DESC
		    LIMIT  $2
		) recent
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, mode, normLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history postgres: messages: %w", err)
	}
	return collectMessages(rows)
}

// Search implements [history.Store] with plainto_tsquery, so no operator
// syntax is required in query.
func (s *Store) Search(ctx context.Context, mode, query string, limit int) ([]transcript.Message, error) {
	const q = `
		SELECT id, role, text, sources, created_at
		FROM   conversation_messages
		WHERE  mode = $1
		  AND  to_tsvector('english', text) @@ plainto_tsquery('english', $2)
		ORDER  BY seq
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, mode, query, normLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history postgres: search: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]transcript.Message, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Message, error) {
		var (
			m       transcript.Message
			role    string
			sources []byte
		)
		if err := row.Scan(&m.ID, &role, &m.Text, &sources, &m.CreatedAt); err != nil {
			return transcript.Message{}, err
		}
		m.Role = transcript.Role(role)
		if err := json.Unmarshal(sources, &m.Sources); err != nil {
			return transcript.Message{}, fmt.Errorf("decode sources: %w", err)
		}
		if len(m.Sources) == 0 {
			m.Sources = nil
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	return msgs, nil
}

func nonNil(s []transcript.Source) []transcript.Source {
	if s == nil {
		return []transcript.Source{}
	}
	return s
}

func normLimit(limit int) int {
	if limit <= 0 {
		return history.DefaultLimit
	}
	return limit
}
