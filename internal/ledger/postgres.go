package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	entry_type  TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	body        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS transcript_entries_session_idx
	ON transcript_entries (session_id, ts, id);
`

// PostgresStore keeps entries in a single append-only table.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger.With("component", "ledger_postgres")}
}

// EnsureSchema creates the transcript table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create transcript schema: %w", err)
	}
	return nil
}

// Append inserts entries with ON CONFLICT DO NOTHING, so retried batches are harmless.
func (s *PostgresStore) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		prepare(&e)
		body, err := sonic.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		batch.Queue(`
			INSERT INTO transcript_entries (id, session_id, entry_type, ts, body)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.SessionID, e.Type, e.Timestamp, string(body))
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	conflicts := 0
	for range entries {
		ct, err := results.Exec()
		if err != nil {
			return fmt.Errorf("insert transcript entry: %w", err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	if conflicts > 0 {
		s.logger.Debug("duplicate transcript entries skipped", "count", conflicts)
	}
	return nil
}

// Read returns a session's entries oldest first.
func (s *PostgresStore) Read(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	query := `
		SELECT body FROM (
			SELECT body, ts, id FROM transcript_entries
			WHERE session_id = $1
			ORDER BY ts DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY ts, id
	`
	var max any
	if limit > 0 {
		max = limit
	}

	rows, err := s.db.Query(ctx, query, sessionID, max)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		var e Entry
		if err := sonic.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode transcript entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions returns ids of sessions with entries since the given time, most recent first.
func (s *PostgresStore) Sessions(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id FROM transcript_entries
		WHERE ts >= $1
		GROUP BY session_id
		ORDER BY max(ts) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
