package store

import (
	"context"
	"fmt"

	"github.com/brunokim/docsync/change"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/ksuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS history_changes (
	id         TEXT PRIMARY KEY,
	doc_id     TEXT NOT NULL,
	start      INTEGER NOT NULL,
	length     INTEGER NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS history_changes_doc ON history_changes (doc_id, start)`

// PostgresStore keeps histories in a Postgres table, one row per change. Row ids are KSUIDs,
// which sort by creation time, and order changes that start at the same offset.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at url and creates the history table if needed.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) AppendChange(ctx context.Context, docID string, c *change.Change) error {
	bs, err := c.Serialize()
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, docID); err != nil {
		return fmt.Errorf("locking %s: %w", docID, err)
	}
	var end int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(start + length), 0) FROM history_changes WHERE doc_id = $1`, docID).Scan(&end)
	if err != nil {
		return fmt.Errorf("reading %s length: %w", docID, err)
	}
	if err := checkStart(docID, end, c); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO history_changes (id, doc_id, start, length, body) VALUES ($1, $2, $3, $4, $5)`,
		ksuid.New().String(), docID, c.Start, c.Len(), bs)
	if err != nil {
		return fmt.Errorf("inserting change: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadHistory(ctx context.Context, docID string) (*change.Change, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM history_changes WHERE doc_id = $1 ORDER BY start, id`, docID)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", docID, err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", docID, err)
	}
	changes := make([]*change.Change, 0, len(bodies))
	for i, body := range bodies {
		c, err := change.Deserialize(body)
		if err != nil {
			return nil, fmt.Errorf("reading %s change %d: %w", docID, i, err)
		}
		changes = append(changes, c)
	}
	return concatHistory(docID, changes)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
