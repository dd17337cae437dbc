package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/costguard/ledger/pkg/namespace"
	"github.com/costguard/ledger/pkg/storage"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Store)(nil)

// NewStore wraps an existing pool. Call EnsureSchema before using it.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the ledger tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS ledger_records (
  partition_key TEXT NOT NULL,
  kind TEXT NOT NULL,
  id TEXT NOT NULL,
  data BYTEA NOT NULL,
  committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (partition_key, kind, id)
);
CREATE TABLE IF NOT EXISTS ledger_latest (
  partition_key TEXT NOT NULL,
  kind TEXT NOT NULL,
  id TEXT NOT NULL,
  PRIMARY KEY (partition_key, kind)
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ERROR creating ledger tables: %w", err)
	}
	return nil
}

// Commit inserts the records and moves the latest pointers in one
// transaction. A pointer only moves forward, so a late commit carrying an
// older id never hides a newer record.
func (s *Store) Commit(ctx context.Context, key namespace.PartitionKey, id string, writes ...storage.Write) error {
	if err := storage.CheckCommit(id, writes); err != nil {
		return err
	}
	const insertRecord = `
INSERT INTO ledger_records (partition_key, kind, id, data)
VALUES ($1, $2, $3, $4)
ON CONFLICT (partition_key, kind, id) DO NOTHING;
`
	const upsertLatest = `
INSERT INTO ledger_latest (partition_key, kind, id)
VALUES ($1, $2, $3)
ON CONFLICT (partition_key, kind)
DO UPDATE SET id = EXCLUDED.id
WHERE EXCLUDED.id > ledger_latest.id;
`
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, w := range writes {
		tag, err := tx.Exec(ctx, insertRecord, string(key), string(w.Kind), id, w.Data)
		if err != nil {
			return fmt.Errorf("insert %s record: %w", w.Kind, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %s/%s", storage.ErrDuplicateRecord, key, w.Kind, id)
		}
		if _, err := tx.Exec(ctx, upsertLatest, string(key), string(w.Kind), id); err != nil {
			return fmt.Errorf("update latest %s: %w", w.Kind, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, key namespace.PartitionKey, kind storage.Kind) (storage.Entry, error) {
	const query = `
SELECT r.id, r.data, r.committed_at
FROM ledger_latest l
JOIN ledger_records r
  ON r.partition_key = l.partition_key AND r.kind = l.kind AND r.id = l.id
WHERE l.partition_key = $1 AND l.kind = $2;
`
	var e storage.Entry
	err := s.pool.QueryRow(ctx, query, string(key), string(kind)).Scan(&e.ID, &e.Data, &e.ModTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Entry{}, storage.ErrNotFound
		}
		return storage.Entry{}, fmt.Errorf("query latest %s: %w", kind, err)
	}
	e.ModTime = e.ModTime.UTC()
	return e, nil
}

func (s *Store) History(ctx context.Context, key namespace.PartitionKey, kind storage.Kind) ([]storage.Entry, error) {
	const query = `
SELECT id, data, committed_at
FROM ledger_records
WHERE partition_key = $1 AND kind = $2
ORDER BY id;
`
	rows, err := s.pool.Query(ctx, query, string(key), string(kind))
	if err != nil {
		return nil, fmt.Errorf("query %s history: %w", kind, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Entry, error) {
		var e storage.Entry
		err := row.Scan(&e.ID, &e.Data, &e.ModTime)
		e.ModTime = e.ModTime.UTC()
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s history: %w", kind, err)
	}
	return entries, nil
}

func (s *Store) Partitions(ctx context.Context) ([]namespace.PartitionKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT partition_key FROM ledger_records ORDER BY partition_key;`)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan partitions: %w", err)
	}
	keys := make([]namespace.PartitionKey, 0, len(names))
	for _, n := range names {
		k, err := namespace.ParseKey(n)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Close helps when wiring Store to a lifecycle manager.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// NewDB opens a pgx pool with tuned defaults.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	// Dashboard traffic is light; keep a small, steady pool.
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}
