// Package sqlite is a storage.Backend in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/costguard/ledger/pkg/namespace"
	"github.com/costguard/ledger/pkg/storage"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS ledger_records (
  partition_key TEXT NOT NULL,
  kind TEXT NOT NULL,
  id TEXT NOT NULL,
  data BLOB NOT NULL,
  committed_at INTEGER NOT NULL,
  PRIMARY KEY (partition_key, kind, id)
)`, `
CREATE TABLE IF NOT EXISTS ledger_latest (
  partition_key TEXT NOT NULL,
  kind TEXT NOT NULL,
  id TEXT NOT NULL,
  PRIMARY KEY (partition_key, kind)
)`}

// Store keeps the ledger in one database file.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Open creates the database file and schema if needed. Write transactions
// take the database lock up front so concurrent commits queue on
// busy_timeout instead of failing on lock upgrade.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) Commit(ctx context.Context, key namespace.PartitionKey, id string, writes ...storage.Write) error {
	if err := storage.CheckCommit(id, writes); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	committedAt := s.now().UTC().UnixNano()
	for _, w := range writes {
		res, err := tx.ExecContext(ctx, `
INSERT INTO ledger_records (partition_key, kind, id, data, committed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (partition_key, kind, id) DO NOTHING`,
			string(key), string(w.Kind), id, w.Data, committedAt)
		if err != nil {
			return fmt.Errorf("insert %s record: %w", w.Kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert %s record: %w", w.Kind, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %s/%s", storage.ErrDuplicateRecord, key, w.Kind, id)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO ledger_latest (partition_key, kind, id)
VALUES (?, ?, ?)
ON CONFLICT (partition_key, kind)
DO UPDATE SET id = excluded.id
WHERE excluded.id > ledger_latest.id`,
			string(key), string(w.Kind), id)
		if err != nil {
			return fmt.Errorf("update latest %s: %w", w.Kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, key namespace.PartitionKey, kind storage.Kind) (storage.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT r.id, r.data, r.committed_at
FROM ledger_latest l
JOIN ledger_records r
  ON r.partition_key = l.partition_key AND r.kind = l.kind AND r.id = l.id
WHERE l.partition_key = ? AND l.kind = ?`, string(key), string(kind))
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Entry{}, storage.ErrNotFound
		}
		return storage.Entry{}, fmt.Errorf("query latest %s: %w", kind, err)
	}
	return e, nil
}

func (s *Store) History(ctx context.Context, key namespace.PartitionKey, kind storage.Kind) ([]storage.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, data, committed_at
FROM ledger_records
WHERE partition_key = ? AND kind = ?
ORDER BY id`, string(key), string(kind))
	if err != nil {
		return nil, fmt.Errorf("query %s history: %w", kind, err)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s history: %w", kind, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s history: %w", kind, err)
	}
	return entries, nil
}

func (s *Store) Partitions(ctx context.Context) ([]namespace.PartitionKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT partition_key FROM ledger_records ORDER BY partition_key`)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var keys []namespace.PartitionKey
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		k, err := namespace.ParseKey(name)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partitions: %w", err)
	}
	return keys, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (storage.Entry, error) {
	var (
		e  storage.Entry
		ns int64
	)
	if err := r.Scan(&e.ID, &e.Data, &ns); err != nil {
		return storage.Entry{}, err
	}
	e.ModTime = time.Unix(0, ns).UTC()
	return e, nil
}
