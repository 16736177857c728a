package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStore implements Store on a single cache_entries table. Ordering
// and prefix scans ride on the btree index over path (text_pattern_ops).
type postgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

func (s *postgresStore) Get(ctx context.Context, path string) ([]byte, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM cache_entries WHERE path = $1`, path).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return []byte(value), nil
}

func (s *postgresStore) Put(ctx context.Context, path string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entries (path, value) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET value = $2, updated_at = NOW()`,
		path, string(value))
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (s *postgresStore) PutIfAbsent(ctx context.Context, path string, value []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entries (path, value) VALUES ($1, $2)
		ON CONFLICT (path) DO NOTHING`,
		path, string(value))
	if err != nil {
		return false, fmt.Errorf("put-if-absent %s: %w", path, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cache_entries WHERE path = $1)`, path).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", path, err)
	}
	return exists, nil
}

func (s *postgresStore) Delete(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *postgresStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE starts_with(path, $1)`, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT path, value FROM cache_entries
		WHERE starts_with(path, $1)
		ORDER BY path`, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var value string
		if err := rows.Scan(&e.Path, &value); err != nil {
			return nil, err
		}
		e.Value = []byte(value)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *postgresStore) Increment(ctx context.Context, path string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO cache_entries (path, value) VALUES ($1, '1')
		ON CONFLICT (path) DO UPDATE
			SET value = (cache_entries.value::bigint + 1)::text, updated_at = NOW()
		RETURNING value::bigint`, path).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", path, err)
	}
	return n, nil
}
