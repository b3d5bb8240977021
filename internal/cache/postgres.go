package cache

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/gridlens/internal/source"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps entries as JSONB rows, one per dataset key. It suits
// deployments that run several gridlens processes against one cache.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the cache table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Println("[cache] connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Get returns the cached rows for key.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]source.Row, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT rows FROM gridlens_dataset_cache WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry %s: %w", key, err)
	}

	var rows []source.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if rows == nil {
		rows = []source.Row{}
	}
	return rows, nil
}

// Set replaces the entry for key.
func (s *PostgresStore) Set(ctx context.Context, key string, rows []source.Row) error {
	if key == "" {
		return fmt.Errorf("cache key is empty")
	}
	if rows == nil {
		rows = []source.Row{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}

	query := `
		INSERT INTO gridlens_dataset_cache (key, rows, row_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key)
		DO UPDATE SET rows = EXCLUDED.rows, row_count = EXCLUDED.row_count, updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, key, data, len(rows)); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM gridlens_dataset_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM gridlens_dataset_cache`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Keys lists cached dataset keys in sorted order.
func (s *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM gridlens_dataset_cache ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan cache keys: %w", err)
	}
	return keys, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
