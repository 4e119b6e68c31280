package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore records processed command keys so replays return the
// original result instead of re-executing.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (result string, ok bool, err error)
	Set(ctx context.Context, key, result string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLIdempotencyStore is the durable SQL backend. Expiry is enforced by the
// auditor's cleanup job, not at read time alone.
type SQLIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewSQLIdempotencyStore(ctx context.Context, db *sql.DB, ttl time.Duration) (*SQLIdempotencyStore, error) {
	s := &SQLIdempotencyStore{db: db, ttl: ttl}
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		result TEXT NOT NULL,
		cached_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_cached_at ON idempotency_keys (cached_at);
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (string, bool, error) {
	var (
		result   string
		cachedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT result, cached_at FROM idempotency_keys WHERE key = $1`, key).
		Scan(&result, &cachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if time.Since(time.Unix(0, cachedAt)) > s.ttl {
		return "", false, nil
	}
	return result, true, nil
}

func (s *SQLIdempotencyStore) Set(ctx context.Context, key, result string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, result, cached_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET result = $2, cached_at = $3`,
		key, result, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("store: idempotency set failed: %w", err)
	}
	return nil
}

// DeleteOlderThan removes keys cached before the cutoff and returns how many.
func (s *SQLIdempotencyStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: idempotency cleanup failed: %w", err)
	}
	return res.RowsAffected()
}

// RedisIdempotencyStore keeps keys in Redis with a native TTL. Redis expires
// entries itself, so DeleteOlderThan is a no-op kept for interface parity.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(addr, password string, db int, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
		prefix: "idempotency:",
	}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: redis idempotency check failed: %w", err)
	}
	return val, true, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key, result string) error {
	if err := s.client.Set(ctx, s.prefix+key, result, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: redis idempotency set failed: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}
