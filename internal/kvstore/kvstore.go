// Package kvstore wraps the Redis client used for token blocklisting,
// single-use refresh token records, and task status records. Every write
// carries a TTL.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespaces.
const (
	blocklistPrefix = "blocklist:"
	refreshPrefix   = "refresh:"
	taskPrefix      = "task:"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is the Redis-backed KV store.
type Store struct {
	client      *redis.Client
	callTimeout time.Duration
}

// New creates a Store from a Redis URL (redis://host:port/db). callTimeout
// bounds each call; zero disables the bound.
func New(redisURL string, callTimeout time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return &Store{client: redis.NewClient(opts), callTimeout: callTimeout}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// callCtx bounds one call with the configured timeout. go-redis surfaces the
// context error directly, so errors.Is(err, context.DeadlineExceeded) holds
// through the %w wraps below.
func (s *Store) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// BlockToken adds a jti to the blocklist for the token's remaining lifetime.
func (s *Store) BlockToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		// Token already expired; nothing to block.
		return nil
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, blocklistPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to blocklist token: %w", err)
	}
	return nil
}

// IsBlocked reports whether a jti is on the blocklist.
func (s *Store) IsBlocked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, blocklistPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blocklist: %w", err)
	}
	return n > 0, nil
}

// PutRefresh stores the SHA-256 hash of a refresh token under
// refresh:{user_id}:{jti} with the refresh lifetime as TTL.
func (s *Store) PutRefresh(ctx context.Context, userID, jti, tokenHash string, ttl time.Duration) error {
	key := refreshKey(userID, jti)
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, key, tokenHash, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store refresh record: %w", err)
	}
	return nil
}

// ConsumeRefresh atomically reads and deletes the refresh record, enforcing
// single-use rotation. Returns ErrNotFound if the record is absent, which
// callers treat as token reuse or theft.
func (s *Store) ConsumeRefresh(ctx context.Context, userID, jti string) (string, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	hash, err := s.client.GetDel(ctx, refreshKey(userID, jti)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume refresh record: %w", err)
	}
	return hash, nil
}

// PutTask stores a serialized task record with TTL.
func (s *Store) PutTask(ctx context.Context, taskID string, data []byte, ttl time.Duration) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, taskPrefix+taskID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store task record: %w", err)
	}
	return nil
}

// GetTask loads a serialized task record.
func (s *Store) GetTask(ctx context.Context, taskID string) ([]byte, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	data, err := s.client.Get(ctx, taskPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task record: %w", err)
	}
	return data, nil
}

func refreshKey(userID, jti string) string {
	return refreshPrefix + userID + ":" + jti
}
