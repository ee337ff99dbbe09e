package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewFromClient(client), mr
}

func TestBlocklist(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	blocked, err := store.IsBlocked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, store.BlockToken(ctx, "jti-1", time.Minute))

	blocked, err = store.IsBlocked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, blocked)

	// Expires with the token's remaining lifetime.
	mr.FastForward(2 * time.Minute)
	blocked, err = store.IsBlocked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestBlockTokenExpiredLifetime(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	// Blocking an already-expired token is a no-op, not an error.
	require.NoError(t, store.BlockToken(ctx, "jti-old", -time.Second))

	blocked, err := store.IsBlocked(ctx, "jti-old")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestConsumeRefreshSingleUse(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutRefresh(ctx, "user-1", "jti-1", "hash-abc", time.Hour))

	hash, err := store.ConsumeRefresh(ctx, "user-1", "jti-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-abc", hash)

	// Second consume fails: the record was deleted atomically.
	_, err = store.ConsumeRefresh(ctx, "user-1", "jti-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeRefreshAbsent(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.ConsumeRefresh(context.Background(), "user-1", "never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallTimeoutBoundsEachCall(t *testing.T) {
	store, _ := setupTestStore(t)
	store.callTimeout = time.Nanosecond

	err := store.PutTask(context.Background(), "task-slow", []byte(`{}`), time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = store.ConsumeRefresh(context.Background(), "user-1", "jti-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskRecords(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetTask(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutTask(ctx, "task-1", []byte(`{"status":"pending"}`), time.Hour))

	data, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"pending"}`, string(data))

	mr.FastForward(2 * time.Hour)
	_, err = store.GetTask(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
