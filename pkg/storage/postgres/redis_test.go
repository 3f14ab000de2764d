package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-sso/gatehouse/pkg/sso"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStateStoreConsumeOnce(t *testing.T) {
	store := NewRedisStateStore(newTestRedis(t))
	ctx := context.Background()

	state := &sso.AuthnRequestState{
		RequestID: "_req-1",
		OrgID:     "org-1",
		Nonce:     "n-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, store.Save(ctx, state))

	got, err := store.Consume(ctx, "_req-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, "n-1", got.Nonce)

	// second consume fails, the state is single use
	_, err = store.Consume(ctx, "_req-1")
	assert.ErrorIs(t, err, sso.ErrStateNotFound)
}

func TestRedisStateStoreMissing(t *testing.T) {
	store := NewRedisStateStore(newTestRedis(t))

	_, err := store.Consume(context.Background(), "never-saved")
	assert.ErrorIs(t, err, sso.ErrStateNotFound)
}

func TestRedisStateStoreExpired(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStateStore(client)
	ctx := context.Background()

	state := &sso.AuthnRequestState{
		RequestID: "_req-2",
		OrgID:     "org-1",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Save(ctx, state))

	mr.FastForward(2 * time.Minute)

	_, err := store.Consume(ctx, "_req-2")
	assert.ErrorIs(t, err, sso.ErrStateNotFound)
}

func TestRedisReplayGuardMarkOnce(t *testing.T) {
	guard := NewRedisReplayGuard(newTestRedis(t))
	ctx := context.Background()

	first, err := guard.MarkOnce(ctx, "assertion-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := guard.MarkOnce(ctx, "assertion-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)

	other, err := guard.MarkOnce(ctx, "assertion-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestRedisReplayGuardTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	guard := NewRedisReplayGuard(client)
	ctx := context.Background()

	first, err := guard.MarkOnce(ctx, "assertion-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	mr.FastForward(2 * time.Minute)

	again, err := guard.MarkOnce(ctx, "assertion-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, again, "entry expired with the assertion validity window")
}
