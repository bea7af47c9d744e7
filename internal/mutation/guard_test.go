package mutation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/worksite/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingGuard struct{ err error }

func (g failingGuard) Acquire(context.Context, string) (func(), error) {
	return nil, g.err
}

func TestLocalGuardReleaseIsIdempotent(t *testing.T) {
	g := NewLocalGuard()
	release, err := g.Acquire(context.Background(), "quote:q1")
	require.NoError(t, err)
	assert.True(t, g.Held("quote:q1"))

	_, err = g.Acquire(context.Background(), "quote:q1")
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	release()
	release()
	assert.False(t, g.Held("quote:q1"))

	_, err = g.Acquire(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestChainGuardReleasesEarlierLocksOnFailure(t *testing.T) {
	local := NewLocalGuard()
	chain := ChainGuard{local, failingGuard{err: apperr.Network("mutation.lock", errors.New("redis down"))}}

	_, err := chain.Acquire(context.Background(), "payment:p1")
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if local.Held("payment:p1") {
		t.Fatalf("expected local lock released after chain failure")
	}

	release, err := ChainGuard{local, nil}.Acquire(context.Background(), "payment:p1")
	require.NoError(t, err)
	assert.True(t, local.Held("payment:p1"))
	release()
	assert.False(t, local.Held("payment:p1"))
}

func TestRedisGuardSerializesAcrossClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	first := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	second := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
	})

	a := NewRedisGuard(first, 5*time.Second)
	b := NewRedisGuard(second, 5*time.Second)

	release, err := a.Acquire(ctx, "quote:q1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisKeyPrefix+"quote:q1"))

	_, err = b.Acquire(ctx, "quote:q1")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	other, err := b.Acquire(ctx, "quote:q2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, mr.Exists(redisKeyPrefix+"quote:q1"))

	again, err := b.Acquire(ctx, "quote:q1")
	require.NoError(t, err)
	again()

	_, err = a.Acquire(ctx, "  ")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestRedisGuardLockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g := NewRedisGuard(client, time.Second)
	_, err := g.Acquire(ctx, "payment:p1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	release, err := g.Acquire(ctx, "payment:p1")
	require.NoError(t, err)
	release()
}

func TestRedisGuardUnreachableIsNetworkError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisGuard(client, time.Second).Acquire(context.Background(), "quote:q1")
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}
