package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err)
	return store, s
}

func TestClaim_FirstCallerWins(t *testing.T) {
	store, _ := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	id, fresh, err := store.Claim(ctx, "key-1", "pst_aaa", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "pst_aaa", id)
}

func TestClaim_ReplayReturnsOriginalResource(t *testing.T) {
	store, _ := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	_, fresh, err := store.Claim(ctx, "key-1", "pst_aaa", time.Hour)
	require.NoError(t, err)
	require.True(t, fresh)

	// A retry carries the same key but a newly generated resource id.
	id, fresh, err := store.Claim(ctx, "key-1", "pst_bbb", time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, "pst_aaa", id)
}

func TestClaim_ExpiredKeyIsFresh(t *testing.T) {
	store, mr := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	_, fresh, err := store.Claim(ctx, "key-1", "pst_aaa", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	mr.FastForward(2 * time.Minute)

	id, fresh, err := store.Claim(ctx, "key-1", "pst_bbb", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "pst_bbb", id)
}

func TestRelease_AllowsRetryAfterFailure(t *testing.T) {
	store, _ := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	_, fresh, err := store.Claim(ctx, "key-1", "rpl_aaa", time.Hour)
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, store.Release(ctx, "key-1"))

	id, fresh, err := store.Claim(ctx, "key-1", "rpl_bbb", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "rpl_bbb", id)
}

func TestNewKey_Unique(t *testing.T) {
	assert.NotEqual(t, NewKey(), NewKey())
}
