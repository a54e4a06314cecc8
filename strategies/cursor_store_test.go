package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCursorStore_Cycles(t *testing.T) {
	store := NewMemoryCursorStore(time.Hour)
	ctx := context.Background()

	got := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		idx, err := store.NextIndex(ctx, "scope-1", 3)
		require.NoError(t, err)
		got = append(got, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
}

func TestMemoryCursorStore_IndependentKeys(t *testing.T) {
	store := NewMemoryCursorStore(time.Hour)
	ctx := context.Background()

	idx, err := store.NextIndex(ctx, "scope-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = store.NextIndex(ctx, "scope-2", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = store.NextIndex(ctx, "scope-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestMemoryCursorStore_Reset(t *testing.T) {
	store := NewMemoryCursorStore(time.Hour)
	ctx := context.Background()

	_, err := store.NextIndex(ctx, "scope-1", 3)
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx, "scope-1"))

	idx, err := store.NextIndex(ctx, "scope-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestMemoryCursorStore_RejectsBadModulo(t *testing.T) {
	store := NewMemoryCursorStore(time.Hour)
	_, err := store.NextIndex(context.Background(), "scope-1", 0)
	assert.Error(t, err)
}

func TestRedisCursorStore_Cycles(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisCursorStore(client, time.Hour)
	ctx := context.Background()

	got := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		idx, err := store.NextIndex(ctx, "scope-1", 2)
		require.NoError(t, err)
		got = append(got, idx)
	}
	assert.Equal(t, []int{0, 1, 0, 1, 0}, got)
}

func TestRedisCursorStore_Reset(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisCursorStore(client, time.Hour)
	ctx := context.Background()

	_, err := store.NextIndex(ctx, "scope-1", 3)
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx, "scope-1"))

	idx, err := store.NextIndex(ctx, "scope-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestRedisCursorStore_TTLSet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisCursorStore(client, time.Minute)
	_, err := store.NextIndex(context.Background(), "scope-1", 3)
	require.NoError(t, err)

	ttl := mr.TTL(cursorKeyPrefix + "scope-1")
	assert.Equal(t, time.Minute, ttl)
}
