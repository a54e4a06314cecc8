package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Account{ID: "acc-1", Status: StatusActive, Schedulable: true})

	ctx := context.Background()
	a, err := store.Get(ctx, "acc-1")
	require.NoError(t, err)

	a.Status = StatusError
	again, err := store.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListOrder(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Account{ID: "acc-b", SequentialOrder: 2})
	store.Put(&Account{ID: "acc-c", SequentialOrder: 1})
	store.Put(&Account{ID: "acc-a", SequentialOrder: 2})

	accounts, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "acc-c", accounts[0].ID)
	assert.Equal(t, "acc-a", accounts[1].ID)
	assert.Equal(t, "acc-b", accounts[2].ID)
}

func TestMemoryStore_PersistFields(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Account{ID: "acc-1", Status: StatusActive, Schedulable: true})

	ctx := context.Background()
	now := time.Now()
	window := &RateLimitWindow{WindowStart: now, WindowEnd: now.Add(time.Hour)}

	err := store.PersistFields(ctx, "acc-1", Fields{
		FieldStatus:          StatusRateLimited,
		FieldSchedulable:     false,
		FieldUsageCount:      int64(7),
		FieldLastUsedAt:      now,
		FieldRateLimitWindow: window,
	})
	require.NoError(t, err)

	a, err := store.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRateLimited, a.Status)
	assert.False(t, a.Schedulable)
	assert.Equal(t, int64(7), a.UsageCount)
	assert.True(t, a.LastUsedAt.Equal(now))
	require.NotNil(t, a.RateLimitWindow)
	assert.True(t, a.RateLimitWindow.WindowEnd.Equal(window.WindowEnd))

	// nil clears the window.
	err = store.PersistFields(ctx, "acc-1", Fields{FieldRateLimitWindow: nil})
	require.NoError(t, err)
	a, err = store.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Nil(t, a.RateLimitWindow)
}

func TestMemoryStore_PersistFieldsNotFound(t *testing.T) {
	store := NewMemoryStore()
	err := store.PersistFields(context.Background(), "missing", Fields{FieldSchedulable: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UsageWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i, offset := range []time.Duration{-10 * time.Minute, -5 * time.Minute, -time.Minute, time.Minute} {
		err := store.AppendUsage(ctx, UsageSample{
			AccountID: "acc-1",
			Timestamp: base.Add(offset),
			LatencyMs: float64(i),
		})
		require.NoError(t, err)
	}

	samples, err := store.UsageWindow(ctx, "acc-1", base.Add(-6*time.Minute), base)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	// End boundary is exclusive.
	samples, err = store.UsageWindow(ctx, "acc-1", base.Add(-time.Minute), base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestRateLimitWindow_Active(t *testing.T) {
	now := time.Now()
	var w *RateLimitWindow
	assert.False(t, w.Active(now))

	w = &RateLimitWindow{WindowStart: now.Add(-time.Hour), WindowEnd: now.Add(time.Hour)}
	assert.True(t, w.Active(now))
	assert.False(t, w.Active(now.Add(2*time.Hour)))
}

func TestAccount_Clone(t *testing.T) {
	now := time.Now()
	a := &Account{
		ID:              "acc-1",
		RateLimitWindow: &RateLimitWindow{WindowEnd: now},
	}
	cp := a.Clone()
	cp.RateLimitWindow.WindowEnd = now.Add(time.Hour)
	assert.True(t, a.RateLimitWindow.WindowEnd.Equal(now))
}

func TestStaticGroups(t *testing.T) {
	groups := NewStaticGroups()
	groups.AddMember("caller-1", "group-a")
	groups.AddMember("caller-1", "group-b")
	groups.SetGroup("group-a", []string{"acc-1", "acc-2"}, Policy{Strategy: "weighted"})

	ctx := context.Background()
	ids, err := groups.CallerGroups(ctx, "caller-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"group-a", "group-b"}, ids)

	accounts, err := groups.GroupAccounts(ctx, "group-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc-1", "acc-2"}, accounts)

	policy, err := groups.GroupPolicy(ctx, "group-a")
	require.NoError(t, err)
	assert.Equal(t, "weighted", policy.Strategy)
}
