package cart

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client)
	store.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store, mr
}

func aliceCart() Cart {
	return Cart{OwnerID: "alice", Items: []Item{{ProductID: "A1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")}}}
}

func TestRedisStore_SaveAndGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, aliceCart()))
	assert.True(t, mr.Exists("cart:owner:alice"))

	got, err := store.GetByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Total().Equal(decimal.NewFromInt(20)))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got.UpdatedAt)
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetByOwner(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetPending(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_DeleteRemovesPending(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, aliceCart()))
	require.NoError(t, store.SavePending(ctx, "alice", []byte(`{"x":1}`)))

	existed, err := store.DeleteByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, mr.Exists("cart:owner:alice"))
	assert.False(t, mr.Exists("cart:pending:alice"))

	existed, err = store.DeleteByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRedisStore_Unreachable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.GetByOwner(context.Background(), "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
