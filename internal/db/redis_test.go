package db

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centromex/vassist/internal/models"
)

func newRedisStoreForTest(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	store := NewRedisStore(client)
	t.Cleanup(func() {
		_ = store.Close()
		m.Close()
	})
	return m, store
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		_, store := newRedisStoreForTest(t)
		return store
	})
}

func TestRedisStoreIndexesFollowStatus(t *testing.T) {
	m, store := newRedisStoreForTest(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTestRequest("R1")))

	members, err := m.ZMembers("vassist:status:PENDING")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, members)

	_, err = store.ConditionalUpdate(ctx, "R1", models.StatusPending,
		models.Mutation{Status: models.StatusAccepted, FulfillerName: strPtr("Asha")})
	require.NoError(t, err)

	members, _ = m.ZMembers("vassist:status:PENDING")
	assert.Empty(t, members)
	members, err = m.ZMembers("vassist:status:ACCEPTED")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, members)
	assert.Equal(t, "Asha", m.HGet("vassist:req:R1", "fulfiller_name"))
}

func TestRedisStoreOmitsMissingCoordinates(t *testing.T) {
	m, store := newRedisStoreForTest(t)
	ctx := context.Background()

	req := newTestRequest("R1")
	req.PickupLat, req.PickupLng = nil, nil
	require.NoError(t, store.Create(ctx, req))

	assert.Empty(t, m.HGet("vassist:req:R1", "pickup_lat"))
	got, err := store.GetByID(ctx, "R1")
	require.NoError(t, err)
	assert.Nil(t, got.PickupLat)
	assert.Nil(t, got.PickupLng)
}

func TestNewRedisFromDSN(t *testing.T) {
	store, err := newRedisFromDSN("redis://localhost:6379/2")
	require.NoError(t, err)
	assert.Equal(t, 2, store.client.(*redis.Client).Options().DB)
	_ = store.Close()

	store, err = newRedisFromDSN("cache:6380")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", store.client.(*redis.Client).Options().Addr)
	_ = store.Close()
}
