package peers

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisRelation connects to the server named by VYOS_TEST_REDIS_ADDR and
// scopes the relation to a random app so runs don't collide.
func newRedisRelation(t *testing.T) *RedisRelation {
	t.Helper()
	addr := os.Getenv("VYOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VYOS_TEST_REDIS_ADDR not set")
	}
	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	app := "test-" + uuid.NewString()
	r := NewRedisRelation(client, "proxypeer", app, nil)
	t.Cleanup(func() { client.Del(context.Background(), r.key) })
	return r
}

func TestRedisRelation_KeyLayout(t *testing.T) {
	r := NewRedisRelation(nil, "proxypeer", "vyos-config", nil)
	assert.Equal(t, "peers:proxypeer:vyos-config", r.key)
	assert.Equal(t, "peers:proxypeer:vyos-config:changes", r.channel)
}

func TestRedisRelation_GetSet(t *testing.T) {
	ctx := context.Background()
	r := newRedisRelation(t)

	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "k", "v"))
	val, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)
}

func TestRedisRelation_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRedisRelation(t)

	ch, err := r.Watch(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Set(ctx, fmt.Sprintf("k%d", i), "v"))
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, Change{Key: fmt.Sprintf("k%d", i), Value: "v"}, nextChange(t, ch))
	}
}

func TestRedisRelation_Coordinator(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newRedisRelation(t))

	require.NoError(t, c.PublishKeys(ctx, testPub, testPriv))
	assert.ErrorIs(t, c.PublishKeys(ctx, testPub, testPriv), ErrAlreadyInitialized)

	priv, err := c.PrivateKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPriv, priv)
}
