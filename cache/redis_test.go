package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
)

func TestDisabledCache(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	ctx := context.Background()
	var out map[string]int
	assert.ErrorIs(t, c.Get(ctx, StatsCacheKey(), &out), ErrCacheDisabled)
	assert.ErrorIs(t, c.Set(ctx, StatsCacheKey(), map[string]int{"a": 1}, time.Second), ErrCacheDisabled)
	assert.ErrorIs(t, c.Delete(ctx, StatsCacheKey()), ErrCacheDisabled)
	assert.NoError(t, c.Close())
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *RedisCache
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Close())
}

func TestUnreachableRedis(t *testing.T) {
	_, err := NewRedisCache(config.RedisConfig{Enabled: true, Host: "127.0.0.1", Port: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}
