package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedPolicy struct {
	ID          string  `json:"id"`
	TargetHours float64 `json:"target_hours"`
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, time.Minute)

	t.Run("set and get round-trip", func(t *testing.T) {
		stored := cachedPolicy{ID: "policy-1", TargetHours: 8}
		require.NoError(t, c.Set(ctx, "policy:vendor:verification:high", stored, time.Minute))

		var loaded cachedPolicy
		found, err := c.Get(ctx, "policy:vendor:verification:high", &loaded)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, stored, loaded)
	})

	t.Run("missing key is a miss, not an error", func(t *testing.T) {
		var loaded cachedPolicy
		found, err := c.Get(ctx, "policy:missing", &loaded)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete removes the key", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "policy:gone", cachedPolicy{ID: "x"}, time.Minute))
		require.NoError(t, c.Delete(ctx, "policy:gone"))

		var loaded cachedPolicy
		found, err := c.Get(ctx, "policy:gone", &loaded)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete of a missing key is not an error", func(t *testing.T) {
		assert.NoError(t, c.Delete(ctx, "policy:never-existed"))
	})

	t.Run("expired entry is a miss", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "policy:short", cachedPolicy{ID: "y"}, time.Millisecond))
		time.Sleep(5 * time.Millisecond)

		var loaded cachedPolicy
		found, err := c.Get(ctx, "policy:short", &loaded)
		require.NoError(t, err)
		assert.False(t, found)
	})
}
