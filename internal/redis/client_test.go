package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "xs:session:abc", SessionKey("abc"))
	assert.Equal(t, "xs:token:t1", TokenKey("t1"))
	assert.Equal(t, "xs:match:t1", MatchKey("t1"))
	assert.Equal(t, "xs:hits", HitIndexKey())
	assert.Equal(t, "xs:events:abc", SessionChannel("abc"))
	assert.Equal(t, "xs:ratelimit:initiate:1.2.3.4", RateLimitKey("initiate:1.2.3.4"))
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()

	t.Run("connects and reports healthy", func(t *testing.T) {
		mr := miniredis.RunT(t)

		client, err := NewClient(ctx, "redis://"+mr.Addr())
		require.NoError(t, err)
		defer client.Close()

		assert.True(t, client.Healthy(ctx))

		mr.Close()
		assert.False(t, client.Healthy(ctx))
	})

	t.Run("rejects malformed url", func(t *testing.T) {
		_, err := NewClient(ctx, "://nope")
		assert.Error(t, err)
	})

	t.Run("fails when nothing listens", func(t *testing.T) {
		_, err := NewClient(ctx, "redis://127.0.0.1:1")
		assert.Error(t, err)
	})
}
