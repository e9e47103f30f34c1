package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimContract(t *testing.T, c Claimer) {
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "/trigger", "host-a"))
	require.NoError(t, c.Claim(ctx, "/trigger", "host-a"), "re-claim by owner")
	assert.ErrorIs(t, c.Claim(ctx, "/trigger", "host-b"), ErrClaimed)

	require.NoError(t, c.Release(ctx, "/trigger", "host-b"), "foreign release is a no-op")
	assert.ErrorIs(t, c.Claim(ctx, "/trigger", "host-b"), ErrClaimed)

	require.NoError(t, c.Release(ctx, "/trigger", "host-a"))
	require.NoError(t, c.Claim(ctx, "/trigger", "host-b"))
}

func TestMemoryClaimer(t *testing.T) {
	claimContract(t, NewMemoryClaimer())
}

func TestRedisClaimer(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := backend.NewClient(&backend.Options{Addr: s.Addr()})
	defer client.Close()
	claimContract(t, NewRedisClaimer(client, "test:", 0))
}

func TestRedisClaimerExpiry(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := backend.NewClient(&backend.Options{Addr: s.Addr()})
	defer client.Close()
	c := NewRedisClaimer(client, "test:", time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Claim(ctx, "/trigger", "host-a"))
	s.FastForward(2 * time.Minute)
	require.NoError(t, c.Claim(ctx, "/trigger", "host-b"))
}
