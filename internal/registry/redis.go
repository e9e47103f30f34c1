package registry

import (
	"context"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our owner value.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisClaimer implements Claimer with SET NX on prefix+"endpoint:"+name.
// A non-zero ttl makes claims of crashed hosts expire. Claiming again as the
// same owner extends the ttl; host.WithClaimRefresh does that periodically.
type RedisClaimer struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

func NewRedisClaimer(client *backend.Client, prefix string, ttl time.Duration) *RedisClaimer {
	return &RedisClaimer{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisClaimer) key(name string) string {
	return c.prefix + "endpoint:" + name
}

func (c *RedisClaimer) Claim(ctx context.Context, name, owner string) error {
	key := c.key(name)
	ok, err := c.client.SetNX(ctx, key, owner, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis error claiming %s: %w", name, err)
	}
	if ok {
		return nil
	}

	cur, err := c.client.Get(ctx, key).Result()
	if err == backend.Nil {
		// Expired between SETNX and GET; try once more.
		return c.Claim(ctx, name, owner)
	}
	if err != nil {
		return fmt.Errorf("redis error reading claim %s: %w", name, err)
	}
	if cur != owner {
		return ErrClaimed
	}
	if c.ttl > 0 {
		if err := c.client.Expire(ctx, key, c.ttl).Err(); err != nil {
			return fmt.Errorf("redis error refreshing claim %s: %w", name, err)
		}
	}
	return nil
}

func (c *RedisClaimer) Release(ctx context.Context, name, owner string) error {
	return c.client.Eval(ctx, releaseScript, []string{c.key(name)}, owner).Err()
}

var (
	_ Claimer = (*MemoryClaimer)(nil)
	_ Claimer = (*RedisClaimer)(nil)
)
