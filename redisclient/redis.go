/*
Package redisclient wraps go-redis for the core's two uses: a startup
connectivity check, and the IncrWithTTL/Sum primitives the distributed
rate-limit tier needs (ratelimit.Store).
*/
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridgeline-gateway/core/config"
)

// Client wraps a go-redis client.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an
// error if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

// Ping verifies connectivity with a short timeout.
func (c *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.c.Ping(ctx).Err()
}

// IncrWithTTL implements ratelimit.Store: atomically increments key,
// setting ttl only when the key is newly created, in one round trip
// via a Lua script so the increment and the conditional expire are
// indivisible from Redis's perspective.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrWithTTLScript.Run(ctx, c.c, []string{key}, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("redisclient: unexpected script result type %T", res)
	}
	return n, nil
}

// Sum implements ratelimit.Store: returns the sum of the integer
// values of the given keys, treating missing keys as zero.
func (c *Client) Sum(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	vals, err := c.c.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range vals {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			var n int64
			if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
				total += n
			}
		case int64:
			total += t
		}
	}
	return total, nil
}

// incrWithTTLScript increments KEYS[1] and sets its TTL (ARGV[1] ms)
// only on the first write, so repeated increments don't reset the
// bucket's expiry.
var incrWithTTLScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)
