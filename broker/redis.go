package broker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// redisHandle adapts *redis.Client to the Handle and low-level KV/pubsub
// surfaces the distributed tier and backplane channel need.
type redisHandle struct {
	client *redis.Client
}

// RedisDialer is the default Dialer, connecting to a single Redis node (or
// any Redis-protocol-compatible endpoint, including a clustering proxy) via
// go-redis/v9.
func RedisDialer(ctx context.Context, cfg Config) (Handle, error) {
	opts, err := redis.ParseURL(cfg.ConnectionString)
	if err != nil {
		// ConnectionString may be a bare "host:port" rather than a redis://
		// URL; fall back to treating it as an address with no auth.
		opts = &redis.Options{Addr: cfg.ConnectionString}
	}
	client := redis.NewClient(opts)
	return &redisHandle{client: client}, nil
}

func (h *redisHandle) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

func (h *redisHandle) Close() error {
	return h.client.Close()
}

// Client exposes the underlying *redis.Client for tiers/redisbroker adapters
// that need the full command surface (Get/Set/Del/Publish/Subscribe) beyond
// the minimal Handle contract.
func (h *redisHandle) Client() *redis.Client { return h.client }

// AsRedisClient extracts the *redis.Client from a Handle produced by
// RedisDialer, returning ok=false for handles from a different Dialer (e.g.
// a test fake).
func AsRedisClient(h Handle) (*redis.Client, bool) {
	rh, ok := h.(*redisHandle)
	if !ok {
		return nil, false
	}
	return rh.client, true
}
