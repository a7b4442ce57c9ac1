// Package redisbroker implements backplane.Broker over Redis Pub/Sub. The
// channel name is derived per Manager from Config.
package redisbroker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Config names the Redis Pub/Sub channel a Channel publishes to and
// subscribes on.
type Config struct {
	ChannelPrefix string // default "cachemanager"
	ChannelName   string // default "invalidations"
}

func (c Config) channel() string {
	prefix := c.ChannelPrefix
	if prefix == "" {
		prefix = "cachemanager"
	}
	name := c.ChannelName
	if name == "" {
		name = "invalidations"
	}
	return prefix + ":" + name
}

// Channel is a backplane.Broker backed by a Redis client's Pub/Sub channel.
type Channel struct {
	client  *redis.Client
	channel string
}

// New constructs a Channel over the given Redis client.
func New(client *redis.Client, cfg Config) *Channel {
	return &Channel{client: client, channel: cfg.channel()}
}

// Publish sends frame verbatim as the Pub/Sub message payload.
func (c *Channel) Publish(ctx context.Context, frame []byte) error {
	return c.client.Publish(ctx, c.channel, frame).Err()
}

// Subscribe delivers every payload received on the channel to fn, until ctx
// is cancelled.
func (c *Channel) Subscribe(ctx context.Context, fn func(frame []byte)) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn([]byte(msg.Payload))
		}
	}
}
