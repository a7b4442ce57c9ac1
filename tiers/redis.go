package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cachemanager "github.com/krish-gh/cachemanager-go"
	"github.com/krish-gh/cachemanager-go/broker"
	"github.com/krish-gh/cachemanager-go/errs"
	"github.com/krish-gh/cachemanager-go/internal/metrics"
)

// RedisConfig describes a Redis-backed distributed tier.
type RedisConfig struct {
	cachemanager.HandleConfig
	ConnectionString string
	KeyPrefix        string // default "cachemanager:"

	// MaxRetryAttempts/InitialBackoff tune broker.Supervisor.Retry for this
	// tier's operations.
	MaxRetryAttempts int
	InitialBackoff   time.Duration
}

// envelope is the stored representation of an Item as a Redis value.
type envelope struct {
	Value                  []byte                      `json:"v"`
	ValueType              string                      `json:"t"`
	ExpirationMode         cachemanager.ExpirationMode `json:"m"`
	ExpirationTimeout      time.Duration               `json:"x"`
	CreatedUTC             time.Time                   `json:"c"`
	LastAccessedUTC        time.Time                   `json:"a"`
	UsesExpirationDefaults bool                        `json:"d"`
}

func toEnvelope(it *cachemanager.Item) envelope {
	return envelope{
		Value:                  it.Value,
		ValueType:              it.ValueType,
		ExpirationMode:         it.ExpirationMode,
		ExpirationTimeout:      it.ExpirationTimeout,
		CreatedUTC:             it.CreatedUTC,
		LastAccessedUTC:        it.LastAccessedUTC,
		UsesExpirationDefaults: it.UsesExpirationDefaults,
	}
}

func (e envelope) toItem(key, region string) *cachemanager.Item {
	return &cachemanager.Item{
		Key:                    key,
		Region:                 region,
		Value:                  e.Value,
		ValueType:              e.ValueType,
		ExpirationMode:         e.ExpirationMode,
		ExpirationTimeout:      e.ExpirationTimeout,
		CreatedUTC:             e.CreatedUTC,
		LastAccessedUTC:        e.LastAccessedUTC,
		UsesExpirationDefaults: e.UsesExpirationDefaults,
	}
}

// Redis is the distributed cachemanager.Handle: SetNX for Add, existence
// check plus Set for Put, TTL-backed expiration, and a WATCH/transaction
// optimistic retry loop for Update.
type Redis struct {
	cfg        RedisConfig
	supervisor *broker.Supervisor
	client     *redis.Client

	stats cachemanager.TierStats
}

// NewRedis connects (via the shared Supervisor) and constructs a Redis tier.
func NewRedis(ctx context.Context, supervisor *broker.Supervisor, cfg RedisConfig) (*Redis, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "cachemanager:"
	}
	handle, err := supervisor.Connect(ctx, broker.Config{ConnectionString: cfg.ConnectionString})
	if err != nil {
		return nil, err
	}
	client, ok := broker.AsRedisClient(handle)
	if !ok {
		return nil, fmt.Errorf("%w: connection is not a redis client", errs.ErrBackingStoreUnavailable)
	}
	return &Redis{cfg: cfg, supervisor: supervisor, client: client}, nil
}

// Client exposes the underlying *redis.Client, e.g. so a caller can build a
// broker/redisbroker.Channel sharing this tier's connection.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) Config() cachemanager.HandleConfig { return r.cfg.HandleConfig }

// Key layout: no-region keys live under "<prefix>_:<key>" and region keys
// under "<prefix>r:<region>:<key>". The two namespaces start with different
// sentinel bytes, so a scan over one can never match keys of the other —
// clearing the absent-region namespace must not touch any named region, and
// vice versa.
func (r *Redis) redisKey(key, region string) string {
	if region == "" {
		return r.cfg.KeyPrefix + "_:" + key
	}
	return r.cfg.KeyPrefix + "r:" + region + ":" + key
}

func (r *Redis) regionScanPattern(region string) string {
	if region == "" {
		return r.cfg.KeyPrefix + "_:*"
	}
	return r.cfg.KeyPrefix + "r:" + region + ":*"
}

// allScanPattern matches every key this tier owns, across all namespaces.
func (r *Redis) allScanPattern() string {
	return r.cfg.KeyPrefix + "*"
}

func (r *Redis) effectiveMode(it *cachemanager.Item) cachemanager.ExpirationMode {
	if it.ExpirationMode == cachemanager.ExpireDefault {
		return r.cfg.DefaultExpiration
	}
	return it.ExpirationMode
}

func (r *Redis) effectiveTimeout(it *cachemanager.Item) time.Duration {
	if it.ExpirationMode == cachemanager.ExpireDefault {
		return r.cfg.DefaultTimeout
	}
	return it.ExpirationTimeout
}

// ttlFor returns the Redis TTL to set for mode/timeout; sliding expiration
// is approximated as a Redis TTL refreshed on every successful Get (EXPIRE),
// since Redis has no native "reset TTL on read with absolute grace" concept.
func ttlFor(mode cachemanager.ExpirationMode, timeout time.Duration) time.Duration {
	if mode == cachemanager.ExpireNone {
		return 0
	}
	return timeout
}

func (r *Redis) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := r.cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := r.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	return r.supervisor.Retry(ctx, r.cfg.ConnectionString, backoff, maxAttempts, op)
}

func (r *Redis) Add(ctx context.Context, item *cachemanager.Item) (bool, error) {
	if item == nil || item.Key == "" {
		return false, errs.ErrArgumentInvalid
	}
	r.stats.AddCalls.Add(1)
	env := toEnvelope(item)
	env.ExpirationTimeout = r.effectiveTimeout(item)
	payload, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrSerialization, err)
	}

	var added bool
	ttl := ttlFor(r.effectiveMode(item), env.ExpirationTimeout)
	rerr := r.withRetry(ctx, func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, r.redisKey(item.Key, item.Region), payload, ttl).Result()
		if err != nil {
			return err
		}
		added = ok
		return nil
	})
	if rerr != nil {
		return false, rerr
	}
	if added {
		n := r.stats.Items.Add(1)
		metrics.SetTierItems(r.cfg.Name, n)
		metrics.RecordTierCall(r.cfg.Name, "add", "ok")
	} else {
		metrics.RecordTierCall(r.cfg.Name, "add", "conflict")
	}
	return added, nil
}

func (r *Redis) Put(ctx context.Context, item *cachemanager.Item) error {
	if item == nil || item.Key == "" {
		return errs.ErrArgumentInvalid
	}
	r.stats.PutCalls.Add(1)
	env := toEnvelope(item)
	env.ExpirationTimeout = r.effectiveTimeout(item)
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrSerialization, err)
	}
	ttl := ttlFor(r.effectiveMode(item), env.ExpirationTimeout)

	var existed bool
	rerr := r.withRetry(ctx, func(ctx context.Context) error {
		n, err := r.client.Exists(ctx, r.redisKey(item.Key, item.Region)).Result()
		if err != nil {
			return err
		}
		existed = n > 0
		return r.client.Set(ctx, r.redisKey(item.Key, item.Region), payload, ttl).Err()
	})
	if rerr != nil {
		return rerr
	}
	if !existed {
		r.stats.Items.Add(1)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key, region string) (*cachemanager.Item, error) {
	if key == "" {
		return nil, errs.ErrArgumentInvalid
	}
	var raw []byte
	var miss bool
	rerr := r.withRetry(ctx, func(ctx context.Context) error {
		b, err := r.client.Get(ctx, r.redisKey(key, region)).Bytes()
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	if miss {
		r.stats.Misses.Add(1)
		metrics.RecordTierCall(r.cfg.Name, "get", "miss")
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrSerialization, err)
	}
	r.stats.Hits.Add(1)
	metrics.RecordTierCall(r.cfg.Name, "get", "hit")

	// Sliding expiration: refresh the Redis TTL on read.
	item := env.toItem(key, region)
	if r.effectiveMode(item) == cachemanager.ExpireSliding {
		_ = r.client.Expire(ctx, r.redisKey(key, region), env.ExpirationTimeout).Err()
	}
	return item, nil
}

func (r *Redis) Remove(ctx context.Context, key, region string) (bool, error) {
	if key == "" {
		return false, errs.ErrArgumentInvalid
	}
	r.stats.RemoveCalls.Add(1)
	var n int64
	rerr := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.client.Del(ctx, r.redisKey(key, region)).Result()
		return err
	})
	if rerr != nil {
		return false, rerr
	}
	if n > 0 {
		remaining := r.stats.Items.Add(-1)
		metrics.SetTierItems(r.cfg.Name, remaining)
		metrics.RecordTierCall(r.cfg.Name, "remove", "ok")
		return true, nil
	}
	metrics.RecordTierCall(r.cfg.Name, "remove", "miss")
	return false, nil
}

func (r *Redis) Exists(ctx context.Context, key, region string) (bool, error) {
	if key == "" {
		return false, errs.ErrArgumentInvalid
	}
	var n int64
	rerr := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.client.Exists(ctx, r.redisKey(key, region)).Result()
		return err
	})
	return n > 0, rerr
}

// Update performs an optimistic read-modify-write using WATCH; a concurrent
// writer invalidates the watch and the attempt is retried up to maxRetries
// times.
func (r *Redis) Update(ctx context.Context, key, region string, factory cachemanager.UpdateFactory, maxRetries int) (cachemanager.UpdateResult, *cachemanager.Item, error) {
	if key == "" || factory == nil {
		return cachemanager.UpdateNeedsRetry, nil, errs.ErrArgumentInvalid
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	rkey := r.redisKey(key, region)

	var result cachemanager.UpdateResult
	var out *cachemanager.Item

	for attempt := 0; attempt < maxRetries; attempt++ {
		txErr := r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, rkey).Bytes()
			var current *cachemanager.Item
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				var env envelope
				if uerr := json.Unmarshal(raw, &env); uerr != nil {
					return fmt.Errorf("%w: %v", errs.ErrSerialization, uerr)
				}
				current = env.toItem(key, region)
			}

			next, ferr := factory(current)
			if ferr != nil {
				return ferr
			}
			if next == nil {
				result = cachemanager.UpdateNoOp
				out = current
				return nil
			}

			env := toEnvelope(next)
			env.ExpirationTimeout = r.effectiveTimeout(next)
			payload, merr := json.Marshal(env)
			if merr != nil {
				return fmt.Errorf("%w: %v", errs.ErrSerialization, merr)
			}
			ttl := ttlFor(r.effectiveMode(next), env.ExpirationTimeout)
			existed := current != nil

			_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return pipe.Set(ctx, rkey, payload, ttl).Err()
			})
			if pipeErr != nil {
				return pipeErr
			}
			if !existed {
				r.stats.Items.Add(1)
			}
			result = cachemanager.UpdateSuccess
			out = next.Clone()
			return nil
		}, rkey)

		if txErr == nil {
			return result, out, nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			continue // another writer raced us; retry
		}
		return cachemanager.UpdateNeedsRetry, nil, txErr
	}
	return cachemanager.UpdateNeedsRetry, nil, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.clearPattern(ctx, r.allScanPattern()); err != nil {
		return err
	}
	r.stats.Reset()
	r.stats.ClearCalls.Add(1)
	metrics.SetTierItems(r.cfg.Name, 0)
	return nil
}

func (r *Redis) ClearRegion(ctx context.Context, region string) error {
	if err := r.clearPattern(ctx, r.regionScanPattern(region)); err != nil {
		return err
	}
	r.stats.ClearRegionCalls.Add(1)
	return nil
}

func (r *Redis) clearPattern(ctx context.Context, pattern string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		n, err := r.client.Del(ctx, keys...).Result()
		if err != nil {
			return err
		}
		remaining := r.stats.Items.Add(-n)
		metrics.SetTierItems(r.cfg.Name, remaining)
		return nil
	})
}

func (r *Redis) Stats() *cachemanager.TierStats { return &r.stats }

func (r *Redis) Close() error {
	return nil // lifecycle owned by the Supervisor, shared across Managers
}
