package cachemanager

import (
	"context"
	"time"
)

// UpdateResult is the outcome of a Handle.Update read-modify-write attempt.
type UpdateResult int

const (
	// UpdateSuccess means the factory's new value was committed.
	UpdateSuccess UpdateResult = iota
	// UpdateNoOp means the factory declined to change the value (returned a nil item).
	UpdateNoOp
	// UpdateNeedsRetry means the tier exhausted its internal retries against
	// a concurrently-changing value.
	UpdateNeedsRetry
)

// UpdateFactory computes a new item from the current one. It must be a pure
// function: the tier may invoke it more than once against successive reads
// of the current value while resolving a concurrent write conflict.
type UpdateFactory func(current *Item) (*Item, error)

// HandleConfig describes the capability flags and expiration defaults a tier
// is configured with.
type HandleConfig struct {
	Name               string
	IsBackplaneSource  bool
	IsDistributed      bool
	DefaultExpiration  ExpirationMode
	DefaultTimeout     time.Duration
}

// Handle is the contract every cache tier must satisfy. A Handle is owned by
// exactly one Manager. All methods are safe for concurrent use; the Manager
// does not assume any Handle-level lock is reentrant.
type Handle interface {
	// Config returns the tier's static configuration.
	Config() HandleConfig

	// Add succeeds only if no live item exists for (region,key).
	Add(ctx context.Context, item *Item) (bool, error)

	// Put unconditionally inserts or overwrites.
	Put(ctx context.Context, item *Item) error

	// Get returns the stored item, or (nil, nil) on a clean miss. Get must
	// not mutate LastAccessedUTC; the Manager does that on a successful read.
	Get(ctx context.Context, key, region string) (*Item, error)

	// Remove deletes (region,key); ok is true iff an item was actually removed.
	Remove(ctx context.Context, key, region string) (bool, error)

	// Exists reports whether a live (non-expired) item is stored.
	Exists(ctx context.Context, key, region string) (bool, error)

	// Update performs a read-modify-write against the current value, retrying
	// up to maxRetries times against the tier's own concurrency primitives.
	Update(ctx context.Context, key, region string, factory UpdateFactory, maxRetries int) (UpdateResult, *Item, error)

	// Clear removes every item in the tier.
	Clear(ctx context.Context) error

	// ClearRegion removes every item in the given region.
	ClearRegion(ctx context.Context, region string) error

	// Stats returns the tier's counters.
	Stats() *TierStats

	// Close releases resources held by the tier.
	Close() error
}
