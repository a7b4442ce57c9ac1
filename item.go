// Package cachemanager composes an ordered stack of cache tiers (handles)
// into one logical cache with write-through, read-through, statistics, and
// cross-process invalidation via a pluggable backplane.
package cachemanager

import (
	"fmt"
	"time"

	"github.com/krish-gh/cachemanager-go/errs"
)

// ExpirationMode describes how a CacheItem's lifetime is governed.
type ExpirationMode int

const (
	// ExpireNone means the item never expires.
	ExpireNone ExpirationMode = iota
	// ExpireAbsolute means the item expires ExpirationTimeout after CreatedUTC.
	ExpireAbsolute
	// ExpireSliding means the item expires ExpirationTimeout after the last
	// successful read.
	ExpireSliding
	// ExpireDefault defers to the tier's own configured default.
	ExpireDefault
)

func (m ExpirationMode) String() string {
	switch m {
	case ExpireNone:
		return "none"
	case ExpireAbsolute:
		return "absolute"
	case ExpireSliding:
		return "sliding"
	case ExpireDefault:
		return "default"
	default:
		return fmt.Sprintf("ExpirationMode(%d)", int(m))
	}
}

// Item is the unit exchanged between caller, tiers, and the backplane.
//
// An Item is treated as immutable across tiers except for LastAccessedUTC,
// which the Manager updates in place on a successful Get.
type Item struct {
	Key    string
	Region string // optional; empty means "no region" (a distinct namespace, not a region named "")

	Value     []byte
	ValueType string // descriptor sufficient to reconstruct a typed value after deserialization

	ExpirationMode    ExpirationMode
	ExpirationTimeout time.Duration

	CreatedUTC      time.Time
	LastAccessedUTC time.Time

	// UsesExpirationDefaults distinguishes "explicitly ExpireNone" from
	// "inherit the owning tier's configured default".
	UsesExpirationDefaults bool
}

// NewItem constructs an Item with CreatedUTC and LastAccessedUTC set to now,
// validating its invariants.
func NewItem(key, region string, value []byte, valueType string, mode ExpirationMode, timeout time.Duration) (*Item, error) {
	if key == "" {
		return nil, errs.ErrArgumentInvalid
	}
	if mode != ExpireNone && timeout <= 0 {
		return nil, fmt.Errorf("%w: expirationTimeout must be > 0 for mode %s", errs.ErrArgumentInvalid, mode)
	}
	now := time.Now().UTC()
	return &Item{
		Key:               key,
		Region:            region,
		Value:             value,
		ValueType:         valueType,
		ExpirationMode:    mode,
		ExpirationTimeout: timeout,
		CreatedUTC:        now,
		LastAccessedUTC:   now,
	}, nil
}

// Clone returns a shallow copy of the item with a fresh Value slice, safe for
// a tier to store without aliasing the caller's buffer.
func (it *Item) Clone() *Item {
	cp := *it
	if it.Value != nil {
		cp.Value = append([]byte(nil), it.Value...)
	}
	return &cp
}

// Expired reports whether the item has passed its expiration at instant now,
// given the effective mode a tier should apply (ExpireDefault must already
// have been resolved to the tier's own default by the caller).
func (it *Item) Expired(now time.Time, mode ExpirationMode) bool {
	switch mode {
	case ExpireAbsolute:
		return !it.CreatedUTC.IsZero() && now.After(it.CreatedUTC.Add(it.ExpirationTimeout))
	case ExpireSliding:
		return !it.LastAccessedUTC.IsZero() && now.After(it.LastAccessedUTC.Add(it.ExpirationTimeout))
	default:
		return false
	}
}

// identity is the (region,key) tuple that uniquely identifies an item within
// a tier. An empty region is a distinct namespace from any named region.
type identity struct {
	region string
	key    string
}

func idOf(key, region string) identity {
	return identity{region: region, key: key}
}
