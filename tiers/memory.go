// Package tiers supplies concrete cachemanager.Handle implementations: an
// in-process Memory tier and a distributed Redis tier.
package tiers

import (
	"context"
	"sync"
	"time"

	cachemanager "github.com/krish-gh/cachemanager-go"
	"github.com/krish-gh/cachemanager-go/errs"
	"github.com/krish-gh/cachemanager-go/internal/metrics"
)

// memEntry is one stored item.
type memEntry struct {
	item *cachemanager.Item
}

// Memory is an in-process cachemanager.Handle: a mutex-guarded map with
// region support, per-mode expiration evaluated on read, and a periodic
// eviction sweep.
type Memory struct {
	cfg cachemanager.HandleConfig

	mu      sync.RWMutex
	entries map[identity]*memEntry
	closed  bool

	stats cachemanager.TierStats

	stopCh chan struct{}
}

type identity struct {
	region string
	key    string
}

// NewMemory constructs a Memory tier and starts its periodic eviction loop.
func NewMemory(cfg cachemanager.HandleConfig) *Memory {
	m := &Memory{
		cfg:     cfg,
		entries: make(map[identity]*memEntry),
		stopCh:  make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

func (m *Memory) Config() cachemanager.HandleConfig { return m.cfg }

func (m *Memory) effectiveMode(it *cachemanager.Item) cachemanager.ExpirationMode {
	if it.ExpirationMode == cachemanager.ExpireDefault {
		return m.cfg.DefaultExpiration
	}
	return it.ExpirationMode
}

func (m *Memory) effectiveTimeout(it *cachemanager.Item) time.Duration {
	if it.ExpirationMode == cachemanager.ExpireDefault {
		return m.cfg.DefaultTimeout
	}
	return it.ExpirationTimeout
}

func (m *Memory) liveLocked(id identity, now time.Time) (*cachemanager.Item, bool) {
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	mode := m.effectiveMode(e.item)
	if e.item.Expired(now, mode) {
		delete(m.entries, id)
		m.stats.Items.Add(-1)
		return nil, false
	}
	return e.item, true
}

func (m *Memory) Add(ctx context.Context, item *cachemanager.Item) (bool, error) {
	if item == nil || item.Key == "" {
		return false, errs.ErrArgumentInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errs.ErrAlreadyDisposed
	}
	m.stats.AddCalls.Add(1)

	id := identity{region: item.Region, key: item.Key}
	if _, live := m.liveLocked(id, time.Now().UTC()); live {
		metrics.RecordTierCall(m.cfg.Name, "add", "conflict")
		return false, nil
	}
	stored := item.Clone()
	stored.ExpirationTimeout = m.effectiveTimeout(item)
	m.entries[id] = &memEntry{item: stored}
	n := m.stats.Items.Add(1)
	metrics.SetTierItems(m.cfg.Name, n)
	metrics.RecordTierCall(m.cfg.Name, "add", "ok")
	return true, nil
}

func (m *Memory) Put(ctx context.Context, item *cachemanager.Item) error {
	if item == nil || item.Key == "" {
		return errs.ErrArgumentInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.ErrAlreadyDisposed
	}
	m.stats.PutCalls.Add(1)

	id := identity{region: item.Region, key: item.Key}
	_, existed := m.liveLocked(id, time.Now().UTC())
	stored := item.Clone()
	stored.ExpirationTimeout = m.effectiveTimeout(item)
	m.entries[id] = &memEntry{item: stored}
	if !existed {
		n := m.stats.Items.Add(1)
		metrics.SetTierItems(m.cfg.Name, n)
	}
	metrics.RecordTierCall(m.cfg.Name, "put", "ok")
	return nil
}

func (m *Memory) Get(ctx context.Context, key, region string) (*cachemanager.Item, error) {
	if key == "" {
		return nil, errs.ErrArgumentInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errs.ErrAlreadyDisposed
	}

	id := identity{region: region, key: key}
	item, live := m.liveLocked(id, time.Now().UTC())
	if !live {
		m.stats.Misses.Add(1)
		metrics.RecordTierCall(m.cfg.Name, "get", "miss")
		return nil, nil
	}
	m.stats.Hits.Add(1)
	metrics.RecordTierCall(m.cfg.Name, "get", "hit")
	// Return the stored instance, not a copy: the Manager refreshes
	// LastAccessedUTC on the returned item, and sliding expiration must see
	// that refresh on the entry itself.
	return item, nil
}

func (m *Memory) Remove(ctx context.Context, key, region string) (bool, error) {
	if key == "" {
		return false, errs.ErrArgumentInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errs.ErrAlreadyDisposed
	}
	m.stats.RemoveCalls.Add(1)

	id := identity{region: region, key: key}
	if _, live := m.liveLocked(id, time.Now().UTC()); !live {
		return false, nil
	}
	delete(m.entries, id)
	n := m.stats.Items.Add(-1)
	metrics.SetTierItems(m.cfg.Name, n)
	return true, nil
}

func (m *Memory) Exists(ctx context.Context, key, region string) (bool, error) {
	if key == "" {
		return false, errs.ErrArgumentInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errs.ErrAlreadyDisposed
	}
	_, live := m.liveLocked(identity{region: region, key: key}, time.Now().UTC())
	return live, nil
}

// maxUpdateInternalSpin caps the RMW loop independent of the caller's
// maxRetries, bounding the worst case under pathological contention.
const maxUpdateInternalSpin = 1000

func (m *Memory) Update(ctx context.Context, key, region string, factory cachemanager.UpdateFactory, maxRetries int) (cachemanager.UpdateResult, *cachemanager.Item, error) {
	if key == "" || factory == nil {
		return cachemanager.UpdateNeedsRetry, nil, errs.ErrArgumentInvalid
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	id := identity{region: region, key: key}

	for attempt := 0; attempt < maxRetries && attempt < maxUpdateInternalSpin; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return cachemanager.UpdateNeedsRetry, nil, errs.ErrAlreadyDisposed
		}
		current, _ := m.liveLocked(id, time.Now().UTC())
		var currentCopy *cachemanager.Item
		if current != nil {
			currentCopy = current.Clone()
		}
		m.mu.Unlock()

		next, err := factory(currentCopy)
		if err != nil {
			return cachemanager.UpdateNeedsRetry, nil, err
		}
		if next == nil {
			return cachemanager.UpdateNoOp, currentCopy, nil
		}

		m.mu.Lock()
		// Re-check the value hasn't changed underneath us since the read;
		// the in-process map offers no native CAS, so we compare by
		// reacquiring and verifying the entry pointer is unchanged.
		recheck, stillLive := m.liveLocked(id, time.Now().UTC())
		conflict := (current == nil) != !stillLive || (current != nil && stillLive && recheck != current)
		if conflict {
			m.mu.Unlock()
			continue
		}
		stored := next.Clone()
		stored.ExpirationTimeout = m.effectiveTimeout(next)
		existed := stillLive
		m.entries[id] = &memEntry{item: stored}
		if !existed {
			m.stats.Items.Add(1)
		}
		m.mu.Unlock()
		return cachemanager.UpdateSuccess, stored.Clone(), nil
	}
	return cachemanager.UpdateNeedsRetry, nil, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.ErrAlreadyDisposed
	}
	m.entries = make(map[identity]*memEntry)
	m.stats.Reset()
	m.stats.ClearCalls.Add(1)
	return nil
}

func (m *Memory) ClearRegion(ctx context.Context, region string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.ErrAlreadyDisposed
	}
	m.stats.ClearRegionCalls.Add(1)
	for id := range m.entries {
		if id.region == region {
			delete(m.entries, id)
			m.stats.Items.Add(-1)
		}
	}
	return nil
}

func (m *Memory) Stats() *cachemanager.TierStats { return &m.stats }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.entries = nil
	close(m.stopCh)
	return nil
}

func (m *Memory) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			for id, e := range m.entries {
				if e.item.Expired(now, m.effectiveMode(e.item)) {
					delete(m.entries, id)
					m.stats.Items.Add(-1)
				}
			}
			m.mu.Unlock()
		}
	}
}
