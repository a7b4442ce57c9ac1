package cachemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krish-gh/cachemanager-go/backplane"
	"github.com/krish-gh/cachemanager-go/errs"
	"github.com/krish-gh/cachemanager-go/internal/logging"
)

// Manager composes an ordered stack of tiers, index 0 is topmost (fastest,
// checked first on read) and the last index is bottommost (the
// authoritative, usually distributed, tier). Construct with NewManager.
type Manager struct {
	tiers []Handle
	bp    *backplane.Backplane

	events *EventBus

	mu       sync.RWMutex
	disposed bool
}

// Config describes the ordered tier stack and optional backplane a Manager
// composes.
type Config struct {
	// Tiers is ordered top-to-bottom: Tiers[0] is checked first on Get and is
	// never the bottommost-authoritative tier unless it is the only one.
	Tiers []Handle
	// Broker is optional; nil disables cross-process invalidation.
	Broker          backplane.Broker
	BackplaneConfig backplane.Config
}

// NewManager constructs a Manager over cfg.Tiers, wiring a Backplane when
// cfg.Broker is non-nil and registering its inbound invalidation handlers.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", errs.ErrArgumentInvalid)
	}
	m := &Manager{
		tiers:  append([]Handle(nil), cfg.Tiers...),
		events: newEventBus(),
	}

	if cfg.Broker != nil {
		m.bp = backplane.New(cfg.Broker, backplane.Handlers{
			OnChanged:     m.onBackplaneChanged,
			OnRemoved:     m.onBackplaneRemoved,
			OnCleared:     m.onBackplaneCleared,
			OnClearRegion: m.onBackplaneClearRegion,
		}, cfg.BackplaneConfig)
	}
	return m, nil
}

// Events exposes the listener-registration surface.
func (m *Manager) Events() *EventBus { return m.events }

func (m *Manager) bottomIndex() int { return len(m.tiers) - 1 }

func (m *Manager) checkAlive() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return errs.ErrAlreadyDisposed
	}
	return nil
}

// Add performs write-once semantics across the composed cache: only the
// bottommost, authoritative tier decides whether the key is new, and stale
// copies above it are evicted on success.
func (m *Manager) Add(ctx context.Context, item *Item) (bool, error) {
	if item == nil || item.Key == "" {
		return false, errs.ErrArgumentInvalid
	}
	if err := m.checkAlive(); err != nil {
		return false, err
	}

	bottom := m.bottomIndex()
	ok, err := m.tiers[bottom].Add(ctx, item)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	for i, t := range m.tiers {
		if i == bottom {
			continue
		}
		if _, rerr := t.Remove(ctx, item.Key, item.Region); rerr != nil {
			logging.Op().Warn("add: failed to evict stale upper tier copy", "tier", i, "error", rerr)
		}
	}

	if m.bp != nil {
		m.bp.NotifyChange(item.Key, item.Region, backplane.ChangeAdd)
	}
	m.events.fireAdd(Event{Key: item.Key, Region: item.Region, Action: ActionAdd})
	return true, nil
}

// Put writes item through every tier in order.
func (m *Manager) Put(ctx context.Context, item *Item) error {
	if item == nil || item.Key == "" {
		return errs.ErrArgumentInvalid
	}
	if err := m.checkAlive(); err != nil {
		return err
	}

	for i, t := range m.tiers {
		if err := t.Put(ctx, item); err != nil {
			return fmt.Errorf("tier %d: %w", i, err)
		}
	}

	if m.bp != nil {
		m.bp.NotifyChange(item.Key, item.Region, backplane.ChangePut)
	}
	m.events.firePut(Event{Key: item.Key, Region: item.Region, Action: ActionPut})
	return nil
}

// Get reads through the tier stack top-down, promoting a hit into every
// tier above it that is not a backplane source, so the next read is served
// closer to the caller.
func (m *Manager) Get(ctx context.Context, key, region string) (*Item, error) {
	if key == "" {
		return nil, errs.ErrArgumentInvalid
	}
	if err := m.checkAlive(); err != nil {
		return nil, err
	}

	for i, t := range m.tiers {
		item, err := t.Get(ctx, key, region)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", i, err)
		}
		if item == nil {
			continue
		}

		item.LastAccessedUTC = time.Now().UTC()

		for j := 0; j < i; j++ {
			if m.tiers[j].Config().IsBackplaneSource {
				continue // never populate a backplane-source tier via promotion
			}
			if err := m.tiers[j].Put(ctx, item); err != nil {
				logging.Op().Warn("get: promotion to upper tier failed", "tier", j, "error", err)
			}
		}

		m.events.fireGet(Event{Key: key, Region: region})
		return item, nil
	}
	return nil, nil
}

// Remove deletes (region,key) from every tier, aggregating the OR of
// per-tier results.
func (m *Manager) Remove(ctx context.Context, key, region string) (bool, error) {
	if key == "" {
		return false, errs.ErrArgumentInvalid
	}
	if err := m.checkAlive(); err != nil {
		return false, err
	}

	var removedAny bool
	for i, t := range m.tiers {
		ok, err := t.Remove(ctx, key, region)
		if err != nil {
			return false, fmt.Errorf("tier %d: %w", i, err)
		}
		removedAny = removedAny || ok
	}

	if removedAny && m.bp != nil {
		m.bp.NotifyRemove(key, region)
	}
	m.events.fireRemove(Event{Key: key, Region: region, Action: ActionRemove})
	return removedAny, nil
}

// Clear empties every tier (each tier resets its own stats) and notifies
// the backplane.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.checkAlive(); err != nil {
		return err
	}
	for i, t := range m.tiers {
		if err := t.Clear(ctx); err != nil {
			return fmt.Errorf("tier %d: %w", i, err)
		}
	}
	if m.bp != nil {
		m.bp.NotifyClear()
	}
	m.events.fireClear(Event{})
	return nil
}

// ClearRegion empties region in every tier and notifies the backplane.
func (m *Manager) ClearRegion(ctx context.Context, region string) error {
	if err := m.checkAlive(); err != nil {
		return err
	}
	for i, t := range m.tiers {
		if err := t.ClearRegion(ctx, region); err != nil {
			return fmt.Errorf("tier %d: %w", i, err)
		}
	}
	if m.bp != nil {
		m.bp.NotifyClearRegion(region)
	}
	m.events.fireClearRg(Event{Region: region})
	return nil
}

// Update performs a bottommost-authoritative read-modify-write. On success,
// every other tier is evicted so its next read refetches the new version; on
// NeedsRetry exhaustion, upper tiers are left untouched and
// ErrUpdateConflictExhausted is returned.
func (m *Manager) Update(ctx context.Context, key, region string, factory UpdateFactory, maxRetries int) (*Item, error) {
	if key == "" || factory == nil {
		return nil, errs.ErrArgumentInvalid
	}
	if err := m.checkAlive(); err != nil {
		return nil, err
	}

	bottom := m.bottomIndex()
	result, newItem, err := m.tiers[bottom].Update(ctx, key, region, factory, maxRetries)
	if err != nil {
		return nil, err
	}
	switch result {
	case UpdateNoOp:
		return newItem, nil
	case UpdateNeedsRetry:
		return nil, errs.ErrUpdateConflictExhausted
	}

	for i, t := range m.tiers {
		if i == bottom {
			continue
		}
		if _, rerr := t.Remove(ctx, key, region); rerr != nil {
			logging.Op().Warn("update: failed to evict stale upper tier copy", "tier", i, "error", rerr)
		}
	}

	if m.bp != nil {
		m.bp.NotifyChange(key, region, backplane.ChangeUpdate)
	}
	m.events.fireUpdate(Event{Key: key, Region: region, Action: ActionUpdate})
	return newItem, nil
}

// onBackplaneChanged evicts (region,key) from every tier that is not the
// backplane's source tier, so the next local read refetches it. It never
// re-publishes.
func (m *Manager) onBackplaneChanged(key, region string, action backplane.ChangeAction) {
	ctx := context.Background()
	for _, t := range m.tiers {
		if t.Config().IsBackplaneSource {
			continue
		}
		if _, err := t.Remove(ctx, key, region); err != nil {
			logging.Op().Warn("backplane changed: evict failed", "error", err)
		}
	}
}

func (m *Manager) onBackplaneRemoved(key, region string) {
	ctx := context.Background()
	for _, t := range m.tiers {
		if t.Config().IsBackplaneSource {
			continue
		}
		if _, err := t.Remove(ctx, key, region); err != nil {
			logging.Op().Warn("backplane removed: evict failed", "error", err)
		}
	}
}

func (m *Manager) onBackplaneCleared() {
	ctx := context.Background()
	for _, t := range m.tiers {
		if t.Config().IsBackplaneSource {
			continue
		}
		if err := t.Clear(ctx); err != nil {
			logging.Op().Warn("backplane cleared: clear failed", "error", err)
		}
	}
}

func (m *Manager) onBackplaneClearRegion(region string) {
	ctx := context.Background()
	for _, t := range m.tiers {
		if t.Config().IsBackplaneSource {
			continue
		}
		if err := t.ClearRegion(ctx, region); err != nil {
			logging.Op().Warn("backplane cleared region: clear failed", "error", err)
		}
	}
}

// Close disposes the Backplane (flushing outbound synchronously up to a
// small deadline) and then every owned tier in reverse order.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	m.mu.Unlock()

	var firstErr error
	if m.bp != nil {
		if err := m.bp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(m.tiers) - 1; i >= 0; i-- {
		if err := m.tiers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
