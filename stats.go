package cachemanager

import "sync/atomic"

// TierStats holds per-tier counters. Counters mutate via atomic add; reads
// are lock-free and may be slightly stale.
type TierStats struct {
	Hits             atomic.Int64
	Misses           atomic.Int64
	Items            atomic.Int64
	AddCalls         atomic.Int64
	PutCalls         atomic.Int64
	RemoveCalls      atomic.Int64
	ClearCalls       atomic.Int64
	ClearRegionCalls atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy of TierStats suitable for
// logging or export.
type Snapshot struct {
	Hits             int64
	Misses           int64
	Items            int64
	AddCalls         int64
	PutCalls         int64
	RemoveCalls      int64
	ClearCalls       int64
	ClearRegionCalls int64
}

// Snapshot reads every counter once and returns an immutable copy.
func (s *TierStats) Snapshot() Snapshot {
	return Snapshot{
		Hits:             s.Hits.Load(),
		Misses:           s.Misses.Load(),
		Items:            s.Items.Load(),
		AddCalls:         s.AddCalls.Load(),
		PutCalls:         s.PutCalls.Load(),
		RemoveCalls:      s.RemoveCalls.Load(),
		ClearCalls:       s.ClearCalls.Load(),
		ClearRegionCalls: s.ClearRegionCalls.Load(),
	}
}

// Reset zeroes every counter, used after Clear. ClearRegion does not reset
// the block; tiers only decrement Items by what it removed.
func (s *TierStats) Reset() {
	s.Hits.Store(0)
	s.Misses.Store(0)
	s.Items.Store(0)
	s.AddCalls.Store(0)
	s.PutCalls.Store(0)
	s.RemoveCalls.Store(0)
	s.ClearCalls.Store(0)
	s.ClearRegionCalls.Store(0)
}
