package backplane

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krish-gh/cachemanager-go/internal/logging"
	"github.com/krish-gh/cachemanager-go/internal/metrics"
)

// defaultHardLimit bounds the outbound set so a broker outage cannot grow it
// without bound.
const defaultHardLimit = 4096

const (
	defaultCoalesceDelay   = 10 * time.Millisecond
	defaultFlushInterval   = 100 * time.Millisecond
	defaultPublishDeadline = 2 * time.Second
)

// Broker is the narrow pub/sub contract the backplane needs: publish a frame
// and receive a stream of frames. Production code supplies
// broker/redisbroker.Channel; tests supply an in-memory fake.
type Broker interface {
	Publish(ctx context.Context, frame []byte) error
	// Subscribe delivers frames to fn until ctx is cancelled or the
	// subscription itself fails irrecoverably (in which case it returns an
	// error). Subscribe must not return nil error except on ctx cancellation.
	Subscribe(ctx context.Context, fn func(frame []byte)) error
}

// Handlers receives decoded inbound messages with self-echoes already
// suppressed. All four hooks may be nil; a nil hook is simply skipped.
type Handlers struct {
	OnChanged     func(key, region string, action ChangeAction)
	OnRemoved     func(key, region string)
	OnCleared     func()
	OnClearRegion func(region string)
}

// Config tunes the batching/coalescing behavior. Zero values fall back to
// the package defaults above.
type Config struct {
	// Name labels this backplane instance's metrics (default "default").
	Name            string
	HardLimit       int
	CoalesceDelay   time.Duration
	FlushInterval   time.Duration
	PublishDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.HardLimit <= 0 {
		c.HardLimit = defaultHardLimit
	}
	if c.CoalesceDelay <= 0 {
		c.CoalesceDelay = defaultCoalesceDelay
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.PublishDeadline <= 0 {
		c.PublishDeadline = defaultPublishDeadline
	}
	return c
}

// Backplane batches outbound invalidation messages, deduplicates them,
// flushes them as a single wire frame, and dispatches inbound frames from
// other processes to Handlers. The zero value is not usable; construct with
// New.
type Backplane struct {
	cfg    Config
	broker Broker
	sender SenderID

	mu        sync.Mutex // guards outbound/skipped only; never held across a Publish call
	outbound  map[dedupKey]Message
	skipped   int64
	sendingMu sync.Mutex // single-flight guard for flush (the "sending" flag)
	sending   bool

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	handlers Handlers
}

// New constructs a Backplane with a fresh random sender identifier and
// starts its periodic flush-safety-net timer and its subscription loop.
func New(broker Broker, handlers Handlers, cfg Config) *Backplane {
	var sender SenderID
	id := uuid.New()
	copy(sender[:], id[:])

	b := &Backplane{
		cfg:      cfg.withDefaults(),
		broker:   broker,
		sender:   sender,
		outbound: make(map[dedupKey]Message),
		stopCh:   make(chan struct{}),
		handlers: handlers,
	}

	b.wg.Add(2)
	go b.flushTimerLoop()
	go b.subscribeLoop()
	return b
}

// SenderID returns this backplane instance's identifier, mainly for tests
// that want to assert self-echo suppression.
func (b *Backplane) SenderID() SenderID { return b.sender }

// NotifyChange enqueues a Changed message.
func (b *Backplane) NotifyChange(key, region string, action ChangeAction) {
	b.enqueue(Message{Sender: b.sender, Action: ActionChanged, Change: action, Key: key, Region: region})
}

// NotifyRemove enqueues a Removed message.
func (b *Backplane) NotifyRemove(key, region string) {
	b.enqueue(Message{Sender: b.sender, Action: ActionRemoved, Key: key, Region: region})
}

// NotifyClear enqueues a Clear message, subsuming every other pending message.
func (b *Backplane) NotifyClear() {
	b.enqueue(Message{Sender: b.sender, Action: ActionClear})
}

// NotifyClearRegion enqueues a ClearRegion message.
func (b *Backplane) NotifyClearRegion(region string) {
	b.enqueue(Message{Sender: b.sender, Action: ActionClearRegion, Region: region})
}

// enqueue inserts m into the outbound set (Clear subsumes everything prior,
// the hard limit drops, duplicates collapse) then triggers a flush attempt.
func (b *Backplane) enqueue(m Message) {
	var newlySkipped int64

	b.mu.Lock()
	switch {
	case m.Action == ActionClear:
		// A Clear subsumes everything prior; its count folds into skipped.
		newlySkipped = int64(len(b.outbound))
		b.skipped += newlySkipped
		b.outbound = make(map[dedupKey]Message)
		b.outbound[m.dedupKey()] = m
	case len(b.outbound) >= b.cfg.HardLimit:
		newlySkipped = 1
		b.skipped++
		logging.Op().Warn("backplane outbound hard limit reached, dropping message", "limit", b.cfg.HardLimit)
	default:
		k := m.dedupKey()
		if _, dup := b.outbound[k]; dup {
			newlySkipped = 1
			b.skipped++
		}
		b.outbound[k] = m
	}
	size := len(b.outbound)
	b.mu.Unlock()

	metrics.SetBackplaneOutboundSize(b.cfg.Name, size)
	metrics.RecordBackplaneSkipped(b.cfg.Name, newlySkipped)

	go b.triggerFlush()
}

// OutboundSize returns the current pending-message count, for tests.
func (b *Backplane) OutboundSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outbound)
}

// SkippedCount returns the number of dropped-or-collapsed messages since the
// last successful flush.
func (b *Backplane) SkippedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipped
}

// triggerFlush is the single entry point that performs the coalescing
// delay + single-flight flush. At most one goroutine proceeds past the
// sending guard at a time; a concurrent triggerer simply returns.
func (b *Backplane) triggerFlush() {
	b.sendingMu.Lock()
	if b.sending {
		b.sendingMu.Unlock()
		return
	}
	b.sending = true
	b.sendingMu.Unlock()

	defer func() {
		b.sendingMu.Lock()
		b.sending = false
		b.sendingMu.Unlock()
	}()

	time.Sleep(b.cfg.CoalesceDelay)
	b.flushOnce()
}

// flushOnce serializes the current outbound snapshot and publishes it. On
// publish failure the outbound set is left intact for the next attempt;
// errors are logged, never propagated to a caller.
func (b *Backplane) flushOnce() {
	b.mu.Lock()
	if len(b.outbound) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := make([]Message, 0, len(b.outbound))
	keys := make([]dedupKey, 0, len(b.outbound))
	for k, m := range b.outbound {
		snapshot = append(snapshot, m)
		keys = append(keys, k)
	}
	b.mu.Unlock()

	frame := EncodeFrame(snapshot)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PublishDeadline)
	defer cancel()

	if err := b.broker.Publish(ctx, frame); err != nil {
		logging.Op().Error("backplane publish failed, retaining outbound batch", "error", err, "messages", len(snapshot))
		metrics.RecordBackplaneFlush(b.cfg.Name, "failure")
		return
	}

	// Remove only what was published; messages enqueued during the Publish
	// stay pending for the next flush.
	b.mu.Lock()
	for _, k := range keys {
		delete(b.outbound, k)
	}
	b.skipped = 0
	size := len(b.outbound)
	b.mu.Unlock()
	metrics.SetBackplaneOutboundSize(b.cfg.Name, size)
	metrics.RecordBackplaneFlush(b.cfg.Name, "success")
}

// flushTimerLoop is the periodic safety-net flush: it catches batches whose
// enqueue-time trigger lost the single-flight race.
func (b *Backplane) flushTimerLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.triggerFlush()
		}
	}
}

// subscribeLoop runs the broker subscription for the lifetime of the
// backplane, dispatching each inbound frame's messages in order and
// dropping (logging) any frame that fails to decode; the subscription
// itself survives a single bad frame.
func (b *Backplane) subscribeLoop() {
	defer b.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.stopCh
		cancel()
	}()

	err := b.broker.Subscribe(ctx, func(frame []byte) {
		messages, err := DecodeFrame(frame)
		if err != nil {
			logging.Op().Warn("backplane dropped undecodable frame", "error", err)
			return
		}
		for _, m := range messages {
			b.dispatchInbound(m)
		}
	})
	if err != nil && ctx.Err() == nil {
		logging.Op().Error("backplane subscription ended unexpectedly", "error", err)
	}
}

func (b *Backplane) dispatchInbound(m Message) {
	if m.Sender == b.sender {
		return // self-echo suppression
	}
	switch m.Action {
	case ActionChanged:
		if b.handlers.OnChanged != nil {
			b.handlers.OnChanged(m.Key, m.Region, m.Change)
		}
	case ActionRemoved:
		if b.handlers.OnRemoved != nil {
			b.handlers.OnRemoved(m.Key, m.Region)
		}
	case ActionClear:
		if b.handlers.OnCleared != nil {
			b.handlers.OnCleared()
		}
	case ActionClearRegion:
		if b.handlers.OnClearRegion != nil {
			b.handlers.OnClearRegion(m.Region)
		}
	}
}

// Close flushes any remaining outbound batch synchronously (bounded by
// PublishDeadline) and stops the background loops.
func (b *Backplane) Close() error {
	b.mu.Lock()
	already := b.stopped
	b.stopped = true
	b.mu.Unlock()
	if already {
		return nil
	}

	b.flushOnce()
	close(b.stopCh)
	b.wg.Wait()
	return nil
}
