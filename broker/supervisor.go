// Package broker provides the connection supervisor: a pool of shared broker
// connections keyed by connection string, with health checks and a retry
// wrapper around broker operations. Each Supervisor holds its own pool;
// separate Supervisors do not share connections.
package broker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/krish-gh/cachemanager-go/errs"
	"github.com/krish-gh/cachemanager-go/internal/logging"
	"github.com/krish-gh/cachemanager-go/internal/metrics"
)

// Handle is a live connection to the shared broker: the minimal surface the
// distributed tier and the backplane need. Production code gets one from
// RedisDialer; tests can supply a fake.
type Handle interface {
	// Ping verifies the connection is healthy.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}

// Dialer establishes a new Handle for a connection string. An optional
// caller-supplied Dialer overrides the default (RedisDialer) for test
// injection.
type Dialer func(ctx context.Context, cfg Config) (Handle, error)

// Config describes how to reach the shared broker.
type Config struct {
	ConnectionString string
	// StrictCompatibilityMode, when set, makes Features report the
	// capabilities of DeclaredVersion without probing the peer.
	StrictCompatibilityMode bool
	DeclaredVersion         string
	// IsShardingProxy marks a deployment (e.g. a clustering proxy) whose
	// capabilities Features reports conservatively rather than by probing.
	IsShardingProxy bool
}

// FeatureSet reports capabilities of the connected peer.
type FeatureSet struct {
	SupportsPubSub  bool
	SupportsScripts bool
	Version         string
}

// conservativeFeatureSet is returned for sharding proxies, which may not
// support the full capability surface of a single node.
var conservativeFeatureSet = FeatureSet{SupportsPubSub: true, SupportsScripts: false}

// entry is one slot of a Supervisor's connection map.
type entry struct {
	handle Handle
	cfg    Config
	guard  *dialGuard
}

// Supervisor deduplicates broker connections across the Managers that share
// it and retries transient broker failures. The zero value is not
// usable; construct with NewSupervisor.
type Supervisor struct {
	dial Dialer

	mu    sync.RWMutex
	conns map[string]*entry

	establish singleflight.Group
}

// NewSupervisor constructs a Supervisor. dialer may be nil to use
// RedisDialer as the default.
func NewSupervisor(dialer Dialer) *Supervisor {
	if dialer == nil {
		dialer = RedisDialer
	}
	return &Supervisor{
		dial:  dialer,
		conns: make(map[string]*entry),
	}
}

// Connect returns a cached connection for cfg.ConnectionString, establishing
// one if needed. The establishment closure runs at most once per connection
// string under contention, via singleflight.
func (s *Supervisor) Connect(ctx context.Context, cfg Config) (Handle, error) {
	s.mu.RLock()
	e, ok := s.conns[cfg.ConnectionString]
	s.mu.RUnlock()
	if ok {
		if !e.guard.allow(time.Now()) {
			return nil, fmt.Errorf("%w: connection guard open", errs.ErrBackingStoreUnavailable)
		}
		return e.handle, nil
	}

	v, err, _ := s.establish.Do(cfg.ConnectionString, func() (any, error) {
		handle, derr := s.dial(ctx, cfg)
		if derr != nil {
			logging.Op().Error("broker connect failed", "connection", RedactConnectionString(cfg.ConnectionString), "error", derr)
			return nil, fmt.Errorf("%w: %v", errs.ErrBackingStoreUnavailable, derr)
		}
		if perr := handle.Ping(ctx); perr != nil {
			handle.Close()
			return nil, fmt.Errorf("%w: connection not healthy: %v", errs.ErrBackingStoreUnavailable, perr)
		}

		e := &entry{handle: handle, cfg: cfg, guard: &dialGuard{}}
		s.mu.Lock()
		s.conns[cfg.ConnectionString] = e
		s.mu.Unlock()
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

// Remove drops a connection string from the process-wide map and closes its
// handle, if present.
func (s *Supervisor) Remove(connectionString string) {
	s.mu.Lock()
	e, ok := s.conns[connectionString]
	if ok {
		delete(s.conns, connectionString)
	}
	s.mu.Unlock()
	if ok {
		_ = e.handle.Close()
	}
}

func (s *Supervisor) recordOutcome(connectionString string, err error) {
	redacted := RedactConnectionString(connectionString)
	if err != nil {
		metrics.RecordConnectionRetry(redacted, "failure")
	} else {
		metrics.RecordConnectionRetry(redacted, "success")
	}

	s.mu.RLock()
	e, ok := s.conns[connectionString]
	s.mu.RUnlock()
	if !ok {
		return
	}
	state, transitioned := e.guard.observe(err, time.Now())
	metrics.SetConnectionCircuitState(redacted, int(state))
	if transitioned {
		metrics.RecordConnectionCircuitTrip(redacted, state.String())
	}
}

// unknownCommandMarker is the incompatible-peer signal: a server error
// containing this text is never retried.
const unknownCommandMarker = "unknown command"

// isTransient classifies an error as retryable. Recognized transient
// conditions are server-side transient errors, connection errors, and
// timeouts; an "unknown command" response is explicitly excluded (it
// indicates a protocol-incompatible peer, surfaced immediately instead).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, unknownCommandMarker) {
		return false
	}
	if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
		return true
	}
	for _, marker := range []string{"timeout", "timed out", "connection reset", "connection refused", "broken pipe", "loading", "try again", "eof", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isIncompatiblePeer reports whether err is the non-retryable "unknown
// command" server response.
func isIncompatiblePeer(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), unknownCommandMarker)
}

// multiError is satisfied by aggregate/multi-error conditions (e.g.
// errors.Join); Retry destructures these, retrying inner transient errors
// and terminating immediately on a non-transient one.
type multiError interface {
	Unwrap() []error
}

// Retry executes op, retrying recognized transient errors up to maxAttempts
// times with exponential backoff seeded by initialBackoff. Unrecognized
// errors propagate immediately; exhaustion elevates the last error to
// ErrBackingStoreUnavailable.
func (s *Supervisor) Retry(ctx context.Context, connectionString string, initialBackoff time.Duration, maxAttempts int, op func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			s.recordOutcome(connectionString, nil)
			return nil
		}

		if classifyErr, retryable := classify(err); !retryable {
			s.recordOutcome(connectionString, err)
			return classifyErr
		}

		lastErr = err
		s.recordOutcome(connectionString, err)
		if attempt == maxAttempts-1 {
			break
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w: %v", errs.ErrBackingStoreUnavailable, lastErr)
}

// classify inspects err (destructuring a multiError aggregate if present)
// and returns (possibly rewrapped error, retryable).
func classify(err error) (error, bool) {
	if me, ok := err.(multiError); ok {
		for _, inner := range me.Unwrap() {
			if isIncompatiblePeer(inner) {
				return fmt.Errorf("%w: %v", errs.ErrIncompatiblePeer, inner), false
			}
			if !isTransient(inner) {
				return inner, false
			}
		}
		return err, true
	}
	if isIncompatiblePeer(err) {
		return fmt.Errorf("%w: %v", errs.ErrIncompatiblePeer, err), false
	}
	if !isTransient(err) {
		return err, false
	}
	return err, true
}

// Features reports capabilities of the connected peer for cfg.
func (s *Supervisor) Features(ctx context.Context, cfg Config) (FeatureSet, error) {
	if cfg.StrictCompatibilityMode {
		return FeatureSet{SupportsPubSub: true, SupportsScripts: true, Version: cfg.DeclaredVersion}, nil
	}
	if cfg.IsShardingProxy {
		return conservativeFeatureSet, nil
	}

	s.mu.RLock()
	e, ok := s.conns[cfg.ConnectionString]
	s.mu.RUnlock()
	if !ok {
		return FeatureSet{}, errs.ErrNoConnectedServer
	}
	if err := e.handle.Ping(ctx); err != nil {
		return FeatureSet{}, fmt.Errorf("%w: %v", errs.ErrNoConnectedServer, err)
	}
	return FeatureSet{SupportsPubSub: true, SupportsScripts: true, Version: "probed"}, nil
}

// passwordMarker matches a `password=...` fragment up to the next comma,
// case-insensitively, for credential scrubbing in log output.
var passwordMarker = regexp.MustCompile(`(?i)password=[^,]*`)

// RedactConnectionString replaces any password=... fragment with a redacted
// marker so connection strings are safe to log.
func RedactConnectionString(s string) string {
	return passwordMarker.ReplaceAllString(s, "password=***")
}

// guardState is a dialGuard's position in closed → open → half-open.
type guardState int

const (
	guardClosed guardState = iota
	guardOpen
	guardHalfOpen
)

func (s guardState) String() string {
	switch s {
	case guardClosed:
		return "closed"
	case guardOpen:
		return "open"
	case guardHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	// guardTripAfter is how many consecutive transient failures open the
	// guard for a connection string.
	guardTripAfter = 5

	guardBaseCooldown = 2 * time.Second
	guardMaxCooldown  = 30 * time.Second
)

// dialGuard makes a failing connection string fail fast: once guardTripAfter
// consecutive transient failures accumulate, Connect rejects callers until a
// cooldown passes, then one half-open probe decides whether to close again.
// Each failed probe doubles the cooldown up to guardMaxCooldown.
//
// Outcomes are fed in pre-classified. Only transient failures count toward
// the trip threshold: an unrecognized error (bad argument, serialization)
// says nothing about broker health and leaves the guard alone, while an
// incompatible peer opens it immediately for the maximum cooldown, because
// retrying cannot fix a protocol mismatch.
type dialGuard struct {
	mu          sync.Mutex
	state       guardState
	consecutive int           // transient failures since the last success
	openedAt    time.Time
	cooldown    time.Duration // doubles on every reopen, capped at guardMaxCooldown
	probing     bool          // a half-open probe is already in flight
}

// allow reports whether a caller may use the connection now. In the open
// state it flips to half-open once the cooldown has passed, admitting
// exactly one probe.
func (g *dialGuard) allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case guardOpen:
		if now.Sub(g.openedAt) < g.cooldown {
			return false
		}
		g.state = guardHalfOpen
		g.probing = true
		return true
	case guardHalfOpen:
		if g.probing {
			return false
		}
		g.probing = true
		return true
	default:
		return true
	}
}

// observe feeds one classified operation outcome into the guard, returning
// the state it left the guard in and whether that was a transition.
func (g *dialGuard) observe(err error, now time.Time) (guardState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	before := g.state
	switch {
	case err == nil:
		g.consecutive = 0
		g.probing = false
		if g.state != guardClosed {
			g.state = guardClosed
			g.cooldown = 0
		}
	case isIncompatiblePeer(err):
		g.reopen(now)
		g.cooldown = guardMaxCooldown
	case isTransient(err):
		g.consecutive++
		if g.state == guardHalfOpen || g.consecutive >= guardTripAfter {
			g.reopen(now)
		}
	default:
		g.probing = false
	}
	return g.state, g.state != before
}

// reopen must be called with mu held.
func (g *dialGuard) reopen(now time.Time) {
	g.state = guardOpen
	g.openedAt = now
	g.probing = false
	g.consecutive = 0
	switch {
	case g.cooldown < guardBaseCooldown:
		g.cooldown = guardBaseCooldown
	case g.cooldown < guardMaxCooldown:
		g.cooldown *= 2
		if g.cooldown > guardMaxCooldown {
			g.cooldown = guardMaxCooldown
		}
	}
}
