package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krish-gh/cachemanager-go/errs"
)

type fakeHandle struct {
	closed atomic.Bool
}

func (f *fakeHandle) Ping(ctx context.Context) error { return nil }
func (f *fakeHandle) Close() error {
	f.closed.Store(true)
	return nil
}

func TestSupervisorConnectDedupesUnderContention(t *testing.T) {
	var dials int32
	s := NewSupervisor(func(ctx context.Context, cfg Config) (Handle, error) {
		atomic.AddInt32(&dials, 1)
		time.Sleep(10 * time.Millisecond)
		return &fakeHandle{}, nil
	})

	const n = 20
	results := make(chan Handle, n)
	for i := 0; i < n; i++ {
		go func() {
			h, err := s.Connect(context.Background(), Config{ConnectionString: "redis://shared"})
			if err != nil {
				t.Errorf("Connect: %v", err)
				return
			}
			results <- h
		}()
	}

	var first Handle
	for i := 0; i < n; i++ {
		h := <-results
		if first == nil {
			first = h
		} else if h != first {
			t.Fatal("expected all callers to share the same handle")
		}
	}

	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("expected exactly 1 dial under contention, got %d", dials)
	}
}

func TestSupervisorConnectWrapsDialError(t *testing.T) {
	s := NewSupervisor(func(ctx context.Context, cfg Config) (Handle, error) {
		return nil, errors.New("boom")
	})

	_, err := s.Connect(context.Background(), Config{ConnectionString: "redis://down"})
	if !errors.Is(err, errs.ErrBackingStoreUnavailable) {
		t.Fatalf("expected ErrBackingStoreUnavailable, got %v", err)
	}
}

func TestSupervisorRemoveClosesHandle(t *testing.T) {
	h := &fakeHandle{}
	s := NewSupervisor(func(ctx context.Context, cfg Config) (Handle, error) { return h, nil })

	if _, err := s.Connect(context.Background(), Config{ConnectionString: "redis://x"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Remove("redis://x")

	if !h.closed.Load() {
		t.Fatal("expected handle closed after Remove")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	s := NewSupervisor(nil)
	var attempts int

	err := s.Retry(context.Background(), "redis://x", time.Millisecond, 5, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsImmediatelyOnIncompatiblePeer(t *testing.T) {
	s := NewSupervisor(nil)
	var attempts int

	err := s.Retry(context.Background(), "redis://x", time.Millisecond, 5, func(ctx context.Context) error {
		attempts++
		return errors.New("ERR unknown command 'FOO'")
	})
	if !errors.Is(err, errs.ErrIncompatiblePeer) {
		t.Fatalf("expected ErrIncompatiblePeer, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestRetryExhaustsAttemptsAndWrapsLastError(t *testing.T) {
	s := NewSupervisor(nil)
	var attempts int

	err := s.Retry(context.Background(), "redis://x", time.Millisecond, 3, func(ctx context.Context) error {
		attempts++
		return errors.New("i/o timeout")
	})
	if !errors.Is(err, errs.ErrBackingStoreUnavailable) {
		t.Fatalf("expected ErrBackingStoreUnavailable after exhaustion, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

// multiErrStub satisfies the multiError (Unwrap() []error) contract Retry
// destructures, mirroring errors.Join without depending on its internals.
type multiErrStub struct{ errs []error }

func (m multiErrStub) Error() string { return fmt.Sprintf("%v", m.errs) }
func (m multiErrStub) Unwrap() []error { return m.errs }

func TestRetryDestructuresAggregateError(t *testing.T) {
	s := NewSupervisor(nil)
	var attempts int

	err := s.Retry(context.Background(), "redis://x", time.Millisecond, 5, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return multiErrStub{errs: []error{errors.New("timeout"), errors.New("connection refused")}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
}

func TestRetryAggregateWithIncompatibleMemberStopsImmediately(t *testing.T) {
	s := NewSupervisor(nil)
	var attempts int

	err := s.Retry(context.Background(), "redis://x", time.Millisecond, 5, func(ctx context.Context) error {
		attempts++
		return multiErrStub{errs: []error{errors.New("timeout"), errors.New("unknown command")}}
	})
	if !errors.Is(err, errs.ErrIncompatiblePeer) {
		t.Fatalf("expected ErrIncompatiblePeer, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRedactConnectionString(t *testing.T) {
	in := "redis://user:pw@host:6379?password=supersecret,db=0"
	out := RedactConnectionString(in)
	if out == in {
		t.Fatal("expected redaction to change the string")
	}
	if want := "password=***"; !strings.Contains(out, want) {
		t.Fatalf("expected redacted marker %q in %q", want, out)
	}
	if strings.Contains(out, "supersecret") {
		t.Fatal("expected secret to be scrubbed from output")
	}
}

func TestDialGuardTripsAfterConsecutiveTransientFailures(t *testing.T) {
	g := &dialGuard{}
	now := time.Now()

	for i := 0; i < guardTripAfter-1; i++ {
		g.observe(errors.New("i/o timeout"), now)
	}
	if !g.allow(now) {
		t.Fatal("guard should stay closed below the trip threshold")
	}

	state, transitioned := g.observe(errors.New("i/o timeout"), now)
	if state != guardOpen || !transitioned {
		t.Fatalf("expected transition to open at the threshold, got state=%v transitioned=%v", state, transitioned)
	}
	if g.allow(now) {
		t.Fatal("open guard should reject callers")
	}
}

func TestDialGuardSuccessResetsConsecutiveCount(t *testing.T) {
	g := &dialGuard{}
	now := time.Now()

	for i := 0; i < 3; i++ {
		for j := 0; j < guardTripAfter-1; j++ {
			g.observe(errors.New("connection refused"), now)
		}
		g.observe(nil, now)
	}
	if !g.allow(now) {
		t.Fatal("interleaved successes should keep the guard closed")
	}
}

func TestDialGuardIgnoresNonHealthErrors(t *testing.T) {
	g := &dialGuard{}
	now := time.Now()

	for i := 0; i < guardTripAfter*2; i++ {
		g.observe(errors.New("wrong number of arguments"), now)
	}
	if !g.allow(now) {
		t.Fatal("errors that say nothing about broker health must not trip the guard")
	}
}

func TestDialGuardIncompatiblePeerOpensImmediately(t *testing.T) {
	g := &dialGuard{}
	now := time.Now()

	state, transitioned := g.observe(errors.New("ERR unknown command 'FOO'"), now)
	if state != guardOpen || !transitioned {
		t.Fatalf("expected a single incompatible-peer error to open the guard, got state=%v transitioned=%v", state, transitioned)
	}
	if g.allow(now.Add(guardMaxCooldown - time.Millisecond)) {
		t.Fatal("expected the maximum cooldown for a protocol mismatch")
	}
}

func TestDialGuardHalfOpenProbeRecovers(t *testing.T) {
	g := &dialGuard{}
	now := time.Now()

	for i := 0; i < guardTripAfter; i++ {
		g.observe(errors.New("i/o timeout"), now)
	}

	later := now.Add(guardBaseCooldown)
	if !g.allow(later) {
		t.Fatal("expected a probe admitted after the cooldown")
	}
	if g.allow(later) {
		t.Fatal("expected exactly one probe in half-open")
	}

	if state, _ := g.observe(nil, later); state != guardClosed {
		t.Fatalf("expected a successful probe to close the guard, got %v", state)
	}
	if !g.allow(later) {
		t.Fatal("closed guard should admit callers again")
	}
}

func TestDialGuardFailedProbeDoublesCooldown(t *testing.T) {
	g := &dialGuard{}
	now := time.Now()

	for i := 0; i < guardTripAfter; i++ {
		g.observe(errors.New("i/o timeout"), now)
	}

	probeAt := now.Add(guardBaseCooldown)
	if !g.allow(probeAt) {
		t.Fatal("expected a probe after the first cooldown")
	}
	if state, _ := g.observe(errors.New("i/o timeout"), probeAt); state != guardOpen {
		t.Fatalf("expected a failed probe to reopen, got %v", state)
	}

	if g.allow(probeAt.Add(guardBaseCooldown)) {
		t.Fatal("expected the reopened cooldown to have doubled")
	}
	if !g.allow(probeAt.Add(2 * guardBaseCooldown)) {
		t.Fatal("expected a probe once the doubled cooldown passed")
	}
}

func TestConnectFailsFastWhenGuardOpen(t *testing.T) {
	s := NewSupervisor(func(ctx context.Context, cfg Config) (Handle, error) { return &fakeHandle{}, nil })
	ctx := context.Background()
	cfg := Config{ConnectionString: "redis://flaky"}

	if _, err := s.Connect(ctx, cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Each exhausted single-attempt Retry feeds one transient failure into
	// the connection's guard.
	for i := 0; i < guardTripAfter; i++ {
		s.Retry(ctx, cfg.ConnectionString, time.Millisecond, 1, func(ctx context.Context) error {
			return errors.New("i/o timeout")
		})
	}

	if _, err := s.Connect(ctx, cfg); !errors.Is(err, errs.ErrBackingStoreUnavailable) {
		t.Fatalf("expected fail-fast ErrBackingStoreUnavailable while the guard is open, got %v", err)
	}
}

func TestFeaturesStrictCompatibilityModeSkipsProbe(t *testing.T) {
	s := NewSupervisor(nil)
	fs, err := s.Features(context.Background(), Config{StrictCompatibilityMode: true, DeclaredVersion: "7.0"})
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	if fs.Version != "7.0" || !fs.SupportsScripts {
		t.Fatalf("expected declared capabilities, got %+v", fs)
	}
}

func TestFeaturesShardingProxyIsConservative(t *testing.T) {
	s := NewSupervisor(nil)
	fs, err := s.Features(context.Background(), Config{IsShardingProxy: true})
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	if fs.SupportsScripts {
		t.Fatal("expected conservative feature set to report no script support")
	}
}

func TestFeaturesUnknownConnectionErrors(t *testing.T) {
	s := NewSupervisor(nil)
	_, err := s.Features(context.Background(), Config{ConnectionString: "redis://never-connected"})
	if !errors.Is(err, errs.ErrNoConnectedServer) {
		t.Fatalf("expected ErrNoConnectedServer, got %v", err)
	}
}
