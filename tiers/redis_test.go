package tiers

import (
	"context"
	"os"
	"testing"
	"time"

	cachemanager "github.com/krish-gh/cachemanager-go"
	"github.com/krish-gh/cachemanager-go/broker"
)

// newTestRedis builds a Redis tier against the server named by REDIS_ADDR
// (default localhost:6379). Tests using it need a reachable Redis to run for
// real and are skipped otherwise.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := NewRedis(ctx, broker.NewSupervisor(nil), RedisConfig{
		HandleConfig: cachemanager.HandleConfig{
			Name:              "redis-test",
			IsBackplaneSource: true,
			IsDistributed:     true,
		},
		ConnectionString: addr,
		KeyPrefix:        "cachemanagertest:",
	})
	if err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		r.Clear(context.Background())
	})
	return r
}

func TestRedisAddThenGet(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.Add(ctx, newTestItem(t, "a", "1"))
	if err != nil || !ok {
		t.Fatalf("Add failed: ok=%v err=%v", ok, err)
	}

	got, err := r.Get(ctx, "a", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || string(got.Value) != "1" {
		t.Fatalf("expected value '1', got %+v", got)
	}
}

func TestRedisAddIdempotentFalse(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	ok1, err := r.Add(ctx, newTestItem(t, "k", "v1"))
	if err != nil || !ok1 {
		t.Fatalf("first Add: ok=%v err=%v", ok1, err)
	}
	ok2, err := r.Add(ctx, newTestItem(t, "k", "v2"))
	if err != nil || ok2 {
		t.Fatalf("second Add: expected false, got ok=%v err=%v", ok2, err)
	}

	got, err := r.Get(ctx, "k", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != "v1" {
		t.Fatalf("expected stored value v1, got %q", got.Value)
	}
}

func TestRedisPutOverwrites(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	if err := r.Put(ctx, newTestItem(t, "p", "old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Put(ctx, newTestItem(t, "p", "new")); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, err := r.Get(ctx, "p", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != "new" {
		t.Fatalf("expected overwritten value 'new', got %q", got.Value)
	}
}

func TestRedisRemove(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	if _, err := r.Add(ctx, newTestItem(t, "rm", "v")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := r.Remove(ctx, "rm", "")
	if err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	ok, err = r.Remove(ctx, "rm", "")
	if err != nil || ok {
		t.Fatalf("second Remove expected false, got ok=%v err=%v", ok, err)
	}
}

// TestRedisClearRegionNamespacesAreDisjoint pins the key layout: clearing
// the absent-region namespace leaves every named region untouched, and
// clearing one named region leaves the others and the absent-region
// namespace untouched.
func TestRedisClearRegionNamespacesAreDisjoint(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	noRegion, _ := cachemanager.NewItem("k", "", []byte("a"), "string", cachemanager.ExpireNone, 0)
	east, _ := cachemanager.NewItem("k", "east", []byte("b"), "string", cachemanager.ExpireNone, 0)
	west, _ := cachemanager.NewItem("k", "west", []byte("c"), "string", cachemanager.ExpireNone, 0)
	for _, it := range []*cachemanager.Item{noRegion, east, west} {
		if err := r.Put(ctx, it); err != nil {
			t.Fatalf("Put %q/%q: %v", it.Region, it.Key, err)
		}
	}

	if err := r.ClearRegion(ctx, ""); err != nil {
		t.Fatalf("ClearRegion(\"\"): %v", err)
	}
	if got, _ := r.Get(ctx, "k", ""); got != nil {
		t.Fatalf("expected absent-region entry cleared, got %+v", got)
	}
	if got, _ := r.Get(ctx, "k", "east"); got == nil {
		t.Fatal("expected east region untouched by absent-region clear")
	}
	if got, _ := r.Get(ctx, "k", "west"); got == nil {
		t.Fatal("expected west region untouched by absent-region clear")
	}

	if err := r.ClearRegion(ctx, "east"); err != nil {
		t.Fatalf("ClearRegion(east): %v", err)
	}
	if got, _ := r.Get(ctx, "k", "east"); got != nil {
		t.Fatalf("expected east cleared, got %+v", got)
	}
	if got, _ := r.Get(ctx, "k", "west"); got == nil {
		t.Fatal("expected west untouched by east clear")
	}
}

func TestRedisClearWipesEveryNamespace(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	noRegion, _ := cachemanager.NewItem("k", "", []byte("a"), "string", cachemanager.ExpireNone, 0)
	east, _ := cachemanager.NewItem("k", "east", []byte("b"), "string", cachemanager.ExpireNone, 0)
	if err := r.Put(ctx, noRegion); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Put(ctx, east); err != nil {
		t.Fatalf("Put east: %v", err)
	}

	if err := r.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := r.Get(ctx, "k", ""); got != nil {
		t.Fatalf("expected absent-region entry cleared, got %+v", got)
	}
	if got, _ := r.Get(ctx, "k", "east"); got != nil {
		t.Fatalf("expected east entry cleared, got %+v", got)
	}
}

func TestRedisUpdateAppliesFactory(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	if err := r.Put(ctx, newTestItem(t, "counter", "1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, newItem, err := r.Update(ctx, "counter", "", func(current *cachemanager.Item) (*cachemanager.Item, error) {
		next := current.Clone()
		next.Value = []byte("2")
		return next, nil
	}, 3)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if result != cachemanager.UpdateSuccess {
		t.Fatalf("expected UpdateSuccess, got %v", result)
	}
	if string(newItem.Value) != "2" {
		t.Fatalf("expected updated value '2', got %q", newItem.Value)
	}

	got, err := r.Get(ctx, "counter", "")
	if err != nil {
		t.Fatalf("Get after Update: %v", err)
	}
	if string(got.Value) != "2" {
		t.Fatalf("expected stored value '2', got %q", got.Value)
	}
}

func TestRedisAbsoluteExpiration(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	it, err := cachemanager.NewItem("e", "", []byte("v"), "string", cachemanager.ExpireAbsolute, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}
	if err := r.Put(ctx, it); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(150 * time.Millisecond) // timeout + slack

	got, err := r.Get(ctx, "e", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired item to be absent, got %+v", got)
	}
}
