package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/hopper/internal/memory"
)

func TestLocalSetGetDelete(t *testing.T) {
	c := memory.NewLocal(0)
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Fatal("unexpected hit")
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	data, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(data) != "v" {
		t.Fatalf("get = %q %v %v", data, ok, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("deleted key still present")
	}
	// Deleting again is fine.
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
}

func TestLocalExpiry(t *testing.T) {
	c := memory.NewLocal(0)
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("x"), time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "long", []byte("y"), time.Hour); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Fatal("expired entry served")
	}
	if _, ok, _ := c.Get(ctx, "long"); !ok {
		t.Fatal("live entry missing")
	}
}

func TestLocalClearExpired(t *testing.T) {
	c := memory.NewLocal(0)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Nanosecond)
	_ = c.Set(ctx, "b", []byte("2"), time.Nanosecond)
	_ = c.Set(ctx, "c", []byte("3"), time.Hour)
	time.Sleep(time.Millisecond)

	removed, err := c.ClearExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	// Idempotent.
	removed, _ = c.ClearExpired(ctx)
	if removed != 0 {
		t.Fatalf("second sweep removed = %d, want 0", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestLocalEvictsLeastRecentlyUsed(t *testing.T) {
	c := memory.NewLocal(2)
	ctx := context.Background()

	_ = c.Set(ctx, "old", []byte("1"), time.Hour)
	time.Sleep(time.Millisecond)
	_ = c.Set(ctx, "fresh", []byte("2"), time.Hour)
	time.Sleep(time.Millisecond)

	// Touch old so fresh becomes the eviction candidate.
	if _, ok, _ := c.Get(ctx, "old"); !ok {
		t.Fatal("old missing before eviction")
	}
	time.Sleep(time.Millisecond)
	_ = c.Set(ctx, "new", []byte("3"), time.Hour)

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "fresh"); ok {
		t.Fatal("least recently used entry survived")
	}
	if _, ok, _ := c.Get(ctx, "old"); !ok {
		t.Fatal("recently used entry evicted")
	}
}
