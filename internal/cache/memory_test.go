package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetPutInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(30 * time.Second)

	if _, ok := c.Get(ctx, "order_1"); ok {
		t.Fatalf("expected miss on empty cache")
	}

	c.Put(ctx, "order_1", []byte(`{"status":"ACTIVE"}`))
	payload, ok := c.Get(ctx, "order_1")
	if !ok {
		t.Fatalf("expected hit after put")
	}
	if string(payload) != `{"status":"ACTIVE"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	c.Invalidate(ctx, "order_1")
	if _, ok := c.Get(ctx, "order_1"); ok {
		t.Fatalf("expected miss after invalidate")
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(30 * time.Second)

	current := time.Now()
	c.now = func() time.Time { return current }

	c.Put(ctx, "order_1", []byte("a"))
	if _, ok := c.Get(ctx, "order_1"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	current = current.Add(31 * time.Second)
	if _, ok := c.Get(ctx, "order_1"); ok {
		t.Fatalf("expected miss after TTL elapsed")
	}

	// Expired entries are pruned on the next write
	c.Put(ctx, "order_2", []byte("b"))
	c.mu.Lock()
	if _, exists := c.entries["order_1"]; exists {
		c.mu.Unlock()
		t.Fatalf("expected expired entry to be pruned")
	}
	c.mu.Unlock()
}
