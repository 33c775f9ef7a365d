package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/web-tech-tw/freya-go/internal/cache"
	"github.com/web-tech-tw/freya-go/internal/cache/memory"
)

func TestCache_SetGet(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "openchat:page:a", []byte("<html>"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := c.Get(ctx, "openchat:page:a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "<html>" {
		t.Errorf("expected '<html>', got %q", string(val))
	}
}

func TestCache_GetNotFound(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()

	_, err := c.Get(context.Background(), "nonexistent")
	if err != cache.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCache_Expiration(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "key1", []byte("value1"), 10*time.Millisecond)

	if exists, _ := c.Exists(ctx, "key1"); !exists {
		t.Error("key should exist initially")
	}

	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, "key1")
	if err != cache.ErrExpired {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	if !cache.IsMiss(err) {
		t.Error("expired read must be a miss")
	}
	if exists, _ := c.Exists(ctx, "key1"); exists {
		t.Error("expired key should not exist")
	}
}

func TestCache_DefaultTTL(t *testing.T) {
	c := memory.New(10*time.Millisecond, 0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "key1", []byte("v"), 0)
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, "key1"); !cache.IsMiss(err) {
		t.Errorf("zero ttl should fall back to the default, got %v", err)
	}
}

func TestCache_Delete(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "key1", []byte("value1"), time.Minute)
	c.Delete(ctx, "key1")

	if _, err := c.Get(ctx, "key1"); err != cache.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := c.Delete(ctx, "key1"); err != nil {
		t.Errorf("deleting an absent key should succeed, got %v", err)
	}
}

func TestCache_ValueIsolation(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	original := []byte("original")
	c.Set(ctx, "key1", original, time.Minute)
	original[0] = 'X'

	val, _ := c.Get(ctx, "key1")
	if string(val) != "original" {
		t.Errorf("cache value was mutated: %q", string(val))
	}

	val[0] = 'Y'
	val2, _ := c.Get(ctx, "key1")
	if string(val2) != "original" {
		t.Errorf("cache value was mutated via returned slice: %q", string(val2))
	}
}

func TestCounter_IncrementAndExpire(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	count, err := c.Increment(ctx, "pairing:u1", 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1, got %d", count)
	}
	count, _ = c.Increment(ctx, "pairing:u1", 5, time.Minute)
	if count != 6 {
		t.Errorf("expected 6, got %d", count)
	}
	if got, _ := c.GetCount(ctx, "pairing:u1"); got != 6 {
		t.Errorf("GetCount = %d, want 6", got)
	}

	time.Sleep(20 * time.Millisecond)

	if got, _ := c.GetCount(ctx, "pairing:u1"); got != 0 {
		t.Errorf("expected 0 after expiration, got %d", got)
	}
	if count, _ = c.Increment(ctx, "pairing:u1", 1, time.Minute); count != 1 {
		t.Errorf("expected a fresh window, got %d", count)
	}
}

func TestCounter_Reset(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	c.Increment(ctx, "counter1", 100, time.Minute)
	c.Reset(ctx, "counter1")

	if count, _ := c.GetCount(ctx, "counter1"); count != 0 {
		t.Errorf("expected 0 after reset, got %d", count)
	}
}

func TestCache_CleanupLoop(t *testing.T) {
	c := memory.New(time.Minute, 20*time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "expire1", []byte("v1"), 5*time.Millisecond)
	c.Set(ctx, "expire2", []byte("v2"), 5*time.Millisecond)
	c.Set(ctx, "keep", []byte("v3"), time.Minute)

	deadline := time.Now().Add(time.Second)
	for c.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Len() != 1 {
		t.Errorf("expected only 'keep' after cleanup, have %d items", c.Len())
	}
}

func TestRegisteredDriver(t *testing.T) {
	c, err := cache.NewFromConfig("memory", map[string]map[string]any{
		"memory": {"default_ttl_seconds": int64(60), "cleanup_interval_seconds": int64(0)},
	}, nil)
	if err != nil {
		t.Fatalf("NewFromConfig(memory) error = %v", err)
	}
	defer c.Close()

	if _, ok := c.(*memory.Cache); !ok {
		t.Errorf("expected *memory.Cache, got %T", c)
	}
}
