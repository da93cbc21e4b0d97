package cache_test

import (
	"testing"
	"time"

	"github.com/boddenberg/salescoach-bfa-go/internal/infra/cache"
)

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	c.Set("users/u1", "value1")
	val, ok := c.Get("users/u1")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "value1" {
		t.Errorf("expected 'value1', got '%s'", val)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := cache.New[string](50 * time.Millisecond)
	defer c.Close()

	c.Set("key1", "value1")
	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected cache entry to be expired")
	}
}

func TestCache_DeletePrefix(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	c.Set("users/u1", "a")
	c.Set("users/u1/sales/s1", "b")
	c.Set("users/u2", "c")

	c.DeletePrefix("users/u1")

	if _, ok := c.Get("users/u1"); ok {
		t.Error("expected users/u1 to be removed")
	}
	if _, ok := c.Get("users/u1/sales/s1"); ok {
		t.Error("expected users/u1/sales/s1 to be removed")
	}
	if _, ok := c.Get("users/u2"); !ok {
		t.Error("expected users/u2 to survive")
	}
}

func TestCache_ZeroTTLStoresNothing(t *testing.T) {
	c := cache.New[string](0)
	defer c.Close()

	c.Set("key1", "value1")
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}
