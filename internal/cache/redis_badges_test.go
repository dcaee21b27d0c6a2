package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisBadges, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	cache, err := NewRedisBadges("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create badge cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache, s
}

func TestNewRedisBadgesRejectsBadURL(t *testing.T) {
	if _, err := NewRedisBadges("not a url", time.Minute); err == nil {
		t.Fatal("expected an error for an invalid redis url")
	}
}

func TestStoreAndLoad(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()

	if _, ok, err := cache.Load(ctx, "u-1:reviewer:true:false"); err != nil || ok {
		t.Fatalf("expected a miss, got ok=%v err=%v", ok, err)
	}
	if err := cache.Store(ctx, "u-1:reviewer:true:false", []byte(`{"pendingQc":2}`)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	value, ok, err := cache.Load(ctx, "u-1:reviewer:true:false")
	if err != nil || !ok {
		t.Fatalf("expected a hit, got ok=%v err=%v", ok, err)
	}
	if string(value) != `{"pendingQc":2}` {
		t.Errorf("unexpected value %s", value)
	}
}

func TestInvalidateDropsEveryEntry(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()

	for _, key := range []string{"u-1", "u-2"} {
		if err := cache.Store(ctx, key, []byte("{}")); err != nil {
			t.Fatalf("Store(%s) failed: %v", key, err)
		}
	}
	if err := cache.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	for _, key := range []string{"u-1", "u-2"} {
		if _, ok, err := cache.Load(ctx, key); err != nil || ok {
			t.Errorf("expected %s to be invalidated, got ok=%v err=%v", key, ok, err)
		}
	}

	if err := cache.Store(ctx, "u-1", []byte(`{"unread":1}`)); err != nil {
		t.Fatalf("Store after invalidate failed: %v", err)
	}
	if value, ok, _ := cache.Load(ctx, "u-1"); !ok || string(value) != `{"unread":1}` {
		t.Errorf("expected fresh entry, got %s ok=%v", value, ok)
	}
}

func TestEntriesExpire(t *testing.T) {
	cache, s := setupTestRedis(t)
	ctx := context.Background()

	if err := cache.Store(ctx, "u-1", []byte("{}")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	s.FastForward(2 * time.Minute)
	if _, ok, err := cache.Load(ctx, "u-1"); err != nil || ok {
		t.Errorf("expected the entry to expire, got ok=%v err=%v", ok, err)
	}
}

func TestLoadFailsWhenRedisIsDown(t *testing.T) {
	cache, s := setupTestRedis(t)
	s.Close()

	if _, _, err := cache.Load(context.Background(), "u-1"); err == nil {
		t.Fatal("expected an error when redis is unavailable")
	}
}
