package imgcache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, maxBytes int64) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCache(rdb, time.Minute, maxBytes), mr
}

func TestRedisCache_RoundTripAndTTL(t *testing.T) {
	c, mr := newTestCache(t, 1024)
	ctx := context.Background()
	url := "https://img.alicdn.com/bao/uploaded/i1/abc.jpg"

	if _, err := c.Get(ctx, url); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}

	body := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}
	if err := c.Put(ctx, url, &Entry{ContentType: "image/jpeg", Body: body}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Get(ctx, url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentType != "image/jpeg" || !bytes.Equal(got.Body, body) {
		t.Fatalf("unexpected entry %+v", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, url); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestRedisCache_SkipsLargeAndEvicts(t *testing.T) {
	c, _ := newTestCache(t, 4)
	ctx := context.Background()

	if err := c.Put(ctx, "big", &Entry{ContentType: "image/png", Body: []byte("12345")}); err != nil {
		t.Fatalf("put big: %v", err)
	}
	if _, err := c.Get(ctx, "big"); !errors.Is(err, ErrMiss) {
		t.Fatalf("oversized image must not be cached")
	}

	if err := c.Put(ctx, "small", &Entry{ContentType: "image/png", Body: []byte("123")}); err != nil {
		t.Fatalf("put small: %v", err)
	}
	if err := c.Evict(ctx, "small"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if _, err := c.Get(ctx, "small"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after evict")
	}
}

func TestKeyIsStable(t *testing.T) {
	if Key("a") != Key("a") || Key("a") == Key("b") {
		t.Fatalf("key must be deterministic and distinct")
	}
}
