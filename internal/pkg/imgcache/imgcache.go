// Package imgcache 缓存代理过的图片，按 URL 的 sha256 寻址。
package imgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"relister/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relister:img:"

// ErrMiss 表示缓存未命中。
var ErrMiss = errors.New("image cache miss")

// Entry 是一条缓存的图片。
type Entry struct {
	ContentType string
	Body        []byte
}

// Cache 图片缓存接口。
type Cache interface {
	Get(ctx context.Context, url string) (*Entry, error)
	Put(ctx context.Context, url string, e *Entry) error
	Evict(ctx context.Context, url string) error
}

// Nop 不缓存任何内容。
type Nop struct{}

func (Nop) Get(context.Context, string) (*Entry, error) { return nil, ErrMiss }
func (Nop) Put(context.Context, string, *Entry) error   { return nil }
func (Nop) Evict(context.Context, string) error         { return nil }

// RedisCache 把图片存为 Redis Hash（ct, body），带 TTL。
type RedisCache struct {
	rdb      *redis.Client
	ttl      time.Duration
	maxBytes int64
}

// NewRedisCache 创建 Redis 缓存；超过 maxBytes 的图片不写入。
func NewRedisCache(rdb *redis.Client, ttl time.Duration, maxBytes int64) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl, maxBytes: maxBytes}
}

// Get 读取缓存，未命中返回 ErrMiss。
func (c *RedisCache) Get(ctx context.Context, url string) (*Entry, error) {
	vals, err := c.rdb.HGetAll(ctx, Key(url)).Result()
	if err != nil {
		metrics.ImageCacheTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("imgcache get: %w", err)
	}
	body, ok := vals["body"]
	if !ok {
		metrics.ImageCacheTotal.WithLabelValues("miss").Inc()
		return nil, ErrMiss
	}
	metrics.ImageCacheTotal.WithLabelValues("hit").Inc()
	return &Entry{ContentType: vals["ct"], Body: []byte(body)}, nil
}

// Put 写入缓存。
func (c *RedisCache) Put(ctx context.Context, url string, e *Entry) error {
	if e == nil || len(e.Body) == 0 {
		return nil
	}
	if c.maxBytes > 0 && int64(len(e.Body)) > c.maxBytes {
		metrics.ImageCacheTotal.WithLabelValues("too_large").Inc()
		return nil
	}
	key := Key(url)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "ct", e.ContentType, "body", e.Body)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("imgcache put: %w", err)
	}
	return nil
}

// Evict 删除缓存。
func (c *RedisCache) Evict(ctx context.Context, url string) error {
	if err := c.rdb.Del(ctx, Key(url)).Err(); err != nil {
		return fmt.Errorf("imgcache evict: %w", err)
	}
	return nil
}

// Key 返回 url 对应的缓存 key。
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return keyPrefix + hex.EncodeToString(sum[:])
}
