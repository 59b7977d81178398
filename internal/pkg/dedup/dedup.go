// Package dedup 防止同一会话的批处理被并发启动。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relister:inflight:"

// releaseScript 仅当 key 仍归属于调用者时删除。
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Guard 是带 TTL 的互斥标记；rdb 为 nil 时退化为进程内 map。
//
// TTL 用于兜底进程崩溃后遗留的标记，应大于一次批处理的最长耗时。
type Guard struct {
	rdb *redis.Client
	ttl time.Duration

	mu    sync.Mutex
	local map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewGuard 创建 Guard，ttl 默认 1 小时。
func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Guard{
		rdb:   rdb,
		ttl:   ttl,
		local: make(map[string]localEntry),
	}
}

// TryAcquire 尝试占用 name。ok=false 表示已有进行中的批处理；token 用于 Release。
func (g *Guard) TryAcquire(ctx context.Context, name string) (token string, ok bool, err error) {
	if name == "" {
		return "", false, fmt.Errorf("dedup: empty name")
	}
	token = uuid.NewString()
	if g.rdb == nil {
		return token, g.acquireLocal(name, token), nil
	}
	ok, err = g.rdb.SetNX(ctx, key(name), token, g.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedup setnx: %w", err)
	}
	return token, ok, nil
}

// Release 释放 name；token 不匹配（已过期被他人占用）时什么也不做。
func (g *Guard) Release(ctx context.Context, name, token string) error {
	if g.rdb == nil {
		g.mu.Lock()
		if e, ok := g.local[name]; ok && e.token == token {
			delete(g.local, name)
		}
		g.mu.Unlock()
		return nil
	}
	if err := releaseScript.Run(ctx, g.rdb, []string{key(name)}, token).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

// Held 返回 name 当前是否被占用。
func (g *Guard) Held(ctx context.Context, name string) (bool, error) {
	if g.rdb == nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		e, ok := g.local[name]
		return ok && time.Now().Before(e.expires), nil
	}
	n, err := g.rdb.Exists(ctx, key(name)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

func (g *Guard) acquireLocal(name, token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if e, ok := g.local[name]; ok && now.Before(e.expires) {
		return false
	}
	g.local[name] = localEntry{token: token, expires: now.Add(g.ttl)}
	return true
}

func key(name string) string {
	sum := sha256.Sum256([]byte(name))
	return keyPrefix + hex.EncodeToString(sum[:])
}
