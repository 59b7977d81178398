// Package ratelimit 为出站调用提供令牌桶：跨进程共享的 Redis 桶与进程内的本地桶。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"relister/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimitTimeout 在等待令牌期间调用方上下文结束时返回。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// DefaultKey 是上游搜索接口共享令牌桶的 Redis key。
const DefaultKey = "relister:ratelimit:upstream"

// Limiter 是令牌获取接口，fetch.Client 在每次尝试前调用。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// takeScript 按毫秒时间戳补充令牌后尝试取走 ARGV[4] 个。
// 返回 {1, 0} 表示成功，{0, wait_ms} 表示还需等待的毫秒数。
// KEYS[1] = bucket; ARGV = rate/s, burst, now_ms, cost
var takeScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / 1000.0)
end

local wait = 0
if tokens >= cost then
  tokens = tokens - cost
else
  wait = math.ceil((cost - tokens) * 1000.0 / rate)
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(math.max(now, ts)))
redis.call("PEXPIRE", KEYS[1], math.ceil(burst / rate * 2000))
if wait == 0 then
  return {1, 0}
end
return {0, wait}
`)

// Shared 是 API 与 sourcer 共享的 Redis 令牌桶。
//
// Redis 不可用时退化为同速率的本地桶，单进程仍受限；恢复后自动切回。
type Shared struct {
	rdb      *redis.Client
	key      string
	rate     float64
	burst    float64
	logger   *slog.Logger
	fallback *Local
	degraded atomic.Bool
}

// NewShared 创建共享令牌桶；rate 不大于 0 时不限流，burst 不大于 0 时取 1。
func NewShared(rdb *redis.Client, logger *slog.Logger, key string, perSecond, burst float64) *Shared {
	if key == "" {
		key = DefaultKey
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shared{
		rdb:      rdb,
		key:      key,
		rate:     perSecond,
		burst:    burst,
		logger:   logger,
		fallback: NewLocal(perSecond, int(math.Max(1, burst))),
	}
}

// Acquire 阻塞直到获得一个令牌或 ctx 结束（返回 ErrRateLimitTimeout）。
func (s *Shared) Acquire(ctx context.Context) error {
	if s == nil || s.rate <= 0 {
		return nil
	}
	start := time.Now()
	for {
		wait, err := s.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				metrics.RateLimitTimeoutTotal.Inc()
				return ErrRateLimitTimeout
			}
			if s.degraded.CompareAndSwap(false, true) {
				s.logger.Warn("shared rate limiter unavailable, using local bucket",
					slog.String("key", s.key),
					slog.String("error", err.Error()))
			}
			return s.fallback.Acquire(ctx)
		}
		if s.degraded.CompareAndSwap(true, false) {
			s.logger.Info("shared rate limiter recovered", slog.String("key", s.key))
		}
		if wait == 0 {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		// 抖动避免多个等待者同时醒来再次争抢
		wait += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

// take 返回 0 表示已取得令牌，否则返回建议等待时长。
func (s *Shared) take(ctx context.Context) (time.Duration, error) {
	res, err := takeScript.Run(ctx, s.rdb, []string{s.key}, s.rate, s.burst, time.Now().UnixMilli(), 1).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("ratelimit take: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("ratelimit take: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return 0, nil
	}
	wait := time.Duration(res[1]) * time.Millisecond
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}
	return wait, nil
}
