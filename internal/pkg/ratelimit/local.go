package ratelimit

import (
	"context"
	"time"

	"relister/internal/pkg/metrics"

	"golang.org/x/time/rate"
)

// Local 是进程内令牌桶，用于不需要跨进程共享配额的出站调用（如公共图片代理）。
type Local struct {
	limiter *rate.Limiter
}

// NewLocal 创建进程内限流器；perSecond 不大于 0 时不限流。
func NewLocal(perSecond float64, burst int) *Local {
	if perSecond <= 0 {
		return &Local{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Local{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Acquire 阻塞直到获得令牌或 ctx 结束。
func (l *Local) Acquire(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	start := time.Now()
	err := l.limiter.Wait(ctx)
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RateLimitTimeoutTotal.Inc()
		return ErrRateLimitTimeout
	}
	return nil
}
