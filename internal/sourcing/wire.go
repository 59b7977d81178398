package sourcing

import (
	"log/slog"

	"relister/internal/config"
	"relister/internal/pkg/fetch"
	"relister/internal/pkg/ratelimit"

	"github.com/redis/go-redis/v9"
)

// NewConfiguredSearchClient 按配置创建搜索客户端。配置了速率时，有 Redis 则所有进程
// 共享同一个令牌桶，否则只在本进程内限流。
func NewConfiguredSearchClient(cfg *config.UpstreamConfig, logger *slog.Logger, rdb *redis.Client) *SearchClient {
	var opts []fetch.Option
	switch {
	case cfg.RateLimit <= 0:
	case rdb != nil:
		opts = append(opts, fetch.WithLimiter(ratelimit.NewShared(rdb, logger, ratelimit.DefaultKey, cfg.RateLimit, cfg.RateBurst)))
	default:
		opts = append(opts, fetch.WithLimiter(ratelimit.NewLocal(cfg.RateLimit, int(cfg.RateBurst))))
	}
	policy := fetch.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		Jitter:      cfg.Jitter,
		Timeout:     cfg.Timeout,
	}
	return NewSearchClient(fetch.NewClient(logger, opts...), policy, cfg.Host, cfg.APIKey)
}
