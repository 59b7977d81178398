package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const activeKeyPrefix = "relister:active:"

// ActiveKey 返回会话在线操作员的 ZSET key。
func ActiveKey(sessionID string) string {
	return activeKeyPrefix + sessionID
}

// ActivityMiddleware 记录操作员最近一次请求的时间，供 UI 显示同一批次里还有谁在工作。
func ActivityMiddleware(rdb *redis.Client, ttl time.Duration) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return func(c *gin.Context) {
		sessionID := SessionID(c)
		actor := Actor(c)
		if rdb == nil || sessionID == "" || actor == "" {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		key := ActiveKey(sessionID)
		pipe := rdb.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().Unix()), Member: actor})
		pipe.Expire(ctx, key, ttl)
		_, _ = pipe.Exec(ctx)

		c.Next()
	}
}

// ActiveOperators 返回 ttl 内有请求的操作员，并清理过期成员。
func ActiveOperators(ctx context.Context, rdb *redis.Client, sessionID string, ttl time.Duration) ([]string, error) {
	if rdb == nil {
		return nil, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	key := ActiveKey(sessionID)
	cutoff := time.Now().Add(-ttl).Unix()
	if err := rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, err
	}
	return rdb.ZRange(ctx, key, 0, -1).Result()
}
