package sourcing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"relister/internal/model"

	"github.com/redis/go-redis/v9"
)

const progressKeyPrefix = "relister:progress:"

// ProgressSink 接收批处理进度，用于跨进程展示实时计数。
type ProgressSink interface {
	Start(ctx context.Context, sessionID string, done, total int) error
	Advance(ctx context.Context, sessionID string, done, total int) error
	Finish(ctx context.Context, sessionID string) error
}

// Snapshot 是 Redis 中保存的实时进度。
type Snapshot struct {
	model.Progress
	Running   bool      `json:"running"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedisProgress 把进度写入 Hash relister:progress:<session>。
type RedisProgress struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisProgress 创建进度镜像；ttl 为批处理结束后保留快照的时间。
func NewRedisProgress(rdb *redis.Client, ttl time.Duration) *RedisProgress {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisProgress{rdb: rdb, ttl: ttl}
}

// ProgressKey 返回会话的进度 key。
func ProgressKey(sessionID string) string {
	return progressKeyPrefix + sessionID
}

func (p *RedisProgress) write(ctx context.Context, sessionID string, fields ...any) error {
	key := ProgressKey(sessionID)
	fields = append(fields, "updated_at", time.Now().Unix())
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

// Start 开始一次运行；done 是运行前已完成的行数。
func (p *RedisProgress) Start(ctx context.Context, sessionID string, done, total int) error {
	return p.write(ctx, sessionID, "total", total, "done", done, "running", 1)
}

func (p *RedisProgress) Advance(ctx context.Context, sessionID string, done, total int) error {
	return p.write(ctx, sessionID, "total", total, "done", done)
}

func (p *RedisProgress) Finish(ctx context.Context, sessionID string) error {
	return p.write(ctx, sessionID, "running", 0)
}

// Get 读取快照；没有快照时 ok=false。
func (p *RedisProgress) Get(ctx context.Context, sessionID string) (snap Snapshot, ok bool, err error) {
	vals, err := p.rdb.HGetAll(ctx, ProgressKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read progress: %w", err)
	}
	total, _ := strconv.ParseInt(vals["total"], 10, 64)
	done, _ := strconv.ParseInt(vals["done"], 10, 64)
	updated, _ := strconv.ParseInt(vals["updated_at"], 10, 64)
	return Snapshot{
		Progress:  model.NewProgress(total, done),
		Running:   vals["running"] == "1",
		UpdatedAt: time.Unix(updated, 0),
	}, true, nil
}
