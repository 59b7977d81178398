// Package jobqueue 是 API 进程与 sourcer 进程之间的 Redis 预取作业队列。
//
// 作业以 JSON 形式存放在 List 中，BRPOPLPUSH 把弹出的作业移动到 processing 列表，
// 处理完成后 Ack 删除；sourcer 崩溃留下的作业由 RescueStuck 重新入队。
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"relister/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	KeyPending    = "relister:jobs:prefetch"
	KeyProcessing = "relister:jobs:prefetch:processing"
	KeySessions   = "relister:jobs:prefetch:sessions" // 已排队会话集合，用于去重
	KeyStarted    = "relister:jobs:prefetch:started"  // job_id -> 开始处理的 unix 时间
)

var (
	ErrNoJob     = errors.New("no job available")
	ErrJobExists = errors.New("prefetch already queued for session")
)

// Job 是一次会话预取请求。
type Job struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// OnlyIncomplete 为 true 时跳过已有候选的行（用于中断后续跑）。
	OnlyIncomplete bool  `json:"only_incomplete,omitempty"`
	CreatedAt      int64 `json:"created_at"`
}

// NewJob 创建带随机 ID 的作业。
func NewJob(sessionID string, onlyIncomplete bool) *Job {
	return &Job{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		OnlyIncomplete: onlyIncomplete,
		CreatedAt:      time.Now().Unix(),
	}
}

// Client 封装作业队列的 Redis 操作。
type Client struct {
	rdb *redis.Client
}

// NewClient 基于已有的 redis.Client 创建队列客户端。
func NewClient(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// pushScript 原子执行 SADD + LPUSH。
// KEYS[1] = sessions set, KEYS[2] = pending list
// ARGV[1] = session_id, ARGV[2] = job JSON
var pushScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// Push 入队；同一会话已有作业在队列或处理中时返回 ErrJobExists。
func (c *Client) Push(ctx context.Context, job *Job) error {
	if job == nil || job.SessionID == "" {
		return errors.New("job session id is empty")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	res, err := pushScript.Run(ctx, c.rdb, []string{KeySessions, KeyPending}, job.SessionID, string(data)).Int()
	if err != nil {
		return fmt.Errorf("push job script: %w", err)
	}
	if res == 0 {
		metrics.JobsTotal.WithLabelValues("skipped").Inc()
		metrics.PrefetchDuplicatePreventedTotal.Inc()
		return ErrJobExists
	}
	metrics.JobsTotal.WithLabelValues("pushed").Inc()
	return nil
}

// Pop 阻塞等待作业，最多 timeout；没有作业时返回 ErrNoJob。
func (c *Client) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	raw, err := c.rdb.BRPopLPush(ctx, KeyPending, KeyProcessing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 无法解析的作业直接丢弃，避免反复阻塞队列
		c.rdb.LRem(ctx, KeyProcessing, 1, raw)
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	c.rdb.HSet(ctx, KeyStarted, job.ID, time.Now().Unix())
	metrics.JobsTotal.WithLabelValues("popped").Inc()
	return &job, nil
}

// ackScript 从 processing 列表删除匹配 job_id 的作业并清理索引。
// KEYS[1] = processing, KEYS[2] = sessions, KEYS[3] = started
// ARGV[1] = job_id, ARGV[2] = session_id
var ackScript = redis.NewScript(`
	local items = redis.call('LRANGE', KEYS[1], 0, -1)
	local removed = 0
	for _, item in ipairs(items) do
		if string.find(item, '"id":"' .. ARGV[1] .. '"', 1, true) then
			redis.call('LREM', KEYS[1], 1, item)
			removed = 1
			break
		end
	end
	redis.call('SREM', KEYS[2], ARGV[2])
	redis.call('HDEL', KEYS[3], ARGV[1])
	return removed
`)

// Ack 标记作业完成，之后同一会话可以再次入队。
func (c *Client) Ack(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is empty")
	}
	if _, err := ackScript.Run(ctx, c.rdb, []string{KeyProcessing, KeySessions, KeyStarted}, job.ID, job.SessionID).Int(); err != nil {
		return fmt.Errorf("ack job script: %w", err)
	}
	metrics.JobsTotal.WithLabelValues("acked").Inc()
	return nil
}

// rescueScript 只有 LREM 成功时才重新 LPUSH，多个 sourcer 同时执行也不会重复入队。
// KEYS[1] = processing, KEYS[2] = pending, KEYS[3] = started
// ARGV[1] = job JSON, ARGV[2] = job_id
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuck 把处理超过 timeout 的作业放回待处理队列。
func (c *Client) RescueStuck(ctx context.Context, timeout time.Duration) (int, error) {
	started, err := c.rdb.HGetAll(ctx, KeyStarted).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}
	items, err := c.rdb.LRange(ctx, KeyProcessing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0
	for _, raw := range items {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil || job.ID == "" {
			continue
		}
		since := job.CreatedAt
		if s, ok := started[job.ID]; ok {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				since = v
			}
		}
		if since == 0 || now-since <= threshold {
			continue
		}
		res, err := rescueScript.Run(ctx, c.rdb, []string{KeyProcessing, KeyPending, KeyStarted}, raw, job.ID).Int()
		if err != nil {
			continue
		}
		if res == 1 {
			rescued++
		}
	}
	if rescued > 0 {
		metrics.JobsTotal.WithLabelValues("rescued").Add(float64(rescued))
	}
	return rescued, nil
}

// Depth 返回待处理与处理中的作业数量，并同步到指标。
func (c *Client) Depth(ctx context.Context) (pending, processing int64, err error) {
	pending, err = c.rdb.LLen(ctx, KeyPending).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen pending: %w", err)
	}
	processing, err = c.rdb.LLen(ctx, KeyProcessing).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	metrics.JobQueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.JobQueueDepth.WithLabelValues("processing").Set(float64(processing))
	return pending, processing, nil
}

// Queued 返回会话是否已有作业在排队或处理中。
func (c *Client) Queued(ctx context.Context, sessionID string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, KeySessions, sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("sismember sessions: %w", err)
	}
	return ok, nil
}
