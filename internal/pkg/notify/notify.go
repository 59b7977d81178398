package notify

import (
	"context"
	"time"
)

// BatchSummary 是一次会话预取结束时的统计。
type BatchSummary struct {
	SessionID string
	Total     int
	Succeeded int
	Empty     int
	Failed    int
	Duration  time.Duration
}

// Notifier 定义批处理完成通知接口。
type Notifier interface {
	BatchCompleted(ctx context.Context, summary BatchSummary) error
}

// Nop 不发送任何通知。
type Nop struct{}

func (Nop) BatchCompleted(context.Context, BatchSummary) error { return nil }
