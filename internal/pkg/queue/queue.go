// Package queue 提供有界 worker 池：批处理按行提交，同时执行的任务数不超过 worker 数。
package queue

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed 在池关闭后提交任务时返回。
var ErrPoolClosed = errors.New("pool is closed")

// Job 是一个任务。任务自己观察 ctx；返回的错误只计入统计，不会中断其它任务。
type Job func(ctx context.Context) error

// Stats 是池的统计快照。
type Stats struct {
	Submitted  int64
	Processed  int64
	Succeeded  int64
	Failed     int64
	Panics     int64
	PeakActive int64 // 观察到的最大并发
}

// Pool 是固定数量的 worker 与容量等于 worker 数的任务通道。
//
// Submit 在通道满时阻塞，因此排队加执行中的任务最多 2*workers，
// 大批量的行不会一次性占用内存。
type Pool struct {
	logger  *slog.Logger
	workers int
	jobs    chan Job

	mu     sync.RWMutex // 保护 closed 与通道关闭的先后
	closed bool
	wg     sync.WaitGroup

	submitted  atomic.Int64
	processed  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	panics     atomic.Int64
	active     atomic.Int64
	peakActive atomic.Int64
}

// New 创建并启动 worker 池；workers 至少为 1。ctx 取消后 worker 不再领取新任务。
func New(ctx context.Context, logger *slog.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, workers),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		// 优先响应取消，避免 select 随机选中已排队的任务
		if ctx.Err() != nil {
			p.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		}
		select {
		case <-ctx.Done():
			p.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(ctx, job, id)
		}
	}
}

// execute 执行单个任务；panic 被恢复并计为失败，worker 继续运行。
func (p *Pool) execute(ctx context.Context, job Job, workerID int) {
	active := p.active.Add(1)
	for {
		peak := p.peakActive.Load()
		if active <= peak || p.peakActive.CompareAndSwap(peak, active) {
			break
		}
	}
	defer p.active.Add(-1)
	defer p.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := job(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
		return
	}
	p.succeeded.Add(1)
}

// Submit 阻塞直到任务进入通道、ctx 结束或池已关闭。
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收任务并等待 worker 退出。可重复调用。
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats 返回统计快照。
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Succeeded:  p.succeeded.Load(),
		Failed:     p.failed.Load(),
		Panics:     p.panics.Load(),
		PeakActive: p.peakActive.Load(),
	}
}

// RunAll 用 workers 个 worker 执行全部任务并等待结束。
//
// ctx 取消后停止提交；已开始的任务由其自身观察 ctx，返回 ctx.Err()。
func RunAll(ctx context.Context, logger *slog.Logger, workers int, jobs []Job) (Stats, error) {
	p := New(ctx, logger, workers)
	var submitErr error
	for _, job := range jobs {
		if err := p.Submit(ctx, job); err != nil {
			submitErr = err
			break
		}
	}
	p.Close()
	return p.Stats(), submitErr
}
