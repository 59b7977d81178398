// Package sourcing 为会话中的每一行调用以图搜图接口并写入候选。
package sourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relister/internal/model"
	"relister/internal/pkg/fetch"
	"relister/internal/pkg/metrics"
	"relister/internal/pkg/normalize"
	"relister/internal/pkg/notify"
	"relister/internal/pkg/queue"
)

const (
	// DefaultWorkers 是同时进行的上游搜索数。
	DefaultWorkers = 3
	// AutoSelectActor 是自动选择写入的 edited_by。
	AutoSelectActor = "auto"

	statusWriteTimeout = 10 * time.Second
)

// ErrAlreadyRunning 表示该会话已有批处理在进行。
var ErrAlreadyRunning = errors.New("prefetch already running for session")

// Store 是调度器依赖的持久化操作。
type Store interface {
	RowsToProcess(ctx context.Context, sessionID string, onlyIncomplete bool) ([]model.Row, error)
	ReplaceCandidates(ctx context.Context, rowID uint, cands [model.CandidateSlots]model.Candidate, status model.RowStatus) error
	SetStatus(ctx context.Context, rowID uint, status model.RowStatus) error
	AutoSelect(ctx context.Context, rowID uint, idx int, actor string) (bool, error)
	Progress(ctx context.Context, sessionID string) (model.Progress, error)
}

// RunGuard 防止同一会话并发运行。
type RunGuard interface {
	TryAcquire(ctx context.Context, name string) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

// Options 配置 Scheduler。
type Options struct {
	Workers    int
	AutoSelect bool
	Guard      RunGuard
	Progress   ProgressSink
	Notifier   notify.Notifier
}

// RunOptions 是单次运行的参数。
type RunOptions struct {
	// OnlyIncomplete 为 true 时只处理 pending/error 行。
	OnlyIncomplete bool
	// OnProgress 每处理完一行调用一次，done 单调递增；计数只覆盖本次运行的行。
	OnProgress func(done, total int)
}

// Result 是一次运行的统计。
type Result struct {
	SessionID string        `json:"session_id"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Empty     int           `json:"empty"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler 在固定大小的 worker 池上对会话的行执行搜索。
//
// 单行失败不会中断批处理；每行的候选集合整体替换，重复运行是幂等的。
type Scheduler struct {
	store    Store
	searcher Searcher
	logger   *slog.Logger
	opts     Options
}

// NewScheduler 创建调度器。
func NewScheduler(st Store, searcher Searcher, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	metrics.WorkerPoolSize.Set(float64(opts.Workers))
	return &Scheduler{store: st, searcher: searcher, logger: logger, opts: opts}
}

type rowOutcome int

const (
	outcomeReady rowOutcome = iota
	outcomeEmpty
	outcomeFailed
)

// batch 是一次运行的共享状态。
//
// settled 是本次不处理、但已完成的行数；写入进度快照时加到 done 上，
// 快照的 total 因此始终是会话的行数。
type batch struct {
	sessionID string
	total     int
	settled   int
	observer  func(done, total int)

	mu        sync.Mutex // 保证进度回调按 done 递增的顺序到达
	done      atomic.Int64
	succeeded atomic.Int64
	empty     atomic.Int64
	failed    atomic.Int64
}

func (b *batch) sessionTotal() int {
	return b.settled + b.total
}

// Run 处理会话中的行，直到全部完成或 ctx 取消。
//
// 缺少上游凭据时在处理任何行之前返回 ErrMissingCredential。
func (s *Scheduler) Run(ctx context.Context, sessionID string, ro RunOptions) (Result, error) {
	res := Result{SessionID: sessionID}
	if r, ok := s.searcher.(interface{ Ready() error }); ok {
		if err := r.Ready(); err != nil {
			return res, err
		}
	}

	if s.opts.Guard != nil {
		token, ok, err := s.opts.Guard.TryAcquire(ctx, sessionID)
		if err != nil {
			return res, fmt.Errorf("acquire run guard: %w", err)
		}
		if !ok {
			metrics.PrefetchDuplicatePreventedTotal.Inc()
			return res, ErrAlreadyRunning
		}
		defer func() {
			if err := s.opts.Guard.Release(context.WithoutCancel(ctx), sessionID, token); err != nil {
				s.logger.Warn("release run guard failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			}
		}()
	}

	rows, err := s.store.RowsToProcess(ctx, sessionID, ro.OnlyIncomplete)
	if err != nil {
		return res, fmt.Errorf("load rows: %w", err)
	}

	b := &batch{sessionID: sessionID, total: len(rows), observer: ro.OnProgress}
	res.Total = b.total
	start := time.Now()

	if s.opts.Progress != nil {
		if ro.OnlyIncomplete {
			if p, err := s.store.Progress(ctx, sessionID); err != nil {
				s.logger.Warn("load session progress failed", slog.String("error", err.Error()))
			} else if n := int(p.Total) - len(rows); n > 0 {
				b.settled = n
			}
		}
		if err := s.opts.Progress.Start(ctx, sessionID, b.settled, b.sessionTotal()); err != nil {
			s.logger.Warn("progress start failed", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("prefetch started",
		slog.String("session_id", sessionID),
		slog.Int("rows", b.total),
		slog.Int("workers", s.opts.Workers))

	jobs := make([]queue.Job, 0, len(rows))
	for i := range rows {
		row := rows[i]
		jobs = append(jobs, func(ctx context.Context) error {
			outcome := outcomeFailed
			defer func() { s.advance(ctx, b, outcome) }()
			outcome = s.processRow(ctx, row)
			return nil
		})
	}
	_, runErr := queue.RunAll(ctx, s.logger, s.opts.Workers, jobs)

	res.Processed = int(b.done.Load())
	res.Succeeded = int(b.succeeded.Load())
	res.Empty = int(b.empty.Load())
	res.Failed = int(b.failed.Load())
	res.Duration = time.Since(start)
	metrics.BatchDuration.Observe(res.Duration.Seconds())

	if s.opts.Progress != nil {
		if err := s.opts.Progress.Finish(context.WithoutCancel(ctx), sessionID); err != nil {
			s.logger.Warn("progress finish failed", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("prefetch finished",
		slog.String("session_id", sessionID),
		slog.Int("total", res.Total),
		slog.Int("processed", res.Processed),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("empty", res.Empty),
		slog.Int("failed", res.Failed),
		slog.String("duration", res.Duration.String()))

	if runErr != nil {
		return res, fmt.Errorf("prefetch interrupted: %w", runErr)
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("prefetch interrupted: %w", err)
	}

	if err := s.opts.Notifier.BatchCompleted(ctx, notify.BatchSummary{
		SessionID: sessionID,
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Empty:     res.Empty,
		Failed:    res.Failed,
		Duration:  res.Duration,
	}); err != nil {
		s.logger.Warn("batch notification failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	return res, nil
}

// processRow 搜索一行并写回结果。候选只在搜索成功时替换。
func (s *Scheduler) processRow(ctx context.Context, row model.Row) rowOutcome {
	log := s.logger.With(slog.String("session_id", row.SessionID), slog.Uint64("row_id", uint64(row.RowID)))

	if strings.TrimSpace(row.SrcImageURL) == "" {
		log.Warn("row has no source image")
		s.markError(ctx, row.RowID, log)
		return outcomeFailed
	}

	cands, err := s.searcher.Search(ctx, row.SrcImageURL)
	if err != nil {
		log.Warn("search failed",
			slog.String("class", fetch.Classify(err).String()),
			slog.Int("status", fetch.StatusCode(err)),
			slog.String("error", err.Error()))
		s.markError(ctx, row.RowID, log)
		return outcomeFailed
	}

	status := model.RowStatusEmpty
	for _, c := range cands {
		if !c.IsEmpty() {
			status = model.RowStatusReady
			break
		}
	}
	if err := s.store.ReplaceCandidates(ctx, row.RowID, cands, status); err != nil {
		log.Error("replace candidates failed", slog.String("error", err.Error()))
		s.markError(ctx, row.RowID, log)
		return outcomeFailed
	}

	if status == model.RowStatusEmpty {
		return outcomeEmpty
	}
	if s.opts.AutoSelect {
		s.autoSelect(ctx, row.RowID, cands, log)
	}
	return outcomeReady
}

func (s *Scheduler) autoSelect(ctx context.Context, rowID uint, cands [model.CandidateSlots]model.Candidate, log *slog.Logger) {
	idx := normalize.BestBySales(cands[:])
	if idx == nil {
		return
	}
	ok, err := s.store.AutoSelect(ctx, rowID, *idx, AutoSelectActor)
	if err != nil {
		log.Warn("auto select failed", slog.String("error", err.Error()))
		return
	}
	if ok {
		log.Debug("auto selected candidate", slog.Int("idx", *idx))
	}
}

// markError 在调用方取消后仍尽量写入 error 状态。
func (s *Scheduler) markError(ctx context.Context, rowID uint, log *slog.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := s.store.SetStatus(wctx, rowID, model.RowStatusError); err != nil {
		log.Error("mark row error failed", slog.String("error", err.Error()))
	}
}

// advance 每行恰好调用一次。
func (s *Scheduler) advance(ctx context.Context, b *batch, outcome rowOutcome) {
	switch outcome {
	case outcomeReady:
		b.succeeded.Add(1)
		metrics.RowsProcessedTotal.WithLabelValues(string(model.RowStatusReady)).Inc()
	case outcomeEmpty:
		b.empty.Add(1)
		metrics.RowsProcessedTotal.WithLabelValues(string(model.RowStatusEmpty)).Inc()
	default:
		b.failed.Add(1)
		metrics.RowsProcessedTotal.WithLabelValues(string(model.RowStatusError)).Inc()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	done := int(b.done.Add(1))
	if s.opts.Progress != nil {
		if err := s.opts.Progress.Advance(context.WithoutCancel(ctx), b.sessionID, b.settled+done, b.sessionTotal()); err != nil {
			s.logger.Debug("progress advance failed", slog.String("error", err.Error()))
		}
	}
	if b.observer != nil {
		b.observer(done, b.total)
	}
}
