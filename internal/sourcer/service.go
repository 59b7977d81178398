// Package sourcer 是独立的预取进程：从 Redis 队列领取会话作业并运行调度器。
package sourcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"relister/internal/config"
	"relister/internal/pkg/dedup"
	"relister/internal/pkg/jobqueue"
	"relister/internal/pkg/notify"
	"relister/internal/sourcing"
	"relister/internal/store"

	"github.com/redis/go-redis/v9"
)

const (
	redisOperationTimeout = 5 * time.Second
	stuckJobCheckInterval = time.Minute
	depthReportInterval   = 15 * time.Second
	defaultPopTimeout     = 2 * time.Second
	defaultRescueAfter    = 30 * time.Minute
)

// Service 持有 sourcer 进程的依赖。
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	rdb    *redis.Client
	jobs   *jobqueue.Client
	sched  *sourcing.Scheduler

	// 同时处理的会话数；每个会话内部还有 worker 池
	sessionSlots int

	wg       sync.WaitGroup // 后台任务
	jobWG    sync.WaitGroup // 进行中的作业
	bgCancel context.CancelFunc
	stats    struct {
		JobsProcessed atomic.Int64
		JobsFailed    atomic.Int64
		JobsSkipped   atomic.Int64
		TotalPanics   atomic.Int64
	}
}

// Stats 是 sourcer 的统计快照。
type Stats struct {
	JobsProcessed int64
	JobsFailed    int64
	JobsSkipped   int64
	TotalPanics   int64
}

// Deps 是 Service 的外部依赖。
type Deps struct {
	Store    *store.Store
	Redis    *redis.Client
	Searcher sourcing.Searcher
	Notifier notify.Notifier
}

// NewService 按配置连接 MySQL 与 Redis 并创建 sourcer。
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	st, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(cfg, logger, Deps{
		Store:    st,
		Redis:    rdb,
		Searcher: sourcing.NewConfiguredSearchClient(&cfg.Upstream, logger, rdb),
		Notifier: notify.NewEmailNotifier(&cfg.Email, logger),
	})
}

// New 用给定依赖创建 Service。
func New(cfg *config.Config, logger *slog.Logger, deps Deps) (*Service, error) {
	jobs, err := jobqueue.NewClient(deps.Redis)
	if err != nil {
		return nil, err
	}
	progress := sourcing.NewRedisProgress(deps.Redis, cfg.App.RunGuardTTL)
	sched := sourcing.NewScheduler(deps.Store, deps.Searcher, logger, sourcing.Options{
		Workers:    cfg.Upstream.Workers,
		AutoSelect: cfg.App.AutoSelect,
		Guard:      dedup.NewGuard(deps.Redis, cfg.App.RunGuardTTL),
		Progress:   progress,
		Notifier:   deps.Notifier,
	})
	return &Service{
		cfg:          cfg,
		logger:       logger,
		store:        deps.Store,
		rdb:          deps.Redis,
		jobs:         jobs,
		sched:        sched,
		sessionSlots: 1,
	}, nil
}

// StartBackground 启动卡住作业的回收与队列深度上报。
func (s *Service) StartBackground(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	s.bgCancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJanitor(bgCtx)
	}()
}

// runJanitor 定期把处理超时的作业放回队列（进程崩溃后留下的）。
func (s *Service) runJanitor(ctx context.Context) {
	rescueAfter := s.cfg.App.JobRescueAfter
	if rescueAfter <= 0 {
		rescueAfter = defaultRescueAfter
	}
	rescue := time.NewTicker(stuckJobCheckInterval)
	defer rescue.Stop()
	depth := time.NewTicker(depthReportInterval)
	defer depth.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rescue.C:
			opCtx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
			count, err := s.jobs.RescueStuck(opCtx, rescueAfter)
			cancel()
			if err != nil {
				s.logger.Warn("failed to rescue stuck jobs", slog.String("error", err.Error()))
			} else if count > 0 {
				s.logger.Info("rescued stuck jobs", slog.Int("count", count))
			}
		case <-depth.C:
			opCtx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
			if _, _, err := s.jobs.Depth(opCtx); err != nil {
				s.logger.Debug("report queue depth failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// StartWorker 循环领取作业直到 ctx 取消。
//
// 先占用会话槽位再领取作业，处理不过来时不从 Redis 拉取。
func (s *Service) StartWorker(ctx context.Context) error {
	popTimeout := s.cfg.App.JobPopTimeout
	if popTimeout <= 0 {
		popTimeout = defaultPopTimeout
	}
	sem := make(chan struct{}, s.sessionSlots)
	s.logger.Info("sourcer worker started", slog.Int("session_slots", s.sessionSlots))

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.jobWG.Wait()
			return ctx.Err()
		}

		job, err := s.jobs.Pop(ctx, popTimeout)
		if err != nil {
			<-sem
			if errors.Is(err, jobqueue.ErrNoJob) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("worker loop stopped")
				s.jobWG.Wait()
				return err
			}
			s.logger.Error("pop prefetch job failed", slog.String("error", err.Error()))
			time.Sleep(200 * time.Millisecond)
			continue
		}

		s.jobWG.Add(1)
		go func(j *jobqueue.Job) {
			defer func() {
				<-sem
				s.jobWG.Done()
			}()
			s.handleJob(ctx, j)
		}(job)
	}
}

// handleJob 运行一个会话作业。ctx 取消时不 Ack，作业留在 processing 中等待回收。
func (s *Service) handleJob(ctx context.Context, job *jobqueue.Job) {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("session_id", job.SessionID))
	defer func() {
		if r := recover(); r != nil {
			s.stats.TotalPanics.Add(1)
			log.Error("prefetch job panic recovered", slog.Any("panic", r))
			s.ack(job, log)
		}
	}()

	res, err := s.sched.Run(ctx, job.SessionID, sourcing.RunOptions{OnlyIncomplete: job.OnlyIncomplete})
	switch {
	case errors.Is(err, sourcing.ErrAlreadyRunning):
		s.stats.JobsSkipped.Add(1)
		log.Info("session already running elsewhere, job dropped")
	case ctx.Err() != nil:
		log.Warn("prefetch interrupted by shutdown", slog.Int("processed", res.Processed), slog.Int("total", res.Total))
		return
	case err != nil:
		s.stats.JobsFailed.Add(1)
		log.Error("prefetch job failed", slog.String("error", err.Error()))
	default:
		s.stats.JobsProcessed.Add(1)
		log.Info("prefetch job completed",
			slog.Int("total", res.Total),
			slog.Int("succeeded", res.Succeeded),
			slog.Int("empty", res.Empty),
			slog.Int("failed", res.Failed),
			slog.Duration("duration", res.Duration))
	}
	s.ack(job, log)
}

func (s *Service) ack(job *jobqueue.Job, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := s.jobs.Ack(ctx, job); err != nil {
		log.Error("failed to ack job", slog.String("error", err.Error()))
	}
}

// Shutdown 停止后台任务并关闭连接。调用前应先取消 StartWorker 的 ctx。
func (s *Service) Shutdown(ctx context.Context) error {
	if s.bgCancel != nil {
		s.bgCancel()
	}
	done := make(chan struct{})
	go func() {
		s.jobWG.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}

	var errs []error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if sqlDB, err := s.store.DB().DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	st := s.Stats()
	s.logger.Info("sourcer shutdown completed",
		slog.Int64("jobs_processed", st.JobsProcessed),
		slog.Int64("jobs_failed", st.JobsFailed),
		slog.Int64("jobs_skipped", st.JobsSkipped))
	return errors.Join(errs...)
}

// Stats 返回统计快照。
func (s *Service) Stats() Stats {
	return Stats{
		JobsProcessed: s.stats.JobsProcessed.Load(),
		JobsFailed:    s.stats.JobsFailed.Load(),
		JobsSkipped:   s.stats.JobsSkipped.Load(),
		TotalPanics:   s.stats.TotalPanics.Load(),
	}
}
