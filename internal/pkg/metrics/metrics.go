package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relister"

var (
	// UpstreamAttemptsTotal 上游请求尝试次数（按结果分类）。
	UpstreamAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_attempts_total",
		Help:      "Upstream HTTP attempts by target and outcome class.",
	}, []string{"target", "class"})

	// UpstreamRetriesTotal 因可重试错误而进行的重试次数。
	UpstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_retries_total",
		Help:      "Retries scheduled after a retryable upstream failure.",
	}, []string{"target"})

	// UpstreamInflight 当前正在进行的上游请求数。
	UpstreamInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_inflight",
		Help:      "Upstream calls currently in flight.",
	}, []string{"target"})

	// UpstreamRequestDuration 单次上游请求耗时。
	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_request_duration_seconds",
		Help:      "Latency of a single upstream attempt.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"target"})

	// RowsProcessedTotal 按最终状态统计的行数。
	RowsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_processed_total",
		Help:      "Rows that reached a terminal per-run state.",
	}, []string{"status"})

	// BatchDuration 一次会话批处理的耗时。
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Duration of a full prefetch batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// WorkerPoolSize 配置的 worker 数量。
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_pool_size",
		Help:      "Configured number of sourcing workers.",
	})

	// ImageStrategyTotal 图片获取各策略的结果。
	ImageStrategyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_strategy_total",
		Help:      "Image retrieval attempts by strategy and result.",
	}, []string{"strategy", "result"})

	// ImageCacheTotal 图片缓存命中情况。
	ImageCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_cache_total",
		Help:      "Image cache lookups by result.",
	}, []string{"result"})

	// SaveConflictsTotal 乐观锁冲突次数。
	SaveConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "row_save_conflicts_total",
		Help:      "Row saves rejected because of a version mismatch.",
	})

	// JobQueueDepth Redis 作业队列深度。
	JobQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "job_queue_depth",
		Help:      "Prefetch jobs waiting or in processing.",
	}, []string{"queue"})

	// JobsTotal 作业吞吐。
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Prefetch jobs by action.",
	}, []string{"action"})

	// RateLimitWaitDuration 等待令牌的时长。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for an upstream rate-limit token.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Rate-limit waits abandoned because the context ended.",
	})

	// PrefetchDuplicatePreventedTotal 被去重拦截的重复预取请求。
	PrefetchDuplicatePreventedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prefetch_duplicate_prevented_total",
		Help:      "Prefetch requests rejected while a run for the session was in flight.",
	})
)

// InitMetrics 设置静态指标的初始值。
func InitMetrics(workers int) {
	WorkerPoolSize.Set(float64(workers))
	JobQueueDepth.WithLabelValues("pending").Set(0)
	JobQueueDepth.WithLabelValues("processing").Set(0)
}
