package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relister/internal/config"
	"relister/internal/pkg/logger"
	"relister/internal/sourcer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是预取服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志记录器
// 3. 启动 Redis 作业循环、卡住作业回收与 Metrics 服务
// 4. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx := context.Background()

	if cfg.Upstream.RateLimit > 0 && float64(cfg.Upstream.Workers) > cfg.Upstream.RateLimit*30 {
		appLogger.Warn("worker count is significantly higher than rate limit throughput capacity",
			slog.Int("workers", cfg.Upstream.Workers),
			slog.Float64("rate_limit", cfg.Upstream.RateLimit))
	}

	service, err := sourcer.NewService(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init sourcer service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	service.StartBackground(ctx)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		defer func() {
			if r := recover(); r != nil {
				// 交给容器重启，保持状态干净
				appLogger.Error("PANIC in job loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()

		appLogger.Info("starting job loop")
		if err := service.StartWorker(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("job loop stopped", slog.String("error", err.Error()))
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("sourcer metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("received os signal", slog.String("signal", sig.String()))
	appLogger.Info("shutting down sourcer service...")

	// 1. 停止领取新作业；进行中的作业被取消后留在 processing，由下次启动回收
	stopWorkers()
	<-workerDone

	// 2. 关闭 metrics 与连接
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("sourcer shutdown error", slog.String("error", err.Error()))
	}
	appLogger.Info("sourcer service stopped gracefully")
}
