package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"relister/internal/api/auth"
	"relister/internal/api/middleware"
	"relister/internal/config"
	"relister/internal/editor"
	"relister/internal/imageproxy"
	"relister/internal/pkg/dedup"
	"relister/internal/pkg/imgcache"
	"relister/internal/pkg/jobqueue"
	"relister/internal/pkg/notify"
	"relister/internal/sourcing"
	"relister/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装了 API 服务所需的依赖和路由处理。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	rdb      *redis.Client
	router   *gin.Engine
	auth     *auth.Handler
	editor   *editor.Manager
	images   *imageproxy.Handler
	searcher sourcing.Searcher
	sched    *sourcing.Scheduler
	guard    *dedup.Guard
	progress *sourcing.RedisProgress
	jobs     *jobqueue.Client

	// 进程内预取使用独立于请求的 ctx，Close 时取消并等待。
	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// Deps 是 Server 的外部依赖，测试中可替换。
type Deps struct {
	Store    *store.Store
	Redis    *redis.Client // 可为 nil：此时只能进程内预取，且不缓存图片
	Searcher sourcing.Searcher
	Notifier notify.Notifier
	Resolver *imageproxy.Resolver // 为 nil 时按配置创建
}

// NewServer 按配置连接 MySQL 与 Redis 并初始化 API 服务器。
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
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

// New 用给定依赖组装 Server 并注册路由。
func New(cfg *config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	resolver := deps.Resolver
	if resolver == nil {
		resolver = imageproxy.NewResolver(logger, imageproxy.Options{
			EnforceAllowList: cfg.Image.EnforceAllowList,
			ExtraHosts:       cfg.Image.ExtraHosts,
			OpenProxy:        cfg.Image.OpenProxy,
			OpenProxyRate:    cfg.Image.OpenProxyRate,
			Timeout:          cfg.Image.Timeout,
		})
	}
	var cache imgcache.Cache = imgcache.Nop{}
	if deps.Redis != nil && cfg.Image.CacheTTL > 0 {
		cache = imgcache.NewRedisCache(deps.Redis, cfg.Image.CacheTTL, cfg.Image.CacheMaxBytes)
	}

	guard := dedup.NewGuard(deps.Redis, cfg.App.RunGuardTTL)
	var progress *sourcing.RedisProgress
	var sink sourcing.ProgressSink
	var jobs *jobqueue.Client
	if deps.Redis != nil {
		progress = sourcing.NewRedisProgress(deps.Redis, cfg.App.RunGuardTTL)
		sink = progress
		if !cfg.App.InlinePrefetch {
			var err error
			if jobs, err = jobqueue.NewClient(deps.Redis); err != nil {
				return nil, fmt.Errorf("init job queue: %w", err)
			}
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    deps.Store,
		rdb:      deps.Redis,
		router:   r,
		auth:     auth.NewHandler(deps.Store, cfg.Security.JWTSecret, cfg.Security.TokenTTL, cfg.Security.CookieSecure, logger),
		editor:   editor.NewManager(deps.Store, logger, cfg.App.LockTTL),
		images:   imageproxy.NewHandler(resolver, cache, cfg.Image.CacheMaxBytes, logger),
		searcher: deps.Searcher,
		sched: sourcing.NewScheduler(deps.Store, deps.Searcher, logger, sourcing.Options{
			Workers:    cfg.Upstream.Workers,
			AutoSelect: cfg.App.AutoSelect,
			Guard:      guard,
			Progress:   sink,
			Notifier:   deps.Notifier,
		}),
		guard:     guard,
		progress:  progress,
		jobs:      jobs,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Wait 等待所有进程内预取结束。
func (s *Server) Wait() {
	s.runWG.Wait()
}

// Close 取消进程内预取并关闭数据库与缓存连接。
func (s *Server) Close() error {
	s.runCancel()
	s.runWG.Wait()

	var errs []error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if sqlDB, err := s.store.DB().DB(); err != nil {
			errs = append(errs, err)
		} else if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/images", s.images.Serve)

	s.router.POST("/sessions/open", s.auth.Open)
	s.router.GET("/sessions/check", s.auth.Check)
	s.router.GET("/sessions/:id/whoami", s.auth.Whoami)
	s.router.POST("/logout", s.auth.Logout)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.Use(middleware.ActivityMiddleware(s.rdb, s.cfg.App.LockTTL))
	authed.POST("/search", s.handleSearch)

	sess := authed.Group("/sessions/:id")
	sess.Use(middleware.RequireSessionParam("id"))
	sess.POST("/ingest", s.handleIngest)
	sess.POST("/prefetch", s.handlePrefetch)
	sess.GET("/progress", s.handleProgress)
	sess.GET("/rows", s.handleListRows)
	sess.GET("/next", s.handleNext)
	sess.GET("/export", s.handleExport)
	sess.GET("/operators", s.handleOperators)

	rows := authed.Group("/rows/:id")
	rows.Use(s.rowInSession)
	rows.GET("/candidates", s.handleCandidates)
	rows.POST("/lock", s.handleLock)
	rows.POST("/unlock", s.handleUnlock)
	rows.GET("/lock", s.handleGetLock)
	rows.POST("/save", s.handleSave)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "db"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
