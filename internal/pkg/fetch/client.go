package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"relister/internal/pkg/metrics"
)

const (
	defaultMaxBody     = 8 << 20
	errorSnippetLength = 2000
)

// Request 描述一次上游调用。
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Target 用于指标与日志标签，如 "search"。
	Target string
}

// Policy 控制重试与超时。
type Policy struct {
	MaxAttempts int           // 总尝试次数（含首次）
	BaseBackoff time.Duration // 退避基数：base * (1 + attempt)
	MaxBackoff  time.Duration // 退避上限
	Jitter      time.Duration // 额外随机等待上限
	Timeout     time.Duration // 单次尝试的连接 + 读取截止时间
}

// DefaultPolicy 是上游搜索接口的默认策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		Jitter:      250 * time.Millisecond,
		Timeout:     20 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff < 0 {
		p.BaseBackoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// Backoff 返回第 attempt 次（从 0 开始）失败后的等待时长，不含抖动。
func (p Policy) Backoff(attempt int) time.Duration {
	wait := p.BaseBackoff * time.Duration(1+attempt)
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	return wait
}

// Response 是成功调用的结果。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Limiter 在每次尝试前申请令牌（可选）。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Client 在单个 HTTP 调用外包装超时、重试与指数退避。
type Client struct {
	httpClient *http.Client
	limiter    Limiter
	logger     *slog.Logger
	maxBody    int64

	mu   sync.Mutex
	rand *rand.Rand

	// sleep 可在测试中替换。
	sleep func(ctx context.Context, d time.Duration) error
}

// Option 配置 Client。
type Option func(*Client)

// WithLimiter 设置全局限流器。
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxBody 限制读取的响应体大小。
func WithMaxBody(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// NewClient 创建带重试能力的客户端。
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		httpClient: &http.Client{},
		logger:     logger,
		maxBody:    defaultMaxBody,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do 执行请求。
//
// 429 / 5xx / 网络错误 / 单次超时会在预算内重试；其它失败立即返回。
// 预算耗尽时返回 *ExhaustedError，绝不会返回空的成功结果。
func (c *Client) Do(ctx context.Context, req Request, policy Policy) (*Response, error) {
	policy = policy.withDefaults()
	target := req.Target
	if target == "" {
		target = "upstream"
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return nil, fmt.Errorf("acquire rate limit: %w", err)
			}
		}

		resp, err := c.attempt(ctx, req, policy.Timeout, target)
		class := Classify(err)
		metrics.UpstreamAttemptsTotal.WithLabelValues(target, class.String()).Inc()
		if err == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}
		if class == ClassTerminal {
			return nil, err
		}

		lastErr = err
		if attempt+1 >= policy.MaxAttempts {
			break
		}

		wait := policy.Backoff(attempt) + c.jitter(policy.Jitter)
		metrics.UpstreamRetriesTotal.WithLabelValues(target).Inc()
		c.logger.Warn("upstream call failed, retrying",
			slog.String("target", target),
			slog.Int("attempt", attempt+1),
			slog.Int("status", StatusCode(err)),
			slog.String("backoff", wait.String()),
			slog.String("error", err.Error()))
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Attempts: policy.MaxAttempts, Last: lastErr}
}

// DoJSON 执行请求并把响应体解析为 v；解析失败属于终止错误。
func (c *Client) DoJSON(ctx context.Context, req Request, policy Policy, v any) (*Response, error) {
	resp, err := c.Do(ctx, req, policy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return resp, &DecodeError{Err: err}
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, req Request, timeout time.Duration, target string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, nil)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("build request: %w", err)}
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	metrics.UpstreamInflight.WithLabelValues(target).Inc()
	defer func() {
		metrics.UpstreamInflight.WithLabelValues(target).Dec()
		metrics.UpstreamRequestDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.wrapContextErr(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, c.wrapContextErr(ctx, attemptCtx, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet(body, errorSnippetLength)}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       bytes.TrimSpace(body),
	}, nil
}

// wrapContextErr 区分“单次尝试超时”（可重试）与“调用方取消”（终止）。
func (c *Client) wrapContextErr(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &attemptTimeoutError{Err: err}
	}
	return err
}

func (c *Client) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rand.Int63n(int64(max)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
