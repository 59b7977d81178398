// Package imageproxy 代理市场 CDN 上的图片。
//
// 依次尝试直连（带按主机选择的 Referer）、同族镜像、公共图片代理，第一个成功者胜出。
package imageproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relister/internal/pkg/metrics"
	"relister/internal/pkg/normalize"
	"relister/internal/pkg/ratelimit"
)

const (
	browserUA      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124 Safari/537.36"
	acceptImage    = "image/avif,image/webp,image/apng,image/*,*/*;q=0.8"
	acceptLanguage = "ko,en;q=0.9,zh-CN;q=0.8"

	// DefaultOpenProxy 是公共图片代理的前缀，后接 host+path+query。
	DefaultOpenProxy = "https://wsrv.nl/?url="
	defaultTimeout   = 15 * time.Second
	snippetMax       = 2000
)

// Strategy 标识图片最终来自哪一种途径。
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyMirror    Strategy = "mirror"
	StrategyOpenProxy Strategy = "open_proxy"
	StrategyCache     Strategy = "cache"
)

// Image 是成功取得的图片，调用方负责关闭 Body。
type Image struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	Strategy      Strategy
	URL           string
}

// Options 配置 Resolver。
type Options struct {
	EnforceAllowList bool
	ExtraHosts       []string
	OpenProxy        string  // 为空则不使用公共代理
	OpenProxyRate    float64 // 每秒请求数，0 不限
	Timeout          time.Duration
	HTTPClient       *http.Client
	Rules            []HostRule
	Families         []Family
}

// Resolver 按策略链获取图片。
type Resolver struct {
	client    *http.Client
	logger    *slog.Logger
	allow     []string
	rules     []HostRule
	families  []Family
	openProxy string
	limiter   *ratelimit.Local
	timeout   time.Duration
}

// NewResolver 创建 Resolver；未设置的表使用默认值。
func NewResolver(logger *slog.Logger, opts Options) *Resolver {
	r := &Resolver{
		client:    opts.HTTPClient,
		logger:    logger,
		rules:     opts.Rules,
		families:  opts.Families,
		openProxy: opts.OpenProxy,
		limiter:   ratelimit.NewLocal(opts.OpenProxyRate, 1),
		timeout:   opts.Timeout,
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.rules == nil {
		r.rules = DefaultHostRules
	}
	if r.families == nil {
		r.families = DefaultFamilies
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if opts.EnforceAllowList {
		r.allow = append(append([]string{}, DefaultAllowSuffixes...), opts.ExtraHosts...)
	}
	return r
}

// Parse 校验调用方给出的地址，不发起任何网络请求。
//
// 已经被编码过一次的地址会先解码（保留 '+'）；"//host/x" 补全为 https。
func (r *Resolver) Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, newInputError(CodeMissingParam, "")
	}
	if strings.Contains(raw, "%") {
		if dec, err := url.PathUnescape(raw); err == nil {
			raw = dec
		}
	}
	target, err := url.Parse(normalize.NormalizeURL(raw))
	if err != nil || target.Hostname() == "" {
		return nil, newInputError(CodeInvalidURL, raw)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, newInputError(CodeInvalidProtocol, target.Scheme)
	}
	if r.allow != nil && !hostAllowed(target.Hostname(), r.allow) {
		return nil, newInputError(CodeHostNotAllowed, target.Hostname())
	}
	return target, nil
}

// Resolve 解析 raw 并获取图片。
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Image, error) {
	target, err := r.Parse(raw)
	if err != nil {
		return nil, err
	}
	return r.ResolveURL(ctx, target)
}

type plan struct {
	strategy Strategy
	url      string
	referer  string
}

// ResolveURL 对已校验的地址执行策略链。全部失败时返回最后一个 *Error，绝不返回空图片。
func (r *Resolver) ResolveURL(ctx context.Context, target *url.URL) (*Image, error) {
	var last *Error
	for _, p := range r.plans(target) {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Code: CodeProxyError, Status: http.StatusBadGateway, Detail: err.Error(), Err: err}
		}
		if p.strategy == StrategyOpenProxy {
			if err := r.limiter.Acquire(ctx); err != nil {
				last = &Error{Code: CodeProxyError, Status: http.StatusBadGateway, Detail: "open proxy rate limited", Err: err}
				break
			}
		}
		img, err := r.fetch(ctx, p)
		if err == nil {
			metrics.ImageStrategyTotal.WithLabelValues(string(p.strategy), "ok").Inc()
			return img, nil
		}
		metrics.ImageStrategyTotal.WithLabelValues(string(p.strategy), "fail").Inc()
		r.logger.Debug("image strategy failed",
			slog.String("strategy", string(p.strategy)),
			slog.String("url", p.url),
			slog.String("error", err.Error()))
		last = err
	}
	if last == nil {
		last = &Error{Code: CodeProxyError, Status: http.StatusBadGateway, Detail: "no strategy available"}
	}
	r.logger.Warn("image retrieval exhausted",
		slog.String("url", target.String()),
		slog.String("code", last.Code),
		slog.Int("upstream_status", last.UpstreamStatus))
	return nil, last
}

func (r *Resolver) plans(target *url.URL) []plan {
	plans := []plan{{
		strategy: StrategyDirect,
		url:      target.String(),
		referer:  RefererFor(target.Hostname(), r.rules),
	}}
	for _, m := range mirrorURLs(target, r.families) {
		plans = append(plans, plan{
			strategy: StrategyMirror,
			url:      m.String(),
			referer:  RefererFor(m.Hostname(), r.rules),
		})
	}
	if r.openProxy != "" {
		// 只传 host+path+query，避免代理对已转义的 scheme 处理出错
		bare := target.Host + target.EscapedPath()
		if target.RawQuery != "" {
			bare += "?" + target.RawQuery
		}
		plans = append(plans, plan{
			strategy: StrategyOpenProxy,
			url:      r.openProxy + url.QueryEscape(bare),
		})
	}
	return plans
}

// fetch 执行一次请求；成功时 Body 关闭会同时释放本次超时。
func (r *Resolver) fetch(ctx context.Context, p plan) (*Image, *Error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	req, err := http.NewRequestWithContext(actx, http.MethodGet, p.url, nil)
	if err != nil {
		cancel()
		return nil, &Error{Code: CodeProxyError, Status: http.StatusBadGateway, Detail: err.Error(), Err: err}
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", acceptImage)
	req.Header.Set("Accept-Language", acceptLanguage)
	if p.referer != "" {
		req.Header.Set("Referer", p.referer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		cancel()
		return nil, &Error{Code: CodeProxyError, Status: http.StatusBadGateway, Detail: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, snippetMax))
		resp.Body.Close()
		cancel()
		return nil, &Error{
			Code:           fmt.Sprintf("upstream_%d", resp.StatusCode),
			Status:         http.StatusBadGateway,
			UpstreamStatus: resp.StatusCode,
			Detail:         string(body),
		}
	}
	ct := resp.Header.Get("Content-Type")
	if !isImageType(ct) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, snippetMax))
		resp.Body.Close()
		cancel()
		return nil, &Error{
			Code:           CodeNotImage,
			Status:         http.StatusBadGateway,
			UpstreamStatus: resp.StatusCode,
			Detail:         ct + ": " + string(body),
		}
	}
	if ct == "" {
		ct = "image/jpeg"
	}
	return &Image{
		Body:          &cancelBody{ReadCloser: resp.Body, cancel: cancel},
		ContentType:   ct,
		ContentLength: resp.ContentLength,
		Strategy:      p.strategy,
		URL:           p.url,
	}, nil
}

// isImageType 空类型视为图片；text/html 等拦截页视为失败。
func isImageType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return true
	}
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "application/octet-stream")
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
