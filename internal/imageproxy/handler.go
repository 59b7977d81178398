package imageproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"relister/internal/pkg/imgcache"

	"github.com/gin-gonic/gin"
)

const (
	cacheControl    = "public, max-age=600"
	cachePutTimeout = 5 * time.Second
)

// Handler 是 GET /images?u= 的 gin 处理器。
type Handler struct {
	resolver *Resolver
	cache    imgcache.Cache
	maxCache int64
	logger   *slog.Logger
}

// NewHandler 创建处理器；cache 为 nil 时不缓存，maxCache 限制单张图片缓存的大小。
func NewHandler(resolver *Resolver, cache imgcache.Cache, maxCache int64, logger *slog.Logger) *Handler {
	if cache == nil {
		cache = imgcache.Nop{}
	}
	return &Handler{resolver: resolver, cache: cache, maxCache: maxCache, logger: logger}
}

// Serve 处理图片代理请求。
func (h *Handler) Serve(c *gin.Context) {
	target, err := h.resolver.Parse(c.Query("u"))
	if err != nil {
		writeError(c, err)
		return
	}
	key := target.String()
	ctx := c.Request.Context()

	if entry, err := h.cache.Get(ctx, key); err == nil {
		c.Header("Cache-Control", cacheControl)
		c.Header("X-Image-Source", string(StrategyCache))
		c.Data(http.StatusOK, entry.ContentType, entry.Body)
		return
	} else if !errors.Is(err, imgcache.ErrMiss) {
		h.logger.Warn("image cache read failed", slog.String("error", err.Error()))
	}

	img, err := h.resolver.ResolveURL(ctx, target)
	if err != nil {
		writeError(c, err)
		return
	}
	defer img.Body.Close()

	c.Header("Content-Type", img.ContentType)
	c.Header("Cache-Control", cacheControl)
	c.Header("X-Image-Source", string(img.Strategy))
	c.Status(http.StatusOK)

	var buf *boundedBuffer
	var src io.Reader = img.Body
	if h.maxCache > 0 && (img.ContentLength < 0 || img.ContentLength <= h.maxCache) {
		buf = &boundedBuffer{max: h.maxCache}
		src = io.TeeReader(img.Body, buf)
	}
	if _, err := io.Copy(c.Writer, src); err != nil {
		h.logger.Debug("image stream interrupted", slog.String("error", err.Error()))
		return
	}
	if buf == nil || buf.overflow {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cachePutTimeout)
	defer cancel()
	if err := h.cache.Put(pctx, key, &imgcache.Entry{ContentType: img.ContentType, Body: buf.Bytes()}); err != nil {
		h.logger.Warn("image cache write failed", slog.String("error", err.Error()))
	}
}

func writeError(c *gin.Context, err error) {
	var perr *Error
	if !errors.As(err, &perr) {
		perr = &Error{Code: CodeProxyError, Status: http.StatusBadGateway, Detail: err.Error()}
	}
	body := gin.H{"ok": false, "error": perr.Code}
	if perr.Detail != "" {
		body["detail"] = perr.Detail
	}
	c.JSON(perr.Status, body)
}

// boundedBuffer 超过 max 后停止保存，但不影响写入方。
type boundedBuffer struct {
	bytes.Buffer
	max      int64
	overflow bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.overflow {
		return len(p), nil
	}
	if int64(b.Len()+len(p)) > b.max {
		b.overflow = true
		b.Reset()
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
