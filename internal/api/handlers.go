package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"relister/internal/api/middleware"
	"relister/internal/editor"
	"relister/internal/ingest"
	"relister/internal/model"
	"relister/internal/pkg/fetch"
	"relister/internal/pkg/jobqueue"
	"relister/internal/sourcing"
	"relister/internal/store"

	"github.com/gin-gonic/gin"
)

const ctxRow = "row"

// writeError 把领域错误映射为 {ok:false,error:<code>} 响应。
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, editor.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "detail": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "conflict"})
	case errors.Is(err, editor.ErrLocked):
		c.JSON(http.StatusLocked, gin.H{"ok": false, "error": "locked"})
	case errors.Is(err, sourcing.ErrMissingCredential):
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "rapidapi_key_missing"})
	case errors.Is(err, sourcing.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "already_running"})
	case fetch.StatusCode(err) > 0:
		var se *fetch.StatusError
		errors.As(err, &se)
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": fmt.Sprintf("upstream_%d", se.Code), "detail": se.Body})
	default:
		var de *fetch.DecodeError
		if errors.As(err, &de) {
			c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "upstream_bad_body", "detail": err.Error()})
			return
		}
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal", "detail": err.Error()})
	}
}

// rowInSession 加载 :id 对应的行，并确认它属于令牌中的会话。
func (s *Server) rowInSession(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "detail": "invalid row id"})
		return
	}
	row, err := s.store.GetRow(c.Request.Context(), uint(id))
	if err == nil && row.SessionID != middleware.SessionID(c) {
		err = store.ErrNotFound
	}
	if err != nil {
		s.writeError(c, err)
		c.Abort()
		return
	}
	c.Set(ctxRow, row)
	c.Next()
}

func currentRow(c *gin.Context) *model.Row {
	v, _ := c.Get(ctxRow)
	row, _ := v.(*model.Row)
	return row
}

type ingestRequest struct {
	Rows     []ingest.Record `json:"rows"`
	CSV      string          `json:"csv"`
	Prefetch bool            `json:"prefetch"`
}

// handleIngest 整批替换会话的行。支持 JSON rows、JSON csv 字段或 text/csv 请求体。
func (s *Server) handleIngest(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	var req ingestRequest
	var recs []ingest.Record
	if strings.HasPrefix(c.ContentType(), "text/csv") {
		parsed, err := ingest.ParseCSV(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_csv", "detail": err.Error()})
			return
		}
		recs = parsed
		req.Prefetch = c.Query("prefetch") == "true"
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "detail": err.Error()})
			return
		}
		recs = req.Rows
		if len(recs) == 0 && req.CSV != "" {
			parsed, err := ingest.ParseCSV(strings.NewReader(req.CSV))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_csv", "detail": err.Error()})
				return
			}
			recs = parsed
		}
	}

	rows, err := ingest.ToRows(recs)
	if errors.Is(err, ingest.ErrNoRows) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "no_rows"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	if held, err := s.guard.Held(ctx, sessionID); err == nil && held {
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "already_running"})
		return
	}
	// 排队中的作业会处理重置后的新行，先拒绝导入
	if s.jobs != nil {
		if queued, err := s.jobs.Queued(ctx, sessionID); err != nil {
			s.writeError(c, err)
			return
		} else if queued {
			c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "already_queued"})
			return
		}
	}
	inserted, err := s.store.ResetSession(ctx, sessionID, rows)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("session ingested",
		slog.String("session_id", sessionID),
		slog.Int("rows", len(inserted)),
		slog.String("actor", middleware.Actor(c)))

	resp := gin.H{"ok": true, "inserted": len(inserted)}
	if req.Prefetch {
		status, body := s.startPrefetch(c, sessionID, prefetchRequest{})
		resp["prefetch"] = body
		if status >= http.StatusBadRequest {
			c.JSON(status, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

type prefetchRequest struct {
	OnlyIncomplete bool `json:"only_incomplete"`
	Wait           bool `json:"wait"`
}

func (s *Server) handlePrefetch(c *gin.Context) {
	var req prefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "detail": err.Error()})
		return
	}
	status, body := s.startPrefetch(c, c.Param("id"), req)
	c.JSON(status, body)
}

// startPrefetch 把预取交给 sourcer（Redis 队列）或在本进程运行。
func (s *Server) startPrefetch(c *gin.Context, sessionID string, req prefetchRequest) (int, gin.H) {
	ctx := c.Request.Context()
	if r, ok := s.searcher.(interface{ Ready() error }); ok {
		if err := r.Ready(); err != nil {
			return http.StatusInternalServerError, gin.H{"ok": false, "error": "rapidapi_key_missing"}
		}
	}

	if s.jobs != nil && !req.Wait {
		job := jobqueue.NewJob(sessionID, req.OnlyIncomplete)
		err := s.jobs.Push(ctx, job)
		if errors.Is(err, jobqueue.ErrJobExists) {
			return http.StatusConflict, gin.H{"ok": false, "error": "already_queued"}
		}
		if err != nil {
			s.logger.Error("enqueue prefetch failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			return http.StatusInternalServerError, gin.H{"ok": false, "error": "enqueue_failed"}
		}
		return http.StatusAccepted, gin.H{"ok": true, "mode": "queued", "job_id": job.ID}
	}

	opts := sourcing.RunOptions{OnlyIncomplete: req.OnlyIncomplete}
	if req.Wait {
		res, err := s.sched.Run(ctx, sessionID, opts)
		if errors.Is(err, sourcing.ErrAlreadyRunning) {
			return http.StatusConflict, gin.H{"ok": false, "error": "already_running"}
		}
		if err != nil {
			return http.StatusInternalServerError, gin.H{"ok": false, "error": "prefetch_failed", "detail": err.Error()}
		}
		return http.StatusOK, gin.H{"ok": true, "mode": "inline", "result": res}
	}

	if held, err := s.guard.Held(ctx, sessionID); err == nil && held {
		return http.StatusConflict, gin.H{"ok": false, "error": "already_running"}
	}
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		if _, err := s.sched.Run(s.runCtx, sessionID, opts); err != nil {
			s.logger.Warn("inline prefetch ended with error",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}()
	return http.StatusAccepted, gin.H{"ok": true, "mode": "inline"}
}

// handleProgress 运行中返回 Redis 里的实时计数，否则从数据库统计。
func (s *Server) handleProgress(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	if s.progress != nil {
		snap, ok, err := s.progress.Get(ctx, sessionID)
		if err != nil {
			s.logger.Warn("read live progress failed", slog.String("error", err.Error()))
		} else if ok && snap.Running {
			c.JSON(http.StatusOK, gin.H{"ok": true, "total": snap.Total, "done": snap.Done, "ratio": snap.Ratio, "running": true})
			return
		}
	}
	p, err := s.store.Progress(ctx, sessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "total": p.Total, "done": p.Done, "ratio": p.Ratio, "running": false})
}

func (s *Server) handleListRows(c *gin.Context) {
	rows, err := s.store.ListRows(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "rows": rows})
}

// handleNext 返回下一个等待操作员选择的行及其候选；没有时 row 为 null。
func (s *Server) handleNext(c *gin.Context) {
	ctx := c.Request.Context()
	row, err := s.store.NextRow(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "row": nil, "candidates": []model.Candidate{}})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	cands, err := s.store.Candidates(ctx, row.RowID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "row": row, "candidates": cands})
}

func (s *Server) handleCandidates(c *gin.Context) {
	row := currentRow(c)
	cands, err := s.store.Candidates(c.Request.Context(), row.RowID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "row": row, "candidates": cands})
}

func (s *Server) handleLock(c *gin.Context) {
	row := currentRow(c)
	force := c.Query("force") == "1" || c.Query("force") == "true"
	info, err := s.editor.Acquire(c.Request.Context(), row.RowID, middleware.Actor(c), force)
	if errors.Is(err, editor.ErrLocked) {
		c.JSON(http.StatusLocked, gin.H{"ok": false, "error": "locked", "lock": info})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "lock": info})
}

func (s *Server) handleUnlock(c *gin.Context) {
	if err := s.editor.Release(c.Request.Context(), currentRow(c).RowID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGetLock(c *gin.Context) {
	info, err := s.editor.Inspect(c.Request.Context(), currentRow(c).RowID, middleware.Actor(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "lock": info})
}

type saveRequest struct {
	SelectedIdx     *int   `json:"selected_idx"`
	Baedaji         *int64 `json:"baedaji"`
	ClearBaedaji    bool   `json:"clear_baedaji"`
	Skip            bool   `json:"skip"`
	Delete          bool   `json:"delete"`
	ExpectedVersion *int64 `json:"expected_version"`
}

// handleSave 以乐观并发写入操作员的选择。冲突时返回 409 与最新的行，调用方重新读取后重试。
func (s *Server) handleSave(c *gin.Context) {
	row := currentRow(c)
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "detail": err.Error()})
		return
	}
	if req.ExpectedVersion == nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "detail": "expected_version required"})
		return
	}

	ctx := c.Request.Context()
	version, err := s.editor.Save(ctx, row.RowID, editor.Mutation{
		SelectedIdx:     req.SelectedIdx,
		Baedaji:         req.Baedaji,
		ClearBaedaji:    req.ClearBaedaji,
		Skip:            req.Skip,
		Delete:          req.Delete,
		ExpectedVersion: *req.ExpectedVersion,
		Actor:           middleware.Actor(c),
	})
	if errors.Is(err, store.ErrConflict) {
		latest, getErr := s.store.GetRow(ctx, row.RowID)
		if getErr != nil {
			s.writeError(c, getErr)
			return
		}
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "conflict", "row": latest})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "new_version": version})
}

type searchRequest struct {
	Img string `json:"img"`
}

// handleSearch 对单张图片发起一次搜索，不写库。
func (s *Server) handleSearch(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Img) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "img_required"})
		return
	}
	items, err := s.searcher.Search(c.Request.Context(), req.Img)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "items": items})
}

func (s *Server) handleOperators(c *gin.Context) {
	actors, err := middleware.ActiveOperators(c.Request.Context(), s.rdb, c.Param("id"), s.cfg.App.LockTTL)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if actors == nil {
		actors = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "operators": actors})
}

var exportHeader = []string{
	"order_no", "prev_name", "category", "src_img_url", "status",
	"selected_idx", "detail_url", "img_url", "price", "promo_price",
	"baedaji", "skip", "delete",
}

// handleExport 以 CSV 导出会话，选中候选的链接与价格展开为列。
func (s *Server) handleExport(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	rows, err := s.store.ListRows(ctx, sessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, sessionID))
	c.Status(http.StatusOK)
	w := csv.NewWriter(c.Writer)
	_ = w.Write(exportHeader)
	for _, r := range rows {
		rec := []string{
			strconv.Itoa(r.OrderNo), r.PrevName, r.Category, r.SrcImageURL, string(r.Status),
			"", "", "", "", "",
			"", strconv.FormatBool(r.Skip), strconv.FormatBool(r.Delete),
		}
		if r.Baedaji != nil {
			rec[10] = strconv.FormatInt(*r.Baedaji, 10)
		}
		if r.SelectedIdx != nil {
			rec[5] = strconv.Itoa(*r.SelectedIdx)
			cands, err := s.store.Candidates(ctx, r.RowID)
			if err != nil {
				s.logger.Warn("export candidates failed", slog.Uint64("row_id", uint64(r.RowID)), slog.String("error", err.Error()))
			}
			for _, cand := range cands {
				if cand.Idx != *r.SelectedIdx {
					continue
				}
				rec[6], rec[7] = cand.DetailURL, cand.ImageURL
				rec[8], rec[9] = formatPrice(cand.Price), formatPrice(cand.PromoPrice)
			}
		}
		_ = w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		s.logger.Warn("export write failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

func formatPrice(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
