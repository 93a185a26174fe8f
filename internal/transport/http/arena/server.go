package arenahttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"arena/internal/logger"
	"arena/internal/report"
	"arena/internal/run"
	"arena/internal/store/eventlog"
	"arena/internal/store/runstore"
)

// Server 提供竞技场 HTTP 服务：开启运行、SSE 事件订阅、采纳与战报。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述竞技场 HTTP 服务依赖。
type ServerConfig struct {
	Addr    string
	Manager *Manager
	Journal *eventlog.Store
	Archive *runstore.Store
}

// NewServer 构建竞技场 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("arena http server requires a run manager")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9993"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{manager: cfg.Manager, journal: cfg.Journal, archive: cfg.Archive}
	api := router.Group("/api/arena")
	{
		api.POST("/runs", h.startRun)
		api.GET("/runs", h.listRuns)
		api.GET("/runs/:id", h.runStatus)
		api.GET("/runs/:id/events", h.streamEvents)
		api.POST("/runs/:id/cancel", h.cancelRun)
		api.POST("/runs/:id/adopt", h.adoptWorker)
		api.GET("/runs/:id/report", h.renderReport)
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录接口调用，便于追踪运行开启与订阅。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, path, status, client, dur)
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Router 暴露底层路由，供测试直接挂 httptest。
func (s *Server) Router() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("arena http 关闭失败: %v", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

type handlers struct {
	manager *Manager
	journal *eventlog.Store
	archive *runstore.Store
}

func (h *handlers) startRun(c *gin.Context) {
	var p run.Params
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败: " + err.Error()})
		return
	}
	runID, err := h.manager.Start(p)
	if errors.Is(err, ErrRunActive) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "run_id": h.manager.ActiveRunID()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run_id": runID})
}

func (h *handlers) listRuns(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []runstore.RunRecord{}, "active": h.manager.ActiveRunID()})
		return
	}
	recs, err := h.archive.List(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": recs, "active": h.manager.ActiveRunID()})
}

func (h *handlers) runStatus(c *gin.Context) {
	runID := c.Param("id")
	if state, ok := h.manager.Snapshot(runID); ok {
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "live": true, "state": state})
		return
	}
	if h.archive != nil {
		rec, err := h.archive.Get(c.Request.Context(), runID)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"run_id": runID, "live": false, "record": rec})
			return
		}
		if !errors.Is(err, runstore.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在"})
}

func (h *handlers) cancelRun(c *gin.Context) {
	runID := c.Param("id")
	if !h.manager.Cancel(runID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有匹配的活动运行"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "cancelled": true})
}

// streamEvents 以 SSE 推送一次运行的事件。活动运行先补发历史再转直播；
// 已结束的运行从事件日志整段重放。
func (h *handlers) streamEvents(c *gin.Context) {
	runID := c.Param("id")

	history, live, unsub, ok := h.manager.Subscribe(runID)
	if !ok {
		h.replayEvents(c, runID)
		return
	}
	defer unsub()

	flusher, canFlush := c.Writer.(http.Flusher)
	writeSSEHeaders(c)

	for _, ev := range history {
		if !writeSSEEvent(c, ev, flusher, canFlush) {
			return
		}
		if terminalEvent(ev) {
			return
		}
	}
	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case ev, open := <-live:
			if !open {
				return
			}
			if !writeSSEEvent(c, ev, flusher, canFlush) {
				return
			}
			if terminalEvent(ev) {
				return
			}
		}
	}
}

func (h *handlers) replayEvents(c *gin.Context, runID string) {
	if h.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在"})
		return
	}
	events, err := h.journal.Events(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在"})
		return
	}
	flusher, canFlush := c.Writer.(http.Flusher)
	writeSSEHeaders(c)
	for _, ev := range events {
		if !writeSSEEvent(c, ev, flusher, canFlush) {
			return
		}
	}
}

func writeSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

func writeSSEEvent(c *gin.Context, ev run.Event, flusher http.Flusher, canFlush bool) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("事件序列化失败: %v", err)
		return false
	}
	if _, err := c.Writer.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		return false
	}
	if canFlush {
		flusher.Flush()
	}
	return true
}

func terminalEvent(ev run.Event) bool {
	return ev.Kind == run.KindSettled || ev.Kind == run.KindStreamError
}

func (h *handlers) adoptWorker(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "归档库未启用"})
		return
	}
	runID := c.Param("id")
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.WorkerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id 不能为空"})
		return
	}
	err := h.archive.Adopt(c.Request.Context(), runID, body.WorkerID)
	if errors.Is(err, runstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "worker_id": body.WorkerID, "adopted": true})
}

func (h *handlers) renderReport(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "归档库未启用"})
		return
	}
	runID := c.Param("id")
	rec, err := h.archive.Get(c.Request.Context(), runID)
	if errors.Is(err, runstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	adoptions, err := h.archive.Adoptions(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/html; charset=utf-8")
	c.Writer.WriteHeader(http.StatusOK)
	if err := report.Render(c.Writer, *rec, adoptions); err != nil {
		logger.Errorf("战报渲染失败 run=%s: %v", runID, err)
	}
}
