package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"AgentForge/internal/agent"
	"AgentForge/internal/observability/metrics"
	"AgentForge/pkg/logger"
)

const (
	defaultMaxUploadBytes    = 32 << 20
	defaultReadHeaderTimeout = 5 * time.Second
	shutdownTimeout          = 5 * time.Second
)

// Server 负责暴露智能体协议的 REST 接口。
type Server struct {
	addr              string
	facade            agent.Facade
	metrics           *metrics.Metrics
	maxUploadBytes    int64
	readHeaderTimeout time.Duration
}

// Option 定义可选的服务配置。
type Option func(*Server)

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMaxUploadBytes 限制产物上传请求体的大小。
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithReadHeaderTimeout 设置读取请求头的超时时间。
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readHeaderTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例，facade 在构造时显式注入。
func NewServer(addr string, facade agent.Facade, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		facade:            facade,
		maxUploadBytes:    defaultMaxUploadBytes,
		readHeaderTimeout: defaultReadHeaderTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /heartbeat", s.handleHeartbeat)

	mux.HandleFunc("POST /agent/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /agent/tasks", s.handleListTasks)
	mux.HandleFunc("GET /agent/tasks/{task_id}", s.handleGetTask)

	mux.HandleFunc("GET /agent/tasks/{task_id}/steps", s.handleListSteps)
	mux.HandleFunc("POST /agent/tasks/{task_id}/steps", s.handleExecuteStep)
	mux.HandleFunc("GET /agent/tasks/{task_id}/steps/{step_id}", s.handleGetStep)

	mux.HandleFunc("GET /agent/tasks/{task_id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("POST /agent/tasks/{task_id}/artifacts", s.handleUploadArtifact)
	mux.HandleFunc("GET /agent/tasks/{task_id}/artifacts/{artifact_id}", s.handleDownloadArtifact)

	if s.metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.metrics.Middleware(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。上下文取消时优雅关闭并返回 nil。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("HTTP 服务已启动", "address", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Named("api").Warn("HTTP 服务关闭超时", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
