package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentDCA/internal/agentkey"
	"AgentDCA/internal/auth"
	"AgentDCA/internal/observability/metrics"
	"AgentDCA/internal/order"
	"AgentDCA/internal/reconcile"
	"AgentDCA/internal/scheduler"
	"AgentDCA/internal/web3"
	"AgentDCA/pkg/logger"
)

// Orders 是订单生命周期能力。
type Orders interface {
	Create(ctx context.Context, req order.CreateRequest) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	ListByUser(ctx context.Context, user string) ([]*order.Order, error)
	Cancel(ctx context.Context, id, reason string) (*order.Order, error)
	Pause(ctx context.Context, id, reason string) (*order.Order, error)
	Resume(ctx context.Context, id string) (*order.Order, error)
	Reauthorize(ctx context.Context, id, agentKeyID string) (*order.Order, error)
}

// Keys 是代理密钥管理能力，不包含明文私钥读取。
type Keys interface {
	Generate(ctx context.Context, userAddress string) (*agentkey.AgentKey, error)
	StoreSessionKey(ctx context.Context, in agentkey.StoreInput) (*agentkey.AgentKey, error)
	Get(ctx context.Context, id string) (*agentkey.AgentKey, error)
	Update(ctx context.Context, id string, patch agentkey.Patch) (*agentkey.AgentKey, error)
	Deactivate(ctx context.Context, id string) error
	GetByWallet(ctx context.Context, wallet string) (*agentkey.AgentKey, error)
	ListByUser(ctx context.Context, userAddress string) ([]*agentkey.AgentKey, error)
}

// Scheduler 触发一次调度。
type Scheduler interface {
	Tick(ctx context.Context) (scheduler.Report, error)
}

// Maintenance 是对账任务入口。
type Maintenance interface {
	Run(ctx context.Context) (reconcile.Result, error)
	Backfill(ctx context.Context) (reconcile.Result, error)
	Stats(ctx context.Context) (order.Stats, error)
}

// Chains 返回链状态快照。
type Chains interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Option 配置 Server。
type Option func(*Server)

// WithScheduler 挂载 /api/v1/scheduler/tick。
func WithScheduler(s Scheduler) Option {
	return func(srv *Server) { srv.scheduler = s }
}

// WithMaintenance 挂载运维接口。
func WithMaintenance(m Maintenance) Option {
	return func(srv *Server) { srv.maintenance = m }
}

// WithChains 挂载 /api/v1/chains。
func WithChains(c Chains) Option {
	return func(srv *Server) { srv.chains = c }
}

// WithAuth 设置认证服务，nil 表示不校验。
func WithAuth(a *auth.Service) Option {
	return func(srv *Server) { srv.auth = a }
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr        string
	orders      Orders
	keys        Keys
	scheduler   Scheduler
	maintenance Maintenance
	chains      Chains
	auth        *auth.Service
	log         *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orders Orders, keys Keys, opts ...Option) *Server {
	s := &Server{addr: addr, orders: orders, keys: keys, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	mux.Handle("GET /metrics", metrics.Handler())

	read := s.guard(auth.PermOrdersRead)
	write := s.guard(auth.PermOrdersWrite)
	keys := s.guard(auth.PermKeysWrite)
	maint := s.guard(auth.PermMaintenance)

	s.route(mux, "POST /api/v1/agent-keys", "agent_keys_generate", keys, s.handleGenerateKey)
	s.route(mux, "POST /api/v1/agent-keys/session", "agent_keys_store", keys, s.handleStoreSessionKey)
	s.route(mux, "GET /api/v1/agent-keys/{id}", "agent_keys_get", read, s.handleGetKey)
	s.route(mux, "PATCH /api/v1/agent-keys/{id}", "agent_keys_update", keys, s.handleUpdateKey)
	s.route(mux, "DELETE /api/v1/agent-keys/{id}", "agent_keys_deactivate", keys, s.handleDeactivateKey)
	s.route(mux, "GET /api/v1/wallets/{address}/agent-key", "agent_keys_by_wallet", read, s.handleKeyByWallet)
	s.route(mux, "GET /api/v1/users/{address}/agent-keys", "agent_keys_by_user", read, s.handleKeysByUser)

	s.route(mux, "POST /api/v1/orders", "orders_create", write, s.handleCreateOrder)
	s.route(mux, "GET /api/v1/orders/{id}", "orders_get", read, s.handleGetOrder)
	s.route(mux, "GET /api/v1/users/{address}/orders", "orders_by_user", read, s.handleOrdersByUser)
	s.route(mux, "POST /api/v1/orders/{id}/cancel", "orders_cancel", write, s.handleCancelOrder)
	s.route(mux, "POST /api/v1/orders/{id}/pause", "orders_pause", write, s.handlePauseOrder)
	s.route(mux, "POST /api/v1/orders/{id}/resume", "orders_resume", write, s.handleResumeOrder)
	s.route(mux, "POST /api/v1/orders/{id}/reauthorize", "orders_reauthorize", write, s.handleReauthorizeOrder)

	if s.scheduler != nil {
		s.route(mux, "POST /api/v1/scheduler/tick", "scheduler_tick", maint, s.handleTick)
	}
	if s.maintenance != nil {
		s.route(mux, "POST /api/v1/maintenance/reconcile", "maintenance_reconcile", maint, s.handleReconcile)
		s.route(mux, "POST /api/v1/maintenance/backfill", "maintenance_backfill", maint, s.handleBackfill)
		s.route(mux, "GET /api/v1/maintenance/stats", "maintenance_stats", read, s.handleStats)
	}
	if s.chains != nil {
		s.route(mux, "GET /api/v1/chains", "chains", read, s.handleChains)
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) guard(perm string) func(http.Handler) http.Handler {
	return s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: map[string][]string{"*": {perm}}})
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, guard func(http.Handler) http.Handler, h http.HandlerFunc) {
	mux.Handle(pattern, instrument(name, guard(h)))
}

// instrument 记录请求数、错误数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
