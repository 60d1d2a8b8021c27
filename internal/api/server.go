package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"RentEscrow/internal/auth"
	"RentEscrow/internal/lending"
	"RentEscrow/internal/observability/alerting"
	"RentEscrow/internal/observability/metrics"
	"RentEscrow/internal/registry"
	"RentEscrow/pkg/logger"
)

// Server 负责暴露 REST 接口，供房东和租客驱动租赁协议。
type Server struct {
	addr     string
	registry *registry.Registry
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	alerts   alerting.Dispatcher
	lending  *lending.Service
	log      *slog.Logger
}

// Option 调整 Server。
type Option func(*Server)

// WithVerifier 为所有接口挂载调用方签名校验。
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAlerts 在操作返回需要告警的错误时发送通知。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Server) { s.alerts = d }
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{addr: addr, registry: reg}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("api")
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/rentals", "create_rental", s.handleCreateRental)
	s.route(mux, "GET /api/v1/owners/{owner}/rentals", "list_rentals", s.handleListRentals)
	s.route(mux, "GET /api/v1/owners/{owner}/rentals/{index}", "rental_by_index", s.handleRentalByIndex)
	s.route(mux, "GET /api/v1/agreements/{address}", "agreement", s.handleAgreement)
	s.route(mux, "POST /api/v1/agreements/{address}/enter", "enter", s.handleEnter)
	s.route(mux, "POST /api/v1/agreements/{address}/pay", "pay", s.handlePayRent)
	s.route(mux, "POST /api/v1/agreements/{address}/withdraw-unpaid", "withdraw_unpaid", s.handleWithdrawUnpaid)
	s.route(mux, "POST /api/v1/agreements/{address}/end", "end", s.handleEndRental)
	s.lendingRoutes(mux)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var handler http.Handler = mux
	if s.verifier != nil {
		handler = s.verifier.Middleware(handler)
	}
	return handler
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.metrics != nil {
		h = s.metrics.Instrument(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	return s.StartWithTimeouts(ctx, 5*time.Second, 0, 0)
}

// StartWithTimeouts 与 Start 相同，但允许指定读写超时。零值表示不限制。
func (s *Server) StartWithTimeouts(ctx context.Context, readHeader, read, write time.Duration) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: readHeader,
		ReadTimeout:       read,
		WriteTimeout:      write,
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
