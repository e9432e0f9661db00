// ============================================================================
// Beaver-Async Observability Server - HTTP 觀測端點
// ============================================================================
//
// Package: internal/server
// 文件: http.go
// 功能: 透過 HTTP 對外暴露執行期的指標、健康狀態與追蹤資料
//
// 端點:
//   GET /metrics  - Prometheus 文字格式（Collector + Go runtime 指標）
//   GET /health   - 完整健康報告 JSON；Unhealthy 時回 503
//   GET /healthz  - 存活探針
//   GET /readyz   - 就緒探針
//   GET /traces   - 已完成 span 的 Jaeger JSON
//   GET /ws       - WebSocket，每個 StreamInterval 推送一次狀態快照
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-async/internal/snapshot"
	"github.com/ChuLiYu/beaver-async/pkg/async"
	"github.com/ChuLiYu/beaver-async/pkg/health"
	"github.com/ChuLiYu/beaver-async/pkg/metrics"
)

// HTTPOptions configures the HTTP server.
type HTTPOptions struct {
	StreamInterval  time.Duration
	ShutdownTimeout time.Duration
	// Capture builds the records streamed on /ws. Defaults to
	// snapshot.Capture without a span log position.
	Capture func() snapshot.Record
	Logger  *zap.Logger
}

// HTTPServer serves the observability endpoints of one runtime.
type HTTPServer struct {
	rt       *async.Runtime
	log      *zap.Logger
	registry *prometheus.Registry
	hub      *Hub
	mux      *http.ServeMux
	opts     HTTPOptions
}

// NewHTTP registers rt's collector on a fresh registry and builds the mux.
func NewHTTP(rt *async.Runtime, opts HTTPOptions) (*HTTPServer, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Capture == nil {
		opts.Capture = func() snapshot.Record { return snapshot.Capture(rt, 0) }
	}

	reg := prometheus.NewRegistry()
	if _, err := metrics.Register(reg, rt.Metrics()); err != nil {
		return nil, err
	}
	if _, err := metrics.Register(reg, collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	s := &HTTPServer{
		rt:       rt,
		log:      opts.Logger.Named("http"),
		registry: reg,
		mux:      http.NewServeMux(),
		opts:     opts,
	}
	s.hub = newHub(opts.StreamInterval, opts.Capture, s.log)

	s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /healthz", s.handleLiveness)
	s.mux.HandleFunc("GET /readyz", s.handleReadiness)
	s.mux.HandleFunc("GET /traces", s.handleTraces)
	s.mux.Handle("GET /ws", s.hub)
	return s, nil
}

// Handler returns the endpoint mux.
func (s *HTTPServer) Handler() http.Handler { return s.mux }

// Registry returns the registry behind /metrics.
func (s *HTTPServer) Registry() *prometheus.Registry { return s.registry }

// Hub returns the snapshot stream hub.
func (s *HTTPServer) Hub() *Hub { return s.hub }

// Serve accepts connections on lis until ctx is done, then shuts down
// gracefully within ShutdownTimeout.
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.log.Info("observability server listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("observability server stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.rt.Health().Report()
	data, err := report.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if report.Status == health.Unhealthy || !report.Alive {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, data)
}

func (s *HTTPServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	if !s.rt.Health().IsAlive() {
		http.Error(w, "not alive", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

func (s *HTTPServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !s.rt.Health().IsReady() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ready\n"))
}

func (s *HTTPServer) handleTraces(w http.ResponseWriter, _ *http.Request) {
	data, err := s.rt.Tracer().ToJaegerJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func writeJSON(w http.ResponseWriter, code int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
