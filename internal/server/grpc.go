package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/beaver-async/pkg/health"
)

// HealthService implements grpc.health.v1.Health over a health.Monitor.
//
// Service names:
//   - "" and the runtime's service name report the aggregate status;
//   - a registered check name reports that check alone;
//   - anything else is NotFound.
type HealthService struct {
	healthpb.UnimplementedHealthServer

	monitor *health.Monitor
	service string
	log     *zap.Logger
}

// NewHealthService serves m under the given service name.
func NewHealthService(m *health.Monitor, service string, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthService{monitor: m, service: service, log: logger.Named("grpc")}
}

// ServingStatus maps the monitor's view of service to a gRPC status. ok is
// false for unknown services.
func (h *HealthService) ServingStatus(service string) (healthpb.HealthCheckResponse_ServingStatus, bool) {
	if service == "" || service == h.service {
		if !h.monitor.IsAlive() || h.monitor.Status() == health.Unhealthy {
			return healthpb.HealthCheckResponse_NOT_SERVING, true
		}
		return healthpb.HealthCheckResponse_SERVING, true
	}
	check, ok := h.monitor.Check(service)
	if !ok {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, false
	}
	// Degraded 仍可服務
	if check.Status == health.Unhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING, true
	}
	return healthpb.HealthCheckResponse_SERVING, true
}

// Check implements the unary health RPC.
func (h *HealthService) Check(_ context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	st, ok := h.ServingStatus(req.GetService())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

// Watch sends the current status, then every change until the client
// leaves. Unknown services report SERVICE_UNKNOWN and stay open, as the
// health protocol requires.
func (h *HealthService) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	changed, stop := h.monitor.Watch()
	defer stop()

	last := healthpb.HealthCheckResponse_ServingStatus(-1)
	for {
		st, _ := h.ServingStatus(req.GetService())
		if st != last {
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: st}); err != nil {
				return status.Error(codes.Canceled, "stream closed")
			}
			last = st
		}
		select {
		case <-stream.Context().Done():
			return status.Error(codes.Canceled, "stream has ended")
		case <-changed:
		}
	}
}

// NewGRPC builds a gRPC server exposing svc and server reflection.
func NewGRPC(svc *HealthService, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, svc)
	reflection.Register(srv)
	return srv
}

// gracefulStopTimeout bounds GracefulStop; open Watch streams never finish
// on their own.
const gracefulStopTimeout = 5 * time.Second

// ServeGRPC serves srv on lis until ctx is done, then stops gracefully.
func ServeGRPC(ctx context.Context, srv *grpc.Server, lis net.Listener, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(gracefulStopTimeout):
			srv.Stop()
		}
		<-errCh
		logger.Info("grpc health server stopped")
		return nil
	}
}
