package api

import (
	"context"
	"fmt"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/swa-analytics/anomaly-pipeline/internal/config"
)

// Component names reported by the health service.
const (
	EvaluatorService   = "swa.anomaly.Evaluator"
	AlertWorkerService = "swa.anomaly.AlertWorker"
)

// AdminServer is the gRPC admin surface of a pipeline binary: health checks
// for orchestrator probes, reflection and gRPC metrics.
type AdminServer struct {
	cfg        config.ServerConfig
	component  string
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewAdminServer binds the configured address. The component starts NOT_SERVING
// until SetServing(true) is called.
func NewAdminServer(cfg config.ServerConfig, component string, opts ...grpc.ServerOption) (*AdminServer, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)
	grpc_prometheus.Register(grpcServer)

	s := &AdminServer{
		cfg:        cfg,
		component:  component,
		grpcServer: grpcServer,
		health:     healthSrv,
		listener:   lis,
	}
	s.SetServing(false)
	return s, nil
}

// SetServing flips both the overall and the component health status.
func (s *AdminServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	if s.component != "" {
		s.health.SetServingStatus(s.component, status)
	}
}

// Start serves until Shutdown is invoked.
func (s *AdminServer) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown marks the server NOT_SERVING and stops gracefully, falling back to
// Stop when ctx ends first.
func (s *AdminServer) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address.
func (s *AdminServer) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *AdminServer) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
