package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"claimdesk.org/internal/obs"
)

// GRPCServer publishes readiness through the standard gRPC health service so
// orchestrators can check the process without HTTP.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	log       *zap.Logger
}

// NewGRPCServer creates the health publisher. A nil logger selects obs.Logger().
func NewGRPCServer(r readinessChecker, log *zap.Logger) *GRPCServer {
	if r == nil {
		r = Readiness{}
	}
	if log == nil {
		log = obs.Logger()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCServer{health: hs, readiness: r, log: log}
}

// Register attaches the health service to s.
func (g *GRPCServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, g.health)
}

// Refresh runs the readiness check once and publishes the result.
func (g *GRPCServer) Refresh(ctx context.Context) error {
	err := g.readiness.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		g.log.Warn("readiness check failed", zap.Error(err))
	}
	obs.SetReady(err == nil)
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
	return err
}

// Watch refreshes every interval until ctx ends, then marks the service as
// shutting down.
func (g *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_ = g.Refresh(ctx)
		select {
		case <-ctx.Done():
			g.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
