package grpc

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aradsms/verification_gateway/internal/verification_service/upstream"
)

// HealthServer publishes upstream breaker state through the standard gRPC health protocol.
// Each upstream name is a health service: SERVING while its breaker is closed or half-open, NOT_SERVING while open.
// The empty service name reports the process itself.
type HealthServer struct {
	srv    *health.Server
	logger *slog.Logger
}

func NewHealthServer(breakers *upstream.BreakerSet, logger *slog.Logger) *HealthServer {
	h := &HealthServer{
		srv:    health.NewServer(),
		logger: logger.With("component", "grpc_health"),
	}
	for _, cs := range breakers.Snapshot() {
		h.srv.SetServingStatus(cs.Name, servingStatus(cs.State))
	}
	breakers.OnStateChange(h.onStateChange)
	return h
}

// Track registers an upstream before its breaker has seen any traffic.
func (h *HealthServer) Track(names ...string) {
	for _, name := range names {
		h.srv.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Shutdown flips every service to NOT_SERVING so load balancers drain before GracefulStop.
func (h *HealthServer) Shutdown() {
	h.srv.Shutdown()
}

// Server exposes the underlying health implementation.
func (h *HealthServer) Server() healthpb.HealthServer {
	return h.srv
}

func (h *HealthServer) onStateChange(name string, from, to upstream.State) {
	status := servingStatus(to)
	h.srv.SetServingStatus(name, status)
	h.logger.Info("Upstream health changed", "upstream", name, "from", from.String(), "to", to.String(), "serving_status", status.String())
}

func servingStatus(s upstream.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == upstream.StateOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
