package main

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported by the health endpoint.
const HealthService = "husky.soak"

// healthEndpoint serves the standard gRPC health protocol. The soak
// service is SERVING while the workload is clean.
type healthEndpoint struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
}

func startHealth(addr string, logger *zap.Logger) (*healthEndpoint, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()
	logger.Info("health server listening", zap.String("address", lis.Addr().String()))
	return &healthEndpoint{server: srv, health: hs, lis: lis}, nil
}

func (h *healthEndpoint) Addr() string {
	return h.lis.Addr().String()
}

func (h *healthEndpoint) markCorrupt() {
	h.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
}

func (h *healthEndpoint) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
