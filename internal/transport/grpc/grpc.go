// Package grpc implements the gRPC transport for voicechat.
//
// It serves the standard grpc.health.v1.Health service so that gRPC-aware
// orchestrators (Kubernetes grpc probes, grpc_health_probe, service meshes)
// can check the daemon, plus server reflection for ad-hoc inspection.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for chat sessions.
const ServiceName = "voicechat.Session"

// Transport serves gRPC health checks.
type Transport struct {
	port   int
	health *health.Server
	server *grpc.Server
}

// New creates a new gRPC transport on the given port. Every service starts
// out NOT_SERVING.
func New(port int) *Transport {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &Transport{port: port, health: hs, server: srv}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "grpc" }

// SetServing flips the reported health of the daemon and its session service.
func (t *Transport) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	t.health.SetServingStatus("", status)
	t.health.SetServingStatus(ServiceName, status)
}

// Listen starts the gRPC server and blocks until ctx is cancelled.
func (t *Transport) Listen(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return t.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (t *Transport) Serve(ctx context.Context, lis net.Listener) error {
	slog.Info("grpc transport listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Info("grpc transport shutting down")
		t.health.Shutdown()
		t.server.GracefulStop()
	}()

	if err := t.server.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
