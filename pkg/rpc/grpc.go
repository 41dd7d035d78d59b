package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard gRPC health service. It reports SERVING
// for as long as Run is running, so an orchestrator sees the relay go
// NOT_SERVING across a service restart.
type HealthServer struct {
	addr   string
	server *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// NewHealthServer creates a health server listening on addr.
func NewHealthServer(addr string, log zerolog.Logger) *HealthServer {
	server := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &HealthServer{
		addr:   addr,
		server: server,
		health: hs,
		log:    log.With().Str("component", "grpc_health").Logger(),
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (h *HealthServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	return h.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled. lis is closed on return.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		h.log.Info().Str("address", lis.Addr().String()).Msg("grpc health server started")
		errCh <- h.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		h.health.Shutdown()
		return fmt.Errorf("grpc health server: %w", err)
	case <-ctx.Done():
	}

	// Shutdown flips every service to NOT_SERVING before connections drain.
	h.health.Shutdown()
	h.server.GracefulStop()
	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	h.log.Debug().Msg("grpc health server shutdown")
	return nil
}
