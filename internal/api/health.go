package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/zde37/chordring/pkg"
)

// HealthServicePrefix prefixes the per-peer gRPC health service names.
const HealthServicePrefix = "chordring.peer/"

// HealthServiceName returns the health service name for a peer address.
func HealthServiceName(address string) string {
	return HealthServicePrefix + address
}

// HealthServer exposes the standard gRPC health service with one entry per local peer.
// The overall ("") status is SERVING while at least one peer runs.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	peers    []RingPeer
	interval time.Duration
	logger   *pkg.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthServer creates the admin gRPC server for peers.
// Statuses are refreshed every interval until Stop.
func NewHealthServer(peers []RingPeer, interval time.Duration, logger *pkg.Logger) (*HealthServer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %s", interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthServer{
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		peers:    peers,
		interval: interval,
		logger:   logger.WithFields(pkg.Fields{"component": "grpc_health"}),
		ctx:      ctx,
		cancel:   cancel,
	}

	healthpb.RegisterHealthServer(h.server, h.health)
	reflection.Register(h.server) // self-documentation for the server
	h.Refresh()

	h.wg.Add(1)
	go h.refreshLoop()
	return h, nil
}

// Refresh sets every peer's status from whether it is still running.
func (h *HealthServer) Refresh() {
	running := 0
	for _, p := range h.peers {
		status := healthpb.HealthCheckResponse_SERVING
		if p.IsShutdown() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		} else {
			running++
		}
		h.health.SetServingStatus(HealthServiceName(p.Address().Address()), status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if running == 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", overall)
}

// Start listens on port and serves in the background.
func (h *HealthServer) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	h.logger.Info().
		Str("listen", listener.Addr().String()).
		Msg("Starting gRPC health server")

	go func() {
		if err := h.Serve(listener); err != nil {
			h.logger.Error().Err(err).Msg("gRPC health server error")
		}
	}()
	return nil
}

// Serve serves on listener until Stop.
func (h *HealthServer) Serve(listener net.Listener) error {
	return h.server.Serve(listener)
}

func (h *HealthServer) refreshLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Refresh()
		}
	}
}

// Stop marks every service NOT_SERVING and stops the server.
func (h *HealthServer) Stop() {
	h.logger.Info().Msg("Stopping gRPC health server")

	h.cancel()
	h.wg.Wait()
	h.health.Shutdown()
	h.server.GracefulStop()
}
