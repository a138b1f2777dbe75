package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// InstanceService is the health service name reported for an instance.
func InstanceService(id string) string {
	return "instance/" + id
}

// Server serves gRPC health checks on the daemon's Unix domain socket. The
// overall service is SERVING while the daemon runs; each instance is SERVING
// only while ready.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	unsub func()
	done  chan struct{}
}

// NewServer creates a gRPC server bound to socketPath.
func NewServer(socketPath string, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		done:       make(chan struct{}),
	}
	ch, unsub := b.Subscribe(bus.KindStatus, 64)
	s.unsub = unsub
	go s.watch(ch)
	return s, nil
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// watch mirrors instance status events into the health service.
func (s *Server) watch(ch <-chan bus.Event) {
	for {
		select {
		case evt := <-ch:
			st, ok := evt.Payload.(bus.Status)
			if !ok || strings.TrimSpace(evt.InstanceID) == "" {
				continue
			}
			serving := healthpb.HealthCheckResponse_NOT_SERVING
			if status.State(st.Status) == status.Ready {
				serving = healthpb.HealthCheckResponse_SERVING
			}
			s.health.SetServingStatus(InstanceService(evt.InstanceID), serving)
		case <-s.done:
			return
		}
	}
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()
	s.unsub()
	close(s.done)
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
