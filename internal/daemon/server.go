package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server manages the gRPC server lifecycle for a profile daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	states     <-chan bus.Event
	unsub      func()
	logger     *zap.Logger
	done       chan struct{}
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, b *bus.Bus, machine *status.Machine, control *api.ControlService) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	api.RegisterControlServer(srv, control)

	// The daemon itself is serving once the socket is up; the control
	// service is serving only while push events flow.
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(api.ServiceName, servingStatus(machine.Current()))
	states, unsub := b.Subscribe(bus.KindConnStateChanged, 16)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		states:     states,
		unsub:      unsub,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	go s.trackHealth()
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file. Open
// streams are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	close(s.done)
	s.unsub()
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing connections")
		s.grpcServer.Stop()
		<-stopped
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) trackHealth() {
	for {
		select {
		case evt, ok := <-s.states:
			if !ok {
				return
			}
			change, ok := evt.Payload.(status.StatusChange)
			if !ok {
				continue
			}
			s.health.SetServingStatus(api.ServiceName, servingStatus(change.To))
		case <-s.done:
			return
		}
	}
}

func servingStatus(st status.State) healthpb.HealthCheckResponse_ServingStatus {
	if st.Healthy() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
