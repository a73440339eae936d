package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

type Server struct {
	grpcServer  *grpc.Server
	fleet       *fleet.Server
	connManager *ConnectionManager
	port        int
	listener    net.Listener
}

// NewServer builds the contact endpoint. creds may be nil for plaintext.
func NewServer(port int, fleetServer *fleet.Server, creds credentials.TransportCredentials) *Server {
	var opts []grpc.ServerOption
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
		slog.Info("TLS enabled for gRPC server")
	}

	s := &Server{
		grpcServer:  grpc.NewServer(opts...),
		fleet:       fleetServer,
		connManager: NewConnectionManager(fleetServer.Clock()),
		port:        port,
	}
	wire.RegisterFleetServiceServer(s.grpcServer, s)
	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	slog.Info("Starting gRPC server", "port", s.port)
	return s.Serve(lis)
}

// Serve accepts contacts on lis until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.listener = lis
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}

	s.connManager.Stop()

	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}

func (s *Server) Connections() *ConnectionManager {
	return s.connManager
}
