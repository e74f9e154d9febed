package publisher

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/arsac/ndnchunks/internal/health"
	"github.com/arsac/ndnchunks/internal/wire"
)

const (
	// maxGRPCMessageSize leaves room for the interest and content envelope
	// around a full segment.
	maxGRPCMessageSize = MaxSegmentSize + 64*1024
)

// ServerConfig configures the publisher's gRPC server.
type ServerConfig struct {
	ListenAddr string
}

// Server exposes a Publisher over gRPC.
type Server struct {
	config       ServerConfig
	publisher    *Publisher
	logger       *slog.Logger
	healthServer *health.Server

	server *grpc.Server
	addrCh chan net.Addr
}

// NewServer creates a server for p. healthServer may be nil.
func NewServer(cfg ServerConfig, p *Publisher, logger *slog.Logger, healthServer *health.Server) *Server {
	return &Server{
		config:       cfg,
		publisher:    p,
		logger:       logger.With("component", "publisher-server"),
		healthServer: healthServer,
		addrCh:       make(chan net.Addr, 1),
	}
}

// Addr returns the bound listen address once Run has started listening.
func (s *Server) Addr() <-chan net.Addr {
	return s.addrCh
}

// Run serves interests until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxGRPCMessageSize),
		grpc.MaxSendMsgSize(maxGRPCMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second, // Send pings every 30s if no activity
			Timeout: 10 * time.Second, // Wait 10s for ping ack
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             15 * time.Second, // Allow client pings as frequent as 15s
			PermitWithoutStream: true,             // Allow pings even when no active streams
		}),
	)
	wire.RegisterSegmentsServer(s.server, s.publisher)

	grpcHealthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(s.server, grpcHealthServer)
	grpcHealthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcHealthServer.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_SERVING)

	if s.healthServer != nil {
		s.healthServer.RegisterCheck("content", health.ContentCheck(s.publisher.Segments))
		s.healthServer.SetReady(true)
	}

	s.logger.InfoContext(ctx, "starting gRPC server", "addr", listener.Addr().String())

	s.addrCh <- listener.Addr()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down gRPC server")
		grpcHealthServer.Shutdown()
		s.server.GracefulStop()
		stats := s.publisher.Stats()
		s.logger.InfoContext(ctx, "publisher stopped",
			"served", stats.Served,
			"bytes", stats.Bytes,
			"rejected", stats.Rejected)
		return ctx.Err()
	case serveErr := <-errCh:
		return serveErr
	}
}
