// Package grpcserver exposes the standard grpc.health.v1 service so
// orchestrators can check the ingest service.
package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "editais.IngestService"

// Pinger reports storage reachability. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps a grpc.Server carrying the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// New builds a Server. Status starts as NOT_SERVING until SetServing(true).
func New(opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		log:    slog.With("component", "grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips both the overall and the named service status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Refresh pings storage and sets the status accordingly.
func (s *Server) Refresh(ctx context.Context, p Pinger) {
	err := p.Ping(ctx)
	if err != nil {
		s.log.Warn("storage unreachable", "err", err)
	}
	s.SetServing(err == nil)
}

// Watch pings storage every interval until ctx is done, starting with an
// immediate check.
func (s *Server) Watch(ctx context.Context, p Pinger, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		s.Refresh(pctx, p)
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Serve blocks accepting connections on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// GracefulStop reports NOT_SERVING to watchers, then drains connections.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
