package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"FundLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const shutdownTimeout = 5 * time.Second

// Deps holds what the transports need.
type Deps struct {
	Service  *Service
	Log      LogReader
	Auth     *Authenticator
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server runs the gRPC service and the HTTP gateway side by side.
type Server struct {
	grpcAddr string
	httpAddr string

	grpcServer *grpc.Server
	grpcHealth *health.Server
	httpServer *http.Server
	logger     zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(deps.Auth.UnaryInterceptor()),
	)
	Register(grpcServer, deps.Service)

	grpcHealth := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	gw, err := NewGateway(deps.Service, deps.Log, deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &Server{
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		grpcServer: grpcServer,
		grpcHealth: grpcHealth,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           NewRouter(gw, deps.Auth, deps.Health, deps.Gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: deps.Logger.With().Str("component", "server").Logger(),
	}, nil
}

// SetServing flips the gRPC health status, e.g. when the writer lease is lost.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.grpcHealth.SetServingStatus("", st)
}

// ServeGRPC blocks until ctx is cancelled or the listener fails.
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcHealth.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// ServeHTTP blocks until ctx is cancelled or the listener fails.
func (s *Server) ServeHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
