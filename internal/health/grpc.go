package health

import (
	"context"
	"errors"
	"net"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName — имя сервиса в grpc.health.v1, кроме общего "".
const ServiceName = "storefront.Checkout"

const defaultMirrorInterval = 5 * time.Second

// GRPCServer поднимает grpc.health.v1, статус которого повторяет readiness.
type GRPCServer struct {
	server   *grpc.Server
	health   *grpchealth.Server
	handler  *Handler
	interval time.Duration
	logger   *log.Entry
}

// NewGRPCServer создаёт сервер с health, reflection и метриками go-grpc-prometheus.
func NewGRPCServer(handler *Handler, registerer prometheus.Registerer, logger *log.Entry) *GRPCServer {
	if logger == nil {
		logger = log.WithField("component", "grpc-health")
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := registerer.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		server:   server,
		health:   healthServer,
		handler:  handler,
		interval: defaultMirrorInterval,
		logger:   logger,
	}
}

// Sync выставляет статус по текущему результату readiness.
func (s *GRPCServer) Sync(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if ready, failed := s.handler.Ready(ctx); !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.WithField("failed", failed).Debug("grpc health is not serving")
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve обслуживает lis и обновляет статус каждые interval до отмены ctx.
// По отмене ctx статус переводится в NOT_SERVING и сервер останавливается.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.Sync(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.stop()
			return nil
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

func (s *GRPCServer) stop() {
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		s.logger.Warn("graceful stop timed out, forcing grpc server stop")
		s.server.Stop()
	}
}
