// Package app собирает сервис витрины: хранилище, платёжный шлюз, HTTP API,
// фоновые воркеры и служебные серверы.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	readHeaderTimeout  = 5 * time.Second
	outboxLagThreshold = 5 * time.Minute
)

// application хранит собранный сервис, готовый к запуску на listener'ах.
type application struct {
	cfg      Config
	logger   *log.Entry
	deps     *runtimeDependencies
	pubs     *publishers
	registry *prometheus.Registry
	health   *healthcheck.Handler

	apiHandler     http.Handler
	metricsHandler http.Handler
	grpcHealth     *healthcheck.GRPCServer
	outboxWorker   *outbox.Worker
	cleanupWorker  *idempotency.CleanupWorker
}

// Run поднимает сервис и блокируется до отмены ctx или ошибки сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}
	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = apiLis.Close()
		return fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
	}
	var grpcLis net.Listener
	if cfg.GRPCHealthAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			_ = apiLis.Close()
			_ = metricsLis.Close()
			return fmt.Errorf("listen grpc health %s: %w", cfg.GRPCHealthAddr, err)
		}
	}

	return a.serve(ctx, apiLis, metricsLis, grpcLis)
}

func newApplication(ctx context.Context, cfg Config, logger *log.Entry) (*application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &application{cfg: cfg, logger: logger, deps: deps}

	if err := a.build(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *application) build() error {
	cfg := a.cfg

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		version.Collector(),
	)
	a.registry.MustRegister(a.deps.collectors...)
	checkoutMetrics := metrics.NewCheckoutMetricsWithRegisterer(a.registry)

	gateway, err := initGateway(cfg, a.logger)
	if err != nil {
		return err
	}
	verifier, err := auth.NewJWTVerifier(cfg.SupabaseJWTSecret)
	if err != nil {
		return err
	}

	service, err := checkout.NewService(checkout.Dependencies{
		Orders:     a.deps.orders,
		Payments:   a.deps.payments,
		Timeline:   a.deps.timeline,
		Gateway:    gateway,
		Authorizer: auth.NewRoleAuthorizer(a.deps.profiles),
		Catalog:    a.deps.catalog,
	}, checkout.Config{
		Currency:       cfg.Currency,
		PublicURL:      cfg.PublicURL,
		GatewayTimeout: cfg.GatewayTimeout,
	},
		checkout.WithLogger(a.logger.WithField("component", "checkout")),
		checkout.WithMetrics(checkoutMetrics),
	)
	if err != nil {
		return err
	}

	reconciler, err := checkout.NewReconciler(gateway, a.deps.payments,
		checkout.WithLogger(a.logger.WithField("component", "webhook-reconciler")),
		checkout.WithMetrics(checkoutMetrics),
	)
	if err != nil {
		return err
	}

	api, err := httpapi.NewHandler(httpapi.Dependencies{
		Checkout:    service,
		Reconciler:  reconciler,
		Verifier:    verifier,
		Idempotency: a.deps.idempotency,
		Metrics:     checkoutMetrics,
		Logger:      a.logger.WithField("component", "http"),
	}, httpapi.Config{
		SupabaseURL:     cfg.SupabaseURL,
		SupabaseAnonKey: cfg.SupabaseAnonKey,
		RateRPS:         cfg.RateRPS,
		RateBurst:       cfg.RateBurst,
		IdempotencyTTL:  cfg.IdempotencyTTL,
	})
	if err != nil {
		return err
	}
	a.apiHandler = api.Routes()

	a.health = healthcheck.NewHandler(version.GetVersion())
	a.health.RegisterChecker("storage", a.deps.storageChecker)
	a.health.RegisterChecker("outbox", outboxLagCheck(a.deps.outbox, outboxLagThreshold))
	a.metricsHandler = a.newMetricsMux()

	if cfg.GRPCHealthAddr != "" {
		a.grpcHealth = healthcheck.NewGRPCServer(a.health, a.registry, a.logger.WithField("component", "grpc-health"))
	}

	a.pubs, err = initPublishers(cfg, a.logger)
	if err != nil {
		return err
	}
	if a.pubs.events != nil {
		workerOpts := []outbox.Option{
			outbox.WithLogger(a.logger.WithField("component", "outbox-worker")),
			outbox.WithMetrics(metrics.NewOutboxMetrics(a.registry)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		}
		if a.pubs.dlq != nil {
			workerOpts = append(workerOpts, outbox.WithDLQPublisher(a.pubs.dlq))
		}
		a.outboxWorker = outbox.NewWorker(a.deps.outbox, a.pubs.events, workerOpts...)
	}

	a.cleanupWorker = idempotency.NewCleanupWorker(a.deps.idempotency,
		idempotency.WithLogger(a.logger.WithField("component", "idempotency-cleanup-worker")),
		idempotency.WithMetrics(metrics.NewIdempotencyCleanupMetrics(a.registry)),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	return nil
}

// newMetricsMux обслуживает служебный порт с /metrics и health-пробами.
func (a *application) newMetricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.Handle("/healthz", a.health)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", a.health.ReadinessHandler)
	return mux
}

// serve запускает серверы и воркеры; возвращает ctx.Err() после штатной остановки.
func (a *application) serve(ctx context.Context, apiLis, metricsLis, grpcLis net.Listener) error {
	apiSrv := &http.Server{Handler: a.apiHandler, ReadHeaderTimeout: readHeaderTimeout}
	metricsSrv := &http.Server{Handler: a.metricsHandler, ReadHeaderTimeout: readHeaderTimeout}

	workersCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	var workers sync.WaitGroup
	if a.outboxWorker != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.outboxWorker.Run(workersCtx)
		}()
	}
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.cleanupWorker.Run(workersCtx)
	}()

	errCh := make(chan error, 3)
	go func() {
		a.logger.Infof("HTTP API слушает %s", apiLis.Addr())
		errCh <- serveHTTP(apiSrv, apiLis)
	}()
	go func() {
		a.logger.Infof("метрики и health checks доступны на %s", metricsLis.Addr())
		errCh <- serveHTTP(metricsSrv, metricsLis)
	}()

	grpcCtx, stopGRPC := context.WithCancel(context.Background())
	defer stopGRPC()
	grpcDone := make(chan struct{})
	if a.grpcHealth != nil && grpcLis != nil {
		go func() {
			defer close(grpcDone)
			a.logger.Infof("gRPC health слушает %s", grpcLis.Addr())
			if err := a.grpcHealth.Serve(grpcCtx, grpcLis); err != nil {
				errCh <- err
			}
		}()
	} else {
		close(grpcDone)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("получен сигнал остановки, останавливаем сервис")
		runErr = ctx.Err()
	case err := <-errCh:
		a.logger.WithError(err).Error("server stopped unexpectedly")
		runErr = err
	}

	a.health.SetDraining(true)
	if a.grpcHealth != nil {
		a.grpcHealth.Sync(context.Background())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	shutdownHTTP(shutdownCtx, apiSrv, a.logger)

	stopWorkers()
	workers.Wait()
	stopGRPC()
	<-grpcDone
	shutdownHTTP(shutdownCtx, metricsSrv, a.logger)

	a.logger.Info("сервис остановлен")
	return runErr
}

func serveHTTP(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(ctx context.Context, srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

func (a *application) close() {
	if a.pubs != nil {
		if err := a.pubs.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close message publishers")
		}
	}
	if a.deps != nil && a.deps.closeFn != nil {
		if err := a.deps.closeFn(); err != nil {
			a.logger.WithError(err).Warn("failed to close storage")
		}
	}
}
