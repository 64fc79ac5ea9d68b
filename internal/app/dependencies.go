package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/gateway/stripe"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

// runtimeDependencies собирает адаптеры хранилища выбранного драйвера.
type runtimeDependencies struct {
	orders      domain.OrderRepository
	payments    domain.PaymentLedger
	timeline    domain.TimelineRepository
	outbox      domain.OutboxRepository
	idempotency domain.IdempotencyRepository
	profiles    domain.ProfileRepository
	catalog     domain.ProductCatalog

	storageChecker healthcheck.Checker
	collectors     []prometheus.Collector
	closeFn        func() error
}

// demoProducts заполняет каталог в memory-режиме.
func demoProducts() []memory.Product {
	return []memory.Product{
		{ID: 1, Name: "Camiseta básica", PriceMinor: 4500000, Stock: 50},
		{ID: 2, Name: "Gorra bordada", PriceMinor: 3200000, Stock: 30},
		{ID: 3, Name: "Taza cerámica", PriceMinor: 1800000, Stock: 100},
	}
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		logger.Warn("using in-memory storage: data is lost on restart")
		return initMemoryDependencies(), nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryDependencies() *runtimeDependencies {
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	orders := memory.NewOrderRepository(outbox, timeline)
	catalog := memory.NewCatalog(demoProducts()...)
	inventory := memory.NewInventory(catalog, orders)

	return &runtimeDependencies{
		orders:         orders,
		payments:       memory.NewPaymentLedger(orders, inventory, outbox, timeline),
		timeline:       timeline,
		outbox:         outbox,
		idempotency:    memory.NewIdempotencyRepository(),
		profiles:       memory.NewProfileRepository(),
		catalog:        catalog,
		storageChecker: healthcheck.NewProbe("storage", func(context.Context) error { return nil }),
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("postgres dsn is required for postgres storage")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	return &runtimeDependencies{
		orders:         postgres.NewOrderRepository(store),
		payments:       postgres.NewPaymentLedger(store, postgres.NewStockDecrementer(store)),
		timeline:       postgres.NewTimelineRepository(store),
		outbox:         postgres.NewOutboxRepository(store),
		idempotency:    postgres.NewIdempotencyRepository(store),
		profiles:       postgres.NewProfileRepository(store),
		catalog:        postgres.NewProductCatalog(store),
		storageChecker: healthcheck.NewPingChecker("postgres", store),
		collectors:     []prometheus.Collector{collectors.NewDBStatsCollector(store.DB(), "storefront")},
		closeFn:        store.Close,
	}, nil
}

// initGateway выбирает Stripe или локальную подделку.
func initGateway(cfg Config, logger *log.Entry) (domain.PaymentGateway, error) {
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		if !cfg.AllowFakeGateway {
			return nil, errors.New("STRIPE_SECRET_KEY is required")
		}
		logger.Warn("STRIPE_SECRET_KEY is empty: using fake payment gateway")
		return stripe.NewFakeGateway(cfg.StripeWebhookSecret), nil
	}

	return stripe.New(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.GatewayTimeout,
	})
}

// outboxLagCheck деградирует /healthz, если старейшее неотправленное
// событие ждёт дольше threshold. Readiness от него не зависит.
func outboxLagCheck(repo domain.OutboxRepository, threshold time.Duration) healthcheck.Checker {
	return healthcheck.Optional(healthcheck.NewProbe("outbox", func(ctx context.Context) error {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
			return nil
		}
		if lag := time.Since(stats.OldestPendingAt); lag > threshold {
			return fmt.Errorf("%d events pending, oldest for %s", stats.PendingCount, lag.Round(time.Second))
		}
		return nil
	}))
}
