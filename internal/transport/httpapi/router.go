// Package httpapi реализует HTTP API витрины: оформление заказа, webhook платёжного
// шлюза и история заказов.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

const (
	defaultWebhookMaxBytes = 64 << 10
	defaultBodyMaxBytes    = 1 << 20
	defaultIdempotencyTTL  = 24 * time.Hour
)

// TokenVerifier проверяет bearer-токен и возвращает пользователя.
type TokenVerifier interface {
	Verify(token string) (domain.Principal, error)
}

// Config — параметры HTTP API.
type Config struct {
	// SupabaseURL и SupabaseAnonKey отдаются клиенту через /api/config.
	SupabaseURL     string
	SupabaseAnonKey string

	// RateRPS <= 0 отключает ограничение частоты запросов.
	RateRPS   float64
	RateBurst int

	IdempotencyTTL  time.Duration
	WebhookMaxBytes int64
}

// Dependencies перечисляет сервисы, которые обслуживает API.
type Dependencies struct {
	Checkout   *checkout.Service
	Reconciler *checkout.Reconciler
	Verifier   TokenVerifier
	// Idempotency необязателен: без него заголовок Idempotency-Key игнорируется.
	Idempotency domain.IdempotencyRepository
	Metrics     *metrics.CheckoutMetrics
	Logger      *log.Entry
	Tracer      trace.Tracer
}

// Handler держит зависимости обработчиков.
type Handler struct {
	checkout    *checkout.Service
	reconciler  *checkout.Reconciler
	verifier    TokenVerifier
	idempotency domain.IdempotencyRepository
	metrics     *metrics.CheckoutMetrics
	logger      *log.Entry
	tracer      trace.Tracer
	limiter     *ipRateLimiter
	cfg         Config
}

// NewHandler проверяет зависимости и собирает Handler.
func NewHandler(deps Dependencies, cfg Config) (*Handler, error) {
	switch {
	case deps.Checkout == nil:
		return nil, errors.New("httpapi: checkout service is required")
	case deps.Reconciler == nil:
		return nil, errors.New("httpapi: webhook reconciler is required")
	case deps.Verifier == nil:
		return nil, errors.New("httpapi: token verifier is required")
	}

	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.WebhookMaxBytes <= 0 {
		cfg.WebhookMaxBytes = defaultWebhookMaxBytes
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("storefront/http")
	}

	return &Handler{
		checkout:    deps.Checkout,
		reconciler:  deps.Reconciler,
		verifier:    deps.Verifier,
		idempotency: deps.Idempotency,
		metrics:     deps.Metrics,
		logger:      logger,
		tracer:      tracer,
		limiter:     newIPRateLimiter(cfg.RateRPS, cfg.RateBurst),
		cfg:         cfg,
	}, nil
}

// Routes возвращает chi-роутер со всеми маршрутами API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.observe)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Recurso no encontrado", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Método no permitido", nil)
	})

	// Webhook читает сырое тело: подпись считается по байтам запроса.
	r.Post("/api/stripe-webhook", h.handleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)

		r.Get("/api/config", h.handleConfig)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Post("/api/orders", h.handlePlaceOrder)
			r.Get("/api/user/orders", h.handleListUserOrders)
			r.Get("/api/user/orders/{orderID}", h.handleGetOrder)
			r.Get("/api/admin/orders", h.handleListAllOrders)
		})
	})

	return r
}

type configResponse struct {
	SupabaseURL     string `json:"supabaseUrl"`
	SupabaseAnonKey string `json:"supabaseAnonKey"`
}

func (h *Handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		SupabaseURL:     h.cfg.SupabaseURL,
		SupabaseAnonKey: h.cfg.SupabaseAnonKey,
	})
}
