package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
)

const unmatchedRoute = "unmatched"

type loggerContextKey struct{}

func withLogger(ctx context.Context, entry *log.Entry) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, entry)
}

func (h *Handler) loggerFrom(ctx context.Context) *log.Entry {
	if entry, ok := ctx.Value(loggerContextKey{}).(*log.Entry); ok {
		return entry
	}
	return h.logger
}

// observe открывает server span (с W3C-контекстом вызывающего), кладёт в ctx
// логгер запроса и пишет access log и HTTP-метрики по шаблону маршрута.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		entry := h.logger.WithFields(log.Fields{
			"request_id": middleware.GetReqID(ctx),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		if sc := span.SpanContext(); sc.IsValid() {
			entry = entry.WithFields(log.Fields{
				"trace_id": sc.TraceID().String(),
				"span_id":  sc.SpanID().String(),
			})
		}
		ctx = withLogger(ctx, entry)

		if h.metrics != nil {
			h.metrics.HTTPInFlightStarted()
			defer h.metrics.HTTPInFlightFinished()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		latency := time.Since(start)

		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Method, route, status, latency)
		}

		access := entry.WithFields(log.Fields{
			"route":      route,
			"status":     status,
			"bytes":      ww.BytesWritten(),
			"latency_ms": latency.Milliseconds(),
		})
		if status >= http.StatusInternalServerError {
			access.Warn("http request")
		} else {
			access.Info("http request")
		}
	})
}

// authenticate требует bearer-токен и кладёт пользователя в ctx.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, msgNoToken, nil)
			return
		}

		principal, err := h.verifier.Verify(token)
		if err != nil {
			h.loggerFrom(r.Context()).WithError(err).Debug("bearer token rejected")
			writeError(w, http.StatusUnauthorized, msgInvalidToken, nil)
			return
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = withLogger(ctx, h.loggerFrom(ctx).WithField("user_id", principal.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, msgRateLimited, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const (
	limiterIdleTTL       = 30 * time.Minute
	limiterSweepInterval = 5 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter держит token bucket на каждый IP клиента. Простаивающие
// лимитеры удаляются при очередном обращении после limiterSweepInterval.
type ipRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &ipRateLimiter{
		clients:   make(map[string]*clientLimiter),
		limit:     rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterSweepInterval {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// clientIP берёт адрес после middleware.RealIP, отбрасывая порт.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
