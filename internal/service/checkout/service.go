// Package checkout оформляет заказы, открывает сессии оплаты и сверяет
// webhook платёжного шлюза с журналом платежей.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	// DefaultListLimit — размер выдачи списков заказов по умолчанию.
	DefaultListLimit = 50
	// MaxListLimit — верхняя граница выдачи списка всех заказов.
	MaxListLimit = 200

	defaultGatewayTimeout = 10 * time.Second
	defaultSuccessPath    = "/pago-exitoso.html"
	defaultCancelPath     = "/pago-cancelado.html"
)

// Config задаёт параметры оформления заказа.
type Config struct {
	// Currency — код валюты заказов в нижнем регистре (ISO 4217).
	Currency string
	// PublicURL — адрес витрины, на который шлюз вернёт покупателя.
	PublicURL   string
	SuccessPath string
	CancelPath  string
	// GatewayTimeout ограничивает создание сессии оплаты.
	GatewayTimeout time.Duration
}

// Dependencies перечисляет порты, с которыми работает Service.
type Dependencies struct {
	Orders     domain.OrderRepository
	Payments   domain.PaymentLedger
	Timeline   domain.TimelineRepository
	Gateway    domain.PaymentGateway
	Authorizer domain.Authorizer
	// Catalog необязателен: без него цены корзины не сверяются.
	Catalog domain.ProductCatalog
}

// PlaceOrderInput — запрос на оформление заказа.
type PlaceOrderInput struct {
	Principal       domain.Principal
	Cart            domain.CartSnapshot
	ShippingAddress string
	ContactPhone    string
	Notes           string
}

// PlaceOrderResult — записанный заказ и адрес страницы оплаты.
type PlaceOrderResult struct {
	Order       domain.Order
	SessionID   string
	CheckoutURL string
}

// OrderDetails — заказ вместе с платежом и историей.
type OrderDetails struct {
	Order    domain.Order
	Payment  *domain.Payment
	Timeline []domain.TimelineEvent
}

// Service реализует запись заказа и открытие сессии оплаты.
type Service struct {
	deps       Dependencies
	cfg        Config
	successURL string
	cancelURL  string
	opts       options
}

// NewService проверяет зависимости и создаёт сервис.
func NewService(deps Dependencies, cfg Config, opts ...Option) (*Service, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("checkout: order repository is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout: payment ledger is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout: payment gateway is required")
	case deps.Authorizer == nil:
		return nil, errors.New("checkout: authorizer is required")
	}

	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		return nil, domain.ErrCurrencyRequired
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.SuccessPath == "" {
		cfg.SuccessPath = defaultSuccessPath
	}
	if cfg.CancelPath == "" {
		cfg.CancelPath = defaultCancelPath
	}

	successURL, err := joinURL(cfg.PublicURL, cfg.SuccessPath)
	if err != nil {
		return nil, fmt.Errorf("checkout: success url: %w", err)
	}
	cancelURL, err := joinURL(cfg.PublicURL, cfg.CancelPath)
	if err != nil {
		return nil, fmt.Errorf("checkout: cancel url: %w", err)
	}

	return &Service{
		deps:       deps,
		cfg:        cfg,
		successURL: successURL,
		cancelURL:  cancelURL,
		opts:       buildOptions("checkout", opts),
	}, nil
}

// PlaceOrder проверяет корзину, записывает заказ одной транзакцией и
// открывает сессию оплаты. Если шлюз недоступен, заказ остаётся в pending,
// а вызывающий получает ошибку с domain.ErrGatewayUnavailable и записанный заказ.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (result PlaceOrderResult, err error) {
	ctx, span := s.opts.tracer.Start(ctx, "checkout.PlaceOrder",
		trace.WithAttributes(
			attribute.String("user.id", in.Principal.UserID),
			attribute.Int("cart.entries", len(in.Cart.Entries)),
		),
	)
	defer func() { finishSpan(span, err) }()

	logger := s.opts.logger.WithField("user_id", in.Principal.UserID)

	if err = s.deps.Authorizer.Authorize(ctx, in.Principal, domain.ActionCreateOrder); err != nil {
		return PlaceOrderResult{}, err
	}

	if err = validatePlacement(in); err != nil {
		s.recordRejected("validation")
		return PlaceOrderResult{}, err
	}

	if err = s.verifyPrices(ctx, in.Cart); err != nil {
		if errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, domain.ErrPriceMismatch) {
			s.recordRejected("price")
		}
		return PlaceOrderResult{}, err
	}

	now := s.opts.now()
	order := domain.Order{
		UserID:          in.Principal.UserID,
		ShippingAddress: strings.TrimSpace(in.ShippingAddress),
		ContactPhone:    strings.TrimSpace(in.ContactPhone),
		Notes:           strings.TrimSpace(in.Notes),
		Status:          domain.OrderStatusPending,
		Currency:        s.cfg.Currency,
		AmountMinor:     in.Cart.Total(),
		Lines:           in.Cart.Lines(now),
		CreatedAt:       now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		s.recordRejected("validation")
		err = errors.Join(errs...)
		return PlaceOrderResult{}, err
	}

	created, err := s.deps.Orders.Create(ctx, order)
	if err != nil {
		s.recordRejected("storage")
		logger.WithError(err).Error("failed to write order")
		return PlaceOrderResult{}, fmt.Errorf("create order: %w", err)
	}
	if s.opts.metrics != nil {
		s.opts.metrics.RecordOrderCreated()
	}
	span.SetAttributes(attribute.String("order.id", created.ID), attribute.Int64("order.amount_minor", created.AmountMinor))
	logger = logger.WithField("order_id", created.ID)

	sess, err := s.openSession(ctx, created, in)
	if err != nil {
		logger.WithError(err).Warn("checkout session not opened, order stays pending")
		s.appendTimeline(ctx, domain.TimelineEvent{
			OrderID: created.ID,
			Type:    domain.TimelineCheckoutSessionFailed,
			Reason:  err.Error(),
		})
		err = fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
		return PlaceOrderResult{Order: created}, err
	}

	if attachErr := s.deps.Orders.AttachCheckoutSession(detach(ctx), created.ID, sess.ID); attachErr != nil {
		logger.WithError(attachErr).Warn("failed to store checkout session id")
	} else {
		created.CheckoutSessionID = sess.ID
	}
	s.appendTimeline(ctx, domain.TimelineEvent{
		OrderID: created.ID,
		Type:    domain.TimelineCheckoutSessionOpened,
		Reason:  sess.ID,
	})

	logger.WithFields(log.Fields{
		"session_id":   sess.ID,
		"amount_minor": created.AmountMinor,
	}).Info("order placed, checkout session opened")

	return PlaceOrderResult{Order: created, SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// ListUserOrders возвращает заказы пользователя, новые первыми.
func (s *Service) ListUserOrders(ctx context.Context, principal domain.Principal, limit int) ([]domain.Order, error) {
	if err := s.deps.Authorizer.Authorize(ctx, principal, domain.ActionReadOwnOrder); err != nil {
		return nil, err
	}
	return s.deps.Orders.ListByUser(ctx, principal.UserID, normalizeLimit(limit))
}

// ListAllOrders отдаёт выдачу для back-office, доступную только admin.
func (s *Service) ListAllOrders(ctx context.Context, principal domain.Principal, limit int) ([]domain.Order, error) {
	if err := s.deps.Authorizer.Authorize(ctx, principal, domain.ActionReadAllOrder); err != nil {
		return nil, err
	}
	return s.deps.Orders.ListAll(ctx, normalizeLimit(limit))
}

// GetOrder возвращает заказ владельцу или admin. Чужой заказ для остальных
// выглядит как несуществующий.
func (s *Service) GetOrder(ctx context.Context, principal domain.Principal, orderID string) (OrderDetails, error) {
	if err := s.deps.Authorizer.Authorize(ctx, principal, domain.ActionReadOwnOrder); err != nil {
		return OrderDetails{}, err
	}

	order, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return OrderDetails{}, err
	}
	if order.UserID != principal.UserID {
		if err := s.deps.Authorizer.Authorize(ctx, principal, domain.ActionReadAllOrder); err != nil {
			if errors.Is(err, domain.ErrForbidden) {
				return OrderDetails{}, domain.ErrOrderNotFound
			}
			return OrderDetails{}, err
		}
	}

	details := OrderDetails{Order: order}

	payment, err := s.deps.Payments.GetByOrder(ctx, orderID)
	switch {
	case err == nil:
		details.Payment = &payment
	case !errors.Is(err, domain.ErrPaymentNotFound):
		return OrderDetails{}, err
	}

	if s.deps.Timeline != nil {
		events, err := s.deps.Timeline.List(ctx, orderID)
		if err != nil {
			return OrderDetails{}, err
		}
		details.Timeline = events
	}

	return details, nil
}

func (s *Service) openSession(ctx context.Context, order domain.Order, in PlaceOrderInput) (domain.CheckoutSession, error) {
	lines := make([]domain.CheckoutLine, 0, len(in.Cart.Entries))
	for _, entry := range in.Cart.Entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = fmt.Sprintf("Producto %d", entry.ProductID)
		}
		lines = append(lines, domain.CheckoutLine{
			Name:            name,
			ImageURL:        entry.ImageURL,
			UnitAmountMinor: entry.UnitPriceMinor,
			Qty:             entry.Qty,
		})
	}

	gatewayCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	sess, err := s.deps.Gateway.CreateCheckoutSession(gatewayCtx, domain.CheckoutRequest{
		OrderID:       order.ID,
		Currency:      order.Currency,
		Lines:         lines,
		SuccessURL:    s.successURL,
		CancelURL:     s.cancelURL,
		CustomerEmail: in.Principal.Email,
	})
	result := "opened"
	if err != nil {
		result = "failed"
	}
	if s.opts.metrics != nil {
		s.opts.metrics.RecordCheckoutSession(result, time.Since(start))
	}
	if err == nil && sess.URL == "" {
		err = errors.New("gateway returned a session without redirect url")
	}
	return sess, err
}

func (s *Service) verifyPrices(ctx context.Context, cart domain.CartSnapshot) error {
	if s.deps.Catalog == nil {
		return nil
	}

	ids := make([]int64, 0, len(cart.Entries))
	for _, entry := range cart.Entries {
		ids = append(ids, entry.ProductID)
	}
	prices, err := s.deps.Catalog.Prices(ctx, ids)
	if err != nil {
		return fmt.Errorf("load catalog prices: %w", err)
	}

	for _, entry := range cart.Entries {
		price, ok := prices[entry.ProductID]
		if !ok {
			return fmt.Errorf("product %d: %w", entry.ProductID, domain.ErrProductNotFound)
		}
		if price != entry.UnitPriceMinor {
			return fmt.Errorf("product %d: cart %d, catalog %d: %w",
				entry.ProductID, entry.UnitPriceMinor, price, domain.ErrPriceMismatch)
		}
	}
	return nil
}

func (s *Service) appendTimeline(ctx context.Context, event domain.TimelineEvent) {
	if s.deps.Timeline == nil {
		return
	}
	if event.Occurred.IsZero() {
		event.Occurred = s.opts.now()
	}
	if err := s.deps.Timeline.Append(detach(ctx), event); err != nil {
		s.opts.logger.WithError(err).WithField("order_id", event.OrderID).Warn("failed to append timeline event")
	}
}

func (s *Service) recordRejected(reason string) {
	if s.opts.metrics != nil {
		s.opts.metrics.RecordOrderRejected(reason)
	}
}

// validatePlacement проверяет присутствие полей до любых побочных эффектов.
func validatePlacement(in PlaceOrderInput) error {
	if err := in.Cart.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(in.ShippingAddress) == "" {
		return domain.ErrShippingAddressRequired
	}
	if strings.TrimSpace(in.ContactPhone) == "" {
		return domain.ErrContactPhoneRequired
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func joinURL(base, path string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "http://localhost:3000"
	}
	u, err := url.Parse(base + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("public url %q must be absolute", base)
	}
	return u.String(), nil
}
