package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"keyshop/internal/models"
	"keyshop/internal/store"
	"keyshop/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService handles order business logic
type OrderService struct {
	store          store.Repository
	inventory      *InventoryService
	engine         *AssignmentEngine
	autoAssigner   *AutoAssigner
	eventPublisher EventPublisher
	logger         *zap.Logger
}

// NewOrderService creates a new order service. autoAssigner may be nil, in
// which case paid orders wait for manual assignment.
func NewOrderService(
	repo store.Repository,
	inventory *InventoryService,
	engine *AssignmentEngine,
	autoAssigner *AutoAssigner,
	eventPublisher EventPublisher,
) *OrderService {
	if eventPublisher == nil {
		eventPublisher = nopPublisher{}
	}
	return &OrderService{
		store:          repo,
		inventory:      inventory,
		engine:         engine,
		autoAssigner:   autoAssigner,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID    int64 `json:"user_id"`
	ProductID int64 `json:"product_id" binding:"required"`
}

// OrderDetails is an order together with the keys bound to it
type OrderDetails struct {
	Order *models.Order       `json:"order"`
	Keys  []models.DigitalKey `json:"keys"`
}

// StatusChangeResult is a committed status change and what followed it
type StatusChangeResult struct {
	Order          *models.Order       `json:"order"`
	Keys           []models.DigitalKey `json:"keys,omitempty"`
	AutoAssignment *AssignmentResult   `json:"auto_assignment,omitempty"`
}

// CreateOrder opens a pending order for a product that has keys in stock
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder", attribute.Int64("product_id", req.ProductID))
	defer span.End()

	if req.UserID <= 0 || req.ProductID <= 0 {
		util.OrdersRejectedTotal.WithLabelValues("invalid_request").Inc()
		return nil, fmt.Errorf("%w: user and product are required", models.ErrValidation)
	}

	product, err := s.store.GetProductByID(ctx, req.ProductID)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues("product_not_found").Inc()
		return nil, err
	}
	if !product.IsActive {
		util.OrdersRejectedTotal.WithLabelValues("product_not_found").Inc()
		return nil, fmt.Errorf("%w: product %d is not for sale", models.ErrProductNotFound, product.ID)
	}

	available, err := s.inventory.CountAvailable(ctx, product.ID)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	if available == 0 {
		util.OrdersRejectedTotal.WithLabelValues("out_of_stock").Inc()
		return nil, fmt.Errorf("%w: product %d", models.ErrOutOfStock, product.ID)
	}

	order := &models.Order{
		UserID:    req.UserID,
		ProductID: product.ID,
		Status:    models.OrderStatusPending,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		util.OrdersRejectedTotal.WithLabelValues("db_error").Inc()
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.Int64("product_id", order.ProductID))

	event := &models.OrderCreatedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCreated),
		OrderID:   order.ID,
		UserID:    order.UserID,
		ProductID: order.ProductID,
	}
	if err := s.eventPublisher.PublishOrderCreated(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return order, nil
}

// GetOrder retrieves an order with its keys
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderDetails, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	keys, err := s.store.GetKeysByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order keys: %w", err)
	}

	return &OrderDetails{Order: order, Keys: keys}, nil
}

// GetOrderForUser retrieves an order owned by userID
func (s *OrderService) GetOrderForUser(ctx context.Context, orderID, userID int64) (*OrderDetails, error) {
	details, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if details.Order.UserID != userID {
		return nil, fmt.Errorf("%w: order %d", models.ErrNotOrderOwner, orderID)
	}
	return details, nil
}

// ListOrders lists orders newest first; userID 0 lists everyone's
func (s *OrderService) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.store.ListOrders(ctx, userID)
}

// SubmitPayment records the buyer's payment evidence and moves the order to
// awaiting_confirmation
func (s *OrderService) SubmitPayment(ctx context.Context, orderID, userID int64, payment models.PaymentDetails) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SubmitPayment", attribute.Int64("order_id", orderID))
	defer span.End()

	payment.Method = strings.TrimSpace(payment.Method)
	payment.TransactionID = strings.TrimSpace(payment.TransactionID)
	payment.Sender = strings.TrimSpace(payment.Sender)
	if payment.Method == "" || payment.TransactionID == "" {
		return nil, fmt.Errorf("%w: payment method and transaction id are required", models.ErrValidation)
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: order %d", models.ErrNotOrderOwner, orderID)
	}

	return s.transition(ctx, order, models.OrderStatusAwaitingConfirmation, &payment)
}

// ConfirmPayment marks an order paid and runs auto-assignment with the
// payment trigger
func (s *OrderService) ConfirmPayment(ctx context.Context, orderID int64) (*StatusChangeResult, error) {
	return s.changeStatus(ctx, orderID, models.OrderStatusPaid, TriggerPayment)
}

// UpdateStatus moves an order to status. Entering paid runs auto-assignment
// with the status_change trigger.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, status string) (*StatusChangeResult, error) {
	if !models.IsValidOrderStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}
	return s.changeStatus(ctx, orderID, status, TriggerStatusChange)
}

// MarkPaidWithKeys marks an order paid and binds the given keys to it. The
// status change and the attach commit together. An order that is already
// paid only gets the keys.
func (s *OrderService) MarkPaidWithKeys(ctx context.Context, orderID int64, keyValues []string) (*StatusChangeResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkPaidWithKeys", attribute.Int64("order_id", orderID))
	defer span.End()

	if _, err := normalizeKeyValues(keyValues); err != nil {
		return nil, err
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == models.OrderStatusPaid || order.Status == models.OrderStatusDelivered {
		keys, err := s.engine.AssignManual(ctx, orderID, keyValues)
		if err != nil {
			util.SpanError(span, err)
			return nil, err
		}
		return &StatusChangeResult{Order: order, Keys: keys}, nil
	}

	from := order.Status
	if !models.CanTransition(from, models.OrderStatusPaid) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, models.OrderStatusPaid)
	}
	paid, keys, err := s.engine.PayWithKeys(ctx, order, keyValues)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	s.statusChanged(ctx, from, paid)

	return &StatusChangeResult{Order: paid, Keys: keys}, nil
}

// AssignKeys binds admin-supplied keys to a paid order
func (s *OrderService) AssignKeys(ctx context.Context, orderID int64, keyValues []string) ([]models.DigitalKey, error) {
	return s.engine.AssignManual(ctx, orderID, keyValues)
}

// ReleaseKey returns one of the order's keys to the pool
func (s *OrderService) ReleaseKey(ctx context.Context, orderID, keyID int64) (*models.DigitalKey, error) {
	return s.engine.Release(ctx, orderID, keyID)
}

func (s *OrderService) changeStatus(ctx context.Context, orderID int64, status string, trigger Trigger) (*StatusChangeResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.changeStatus",
		attribute.Int64("order_id", orderID),
		attribute.String("status", status))
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	order, err = s.transition(ctx, order, status, nil)
	if err != nil {
		return nil, err
	}

	result := &StatusChangeResult{Order: order}
	if status == models.OrderStatusPaid && s.autoAssigner != nil {
		res := s.autoAssigner.OnOrderStatusChanged(ctx, orderID, status, trigger)
		result.AutoAssignment = &res
		if res.Success {
			result.Keys = []models.DigitalKey{*res.Key}
		}
	}
	return result, nil
}

// transition applies order.Status -> to if the status graph allows it
func (s *OrderService) transition(ctx context.Context, order *models.Order, to string, payment *models.PaymentDetails) (*models.Order, error) {
	from := order.Status
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	updated, err := s.store.UpdateOrderStatus(ctx, order.ID, from, to, payment)
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			s.logger.Error("Failed to update order status", zap.Int64("order_id", order.ID), zap.Error(err))
		}
		return nil, err
	}

	s.statusChanged(ctx, from, updated)
	return updated, nil
}

// statusChanged records and publishes a committed transition
func (s *OrderService) statusChanged(ctx context.Context, from string, order *models.Order) {
	util.OrderStatusTransitionsTotal.WithLabelValues(order.Status).Inc()
	s.logger.Info("Order status changed",
		zap.Int64("order_id", order.ID),
		zap.String("from", from),
		zap.String("to", order.Status))

	event := &models.OrderStatusChangedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   order.ID,
		ProductID: order.ProductID,
		OldStatus: from,
		NewStatus: order.Status,
	}
	if err := s.eventPublisher.PublishOrderStatusChanged(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
}
