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

// PaymentEventHandler applies payment confirmations arriving from the broker
type PaymentEventHandler struct {
	events store.EventLog
	orders *OrderService
	logger *zap.Logger
}

// NewPaymentEventHandler creates a new payment event handler
func NewPaymentEventHandler(events store.EventLog, orders *OrderService) *PaymentEventHandler {
	return &PaymentEventHandler{
		events: events,
		orders: orders,
		logger: util.GetLogger(),
	}
}

// HandlePaymentConfirmed marks the order paid and runs auto-assignment with
// the payment trigger. Redelivered events are ignored. A pending order is
// first moved through awaiting_confirmation with the event's transaction id.
func (h *PaymentEventHandler) HandlePaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentEventHandler.HandlePaymentConfirmed",
		attribute.Int64("order_id", event.OrderID),
		attribute.String("event_id", event.EventID))
	defer span.End()

	if event.EventID == "" {
		return fmt.Errorf("%w: event id is required", models.ErrValidation)
	}

	processed, err := h.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		h.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	h.logger.Info("Handling payment confirmation",
		zap.Int64("order_id", event.OrderID),
		zap.String("tx_id", event.TransactionID))

	err = h.apply(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrInvalidTransition):
		// permanent: retrying the message cannot change the outcome
		h.logger.Warn("Payment confirmation not applicable",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	default:
		util.SpanError(span, err)
		return err
	}

	if err := h.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		h.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

func (h *PaymentEventHandler) apply(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	order, err := h.orders.store.GetOrderByID(ctx, event.OrderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case models.OrderStatusPaid, models.OrderStatusDelivered:
		return nil
	case models.OrderStatusPending:
		txID := strings.TrimSpace(event.TransactionID)
		if txID == "" {
			txID = event.EventID
		}
		if _, err := h.orders.transition(ctx, order, models.OrderStatusAwaitingConfirmation,
			&models.PaymentDetails{Method: "external", TransactionID: txID}); err != nil {
			return err
		}
	}

	res, err := h.orders.ConfirmPayment(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if res.AutoAssignment != nil {
		h.logger.Info("Auto-assignment after payment",
			zap.Int64("order_id", event.OrderID),
			zap.String("outcome", res.AutoAssignment.Outcome))
	}
	return nil
}
