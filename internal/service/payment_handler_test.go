package service

import (
	"context"
	"testing"

	"keyshop/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentConfirmed(eventID string, orderID int64) *models.PaymentConfirmedEvent {
	return &models.PaymentConfirmedEvent{
		BaseEvent:     models.BaseEvent{EventID: eventID, EventType: models.EventTypePaymentConfirmed},
		OrderID:       orderID,
		TransactionID: "GW-" + eventID,
	}
}

func TestPaymentConfirmedAssignsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enableAutoAssign(t)
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "K1", "K2")
	order := env.orderWithStatus(t, p.ID, models.OrderStatusPending)
	h := NewPaymentEventHandler(env.store, env.orders)

	require.NoError(t, h.HandlePaymentConfirmed(ctx, paymentConfirmed("evt-1", order.ID)))

	details, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, details.Order.Status)
	assert.Equal(t, "GW-evt-1", details.Order.TransactionID)
	assert.Len(t, details.Keys, 1)

	// redelivery and a second event for the same order change nothing
	require.NoError(t, h.HandlePaymentConfirmed(ctx, paymentConfirmed("evt-1", order.ID)))
	require.NoError(t, h.HandlePaymentConfirmed(ctx, paymentConfirmed("evt-2", order.ID)))

	details, err = env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, details.Keys, 1)

	processed, err := env.store.IsEventProcessed(ctx, "evt-2")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestPaymentConfirmedForCancelledOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.store.AddProduct("Office 2024", 1500)
	order := env.orderWithStatus(t, p.ID, models.OrderStatusCancelled)
	h := NewPaymentEventHandler(env.store, env.orders)

	require.NoError(t, h.HandlePaymentConfirmed(ctx, paymentConfirmed("evt-9", order.ID)))
	require.NoError(t, h.HandlePaymentConfirmed(ctx, paymentConfirmed("evt-10", 404)))

	processed, err := env.store.IsEventProcessed(ctx, "evt-9")
	require.NoError(t, err)
	assert.True(t, processed)

	err = h.HandlePaymentConfirmed(ctx, paymentConfirmed("", order.ID))
	assert.ErrorIs(t, err, models.ErrValidation)
}
