package service

import (
	"context"
	"testing"

	"keyshop/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.store.AddProduct("Office 2024", 1500)
	soldOut := env.store.AddProduct("Sold out", 900)
	env.stock(t, p.ID, "KEY-1")

	order, err := env.orders.CreateOrder(ctx, &CreateOrderRequest{UserID: 7, ProductID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 1, env.publisher.count(models.EventTypeOrderCreated))

	_, err = env.orders.CreateOrder(ctx, &CreateOrderRequest{UserID: 7, ProductID: soldOut.ID})
	assert.ErrorIs(t, err, models.ErrOutOfStock)

	_, err = env.orders.CreateOrder(ctx, &CreateOrderRequest{UserID: 7, ProductID: 404})
	assert.ErrorIs(t, err, models.ErrProductNotFound)

	_, err = env.orders.CreateOrder(ctx, &CreateOrderRequest{ProductID: p.ID})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestOrderLifecycleWithAutoAssignment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enableAutoAssign(t)
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "KEY-1")

	order, err := env.orders.CreateOrder(ctx, &CreateOrderRequest{UserID: 7, ProductID: p.ID})
	require.NoError(t, err)

	payment := models.PaymentDetails{Method: "bank_transfer", TransactionID: "TX-99", Sender: "alice"}
	_, err = env.orders.SubmitPayment(ctx, order.ID, 8, payment)
	assert.ErrorIs(t, err, models.ErrNotOrderOwner)

	_, err = env.orders.SubmitPayment(ctx, order.ID, 7, models.PaymentDetails{Method: "bank_transfer"})
	assert.ErrorIs(t, err, models.ErrValidation)

	submitted, err := env.orders.SubmitPayment(ctx, order.ID, 7, payment)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAwaitingConfirmation, submitted.Status)
	assert.Equal(t, "TX-99", submitted.TransactionID)

	res, err := env.orders.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	require.NotNil(t, res.AutoAssignment)
	assert.Equal(t, OutcomeAssigned, res.AutoAssignment.Outcome)
	require.Len(t, res.Keys, 1)
	assert.Equal(t, "KEY-1", res.Keys[0].KeyValue)

	details, err := env.orders.GetOrderForUser(ctx, order.ID, 7)
	require.NoError(t, err)
	assert.Len(t, details.Keys, 1)

	_, err = env.orders.GetOrderForUser(ctx, order.ID, 8)
	assert.ErrorIs(t, err, models.ErrNotOrderOwner)

	delivered, err := env.orders.UpdateStatus(ctx, order.ID, models.OrderStatusDelivered)
	require.NoError(t, err)
	assert.Nil(t, delivered.AutoAssignment)
	assert.Equal(t, 3, env.publisher.count(models.EventTypeOrderStatusChanged))
}

func TestUpdateStatusValidatesTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.store.AddProduct("Office 2024", 1500)
	order := env.orderWithStatus(t, p.ID, models.OrderStatusPending)

	_, err := env.orders.UpdateStatus(ctx, order.ID, "shipped")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPaid)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = env.orders.UpdateStatus(ctx, 404, models.OrderStatusCancelled)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)

	res, err := env.orders.UpdateStatus(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.Status)

	_, err = env.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestStatusChangeWithoutAutoAssignLeavesOrderEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "KEY-1")
	order := env.orderWithStatus(t, p.ID, models.OrderStatusAwaitingConfirmation)

	res, err := env.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	require.NotNil(t, res.AutoAssignment)
	assert.Equal(t, OutcomeDisabled, res.AutoAssignment.Outcome)
	assert.Empty(t, res.Keys)
}

func TestMarkPaidWithKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.store.AddProduct("Office 2024", 1500)
	order := env.orderWithStatus(t, p.ID, models.OrderStatusAwaitingConfirmation)

	_, err := env.orders.MarkPaidWithKeys(ctx, order.ID, []string{" "})
	assert.ErrorIs(t, err, models.ErrValidation)

	reloaded, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAwaitingConfirmation, reloaded.Order.Status)

	res, err := env.orders.MarkPaidWithKeys(ctx, order.ID, []string{"MANUAL-1", "MANUAL-2"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	assert.Len(t, res.Keys, 2)

	// already paid: only attaches
	res, err = env.orders.MarkPaidWithKeys(ctx, order.ID, []string{"MANUAL-3"})
	require.NoError(t, err)
	assert.Len(t, res.Keys, 1)

	details, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, details.Keys, 3)
}

func TestMarkPaidWithKeysRejectedKeyLeavesOrderUnpaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.store.AddProduct("Office 2024", 1500)
	owner := env.paidOrder(t, p.ID)
	_, err := env.engine.AssignManual(ctx, owner.ID, []string{"TAKEN"})
	require.NoError(t, err)

	order := env.orderWithStatus(t, p.ID, models.OrderStatusAwaitingConfirmation)
	statusEvents := env.publisher.count(models.EventTypeOrderStatusChanged)

	_, err = env.orders.MarkPaidWithKeys(ctx, order.ID, []string{"FRESH", "TAKEN"})
	assert.ErrorIs(t, err, models.ErrWrongOrder)

	details, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAwaitingConfirmation, details.Order.Status)
	assert.Empty(t, details.Keys)
	assert.Equal(t, statusEvents, env.publisher.count(models.EventTypeOrderStatusChanged))

	_, err = env.store.GetKeyByValue(ctx, "FRESH")
	assert.ErrorIs(t, err, models.ErrKeyNotFound)

	pending := env.orderWithStatus(t, p.ID, models.OrderStatusPending)
	_, err = env.orders.MarkPaidWithKeys(ctx, pending.ID, []string{"OTHER"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCancellingPaidOrderKeepsKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "KEY-1")
	order := env.paidOrder(t, p.ID)

	_, err := env.engine.Assign(ctx, p.ID, order.ID)
	require.NoError(t, err)

	_, err = env.orders.UpdateStatus(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)

	keys, err := env.store.GetKeysByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
