package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"keyshop/internal/models"
	"keyshop/internal/store"
	"keyshop/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AssignmentEngine is the only writer of key assignment state
type AssignmentEngine struct {
	store          store.Repository
	inventory      *InventoryService
	eventPublisher EventPublisher
	assignTimeout  time.Duration
	logger         *zap.Logger
}

// NewAssignmentEngine creates a new assignment engine. assignTimeout bounds
// a single assignment transaction; zero leaves it to the caller's context.
func NewAssignmentEngine(
	repo store.Repository,
	inventory *InventoryService,
	eventPublisher EventPublisher,
	assignTimeout time.Duration,
) *AssignmentEngine {
	if eventPublisher == nil {
		eventPublisher = nopPublisher{}
	}
	return &AssignmentEngine{
		store:          repo,
		inventory:      inventory,
		eventPublisher: eventPublisher,
		assignTimeout:  assignTimeout,
		logger:         util.GetLogger(),
	}
}

// Assign hands the oldest available key of productID to orderID
func (e *AssignmentEngine) Assign(ctx context.Context, productID, orderID int64) (*models.DigitalKey, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.Assign",
		attribute.Int64("product_id", productID),
		attribute.Int64("order_id", orderID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.KeyAssignLatency.Observe(time.Since(start).Seconds())
	}()

	if e.assignTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.assignTimeout)
		defer cancel()
	}

	key, err := e.store.AssignNextKeyTx(ctx, productID, orderID)
	if err != nil {
		util.KeyAssignmentFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		if !errors.Is(err, models.ErrNoAvailableKey) {
			util.SpanError(span, err)
		}
		return nil, err
	}

	util.KeysAssignedTotal.WithLabelValues(models.AssignModeAuto).Inc()
	e.logger.Info("Key assigned",
		zap.Int64("key_id", key.ID),
		zap.Int64("order_id", orderID),
		zap.Int64("product_id", productID))

	e.afterAssign(context.WithoutCancel(ctx), productID, models.AssignModeAuto, *key)
	return key, nil
}

// AssignManual binds admin-supplied key values to a paid order. Values are
// trimmed, unknown values become new keys of the order's product, and a
// value already bound to another order fails the whole call.
func (e *AssignmentEngine) AssignManual(ctx context.Context, orderID int64, keyValues []string) ([]models.DigitalKey, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.AssignManual", attribute.Int64("order_id", orderID))
	defer span.End()

	values, err := normalizeKeyValues(keyValues)
	if err != nil {
		return nil, err
	}

	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPaid && order.Status != models.OrderStatusDelivered {
		return nil, fmt.Errorf("%w: order %d is %s", models.ErrOrderNotPaid, orderID, order.Status)
	}

	keys, err := e.store.AttachKeysTx(ctx, orderID, order.ProductID, values)
	if err != nil {
		util.KeyAssignmentFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		util.SpanError(span, err)
		return nil, err
	}

	e.afterManual(ctx, order, keys)
	return keys, nil
}

// PayWithKeys marks an unpaid order paid and attaches keyValues in one
// transaction. If any value is rejected the order keeps its status.
func (e *AssignmentEngine) PayWithKeys(ctx context.Context, order *models.Order, keyValues []string) (*models.Order, []models.DigitalKey, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.PayWithKeys", attribute.Int64("order_id", order.ID))
	defer span.End()

	values, err := normalizeKeyValues(keyValues)
	if err != nil {
		return nil, nil, err
	}

	paid, keys, err := e.store.PayOrderWithKeysTx(ctx, order.ID, order.Status, values)
	if err != nil {
		util.KeyAssignmentFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		util.SpanError(span, err)
		return nil, nil, err
	}

	e.afterManual(ctx, paid, keys)
	return paid, keys, nil
}

func (e *AssignmentEngine) afterManual(ctx context.Context, order *models.Order, keys []models.DigitalKey) {
	util.KeysAssignedTotal.WithLabelValues(models.AssignModeManual).Add(float64(len(keys)))
	e.logger.Info("Keys attached manually",
		zap.Int64("order_id", order.ID),
		zap.Int("count", len(keys)))

	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		e.publishAssigned(ctx, order.ProductID, models.AssignModeManual, key)
	}
	e.refreshProducts(ctx, keys)
}

// Release returns a key of orderID to the available pool
func (e *AssignmentEngine) Release(ctx context.Context, orderID, keyID int64) (*models.DigitalKey, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.Release",
		attribute.Int64("order_id", orderID),
		attribute.Int64("key_id", keyID))
	defer span.End()

	key, err := e.store.ReleaseKeyTx(ctx, keyID, orderID)
	if err != nil {
		return nil, err
	}

	util.KeysReleasedTotal.WithLabelValues("release").Inc()
	e.logger.Info("Key released", zap.Int64("key_id", keyID), zap.Int64("order_id", orderID))

	ctx = context.WithoutCancel(ctx)
	e.publishReleased(ctx, models.EventTypeKeyReleased, key.ID, orderID)
	e.refreshProducts(ctx, []models.DigitalKey{*key})
	return key, nil
}

// Revoke forcibly returns a key to the pool regardless of its order. A key
// that is already available is returned unchanged and nothing is published.
func (e *AssignmentEngine) Revoke(ctx context.Context, keyID int64) (*models.DigitalKey, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.Revoke", attribute.Int64("key_id", keyID))
	defer span.End()

	before, err := e.store.GetKeyByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !before.IsAssigned && before.AssignedToOrderID == nil {
		e.logger.Debug("Key already available", zap.Int64("key_id", keyID))
		return before, nil
	}

	key, err := e.store.RevokeKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	var orderID int64
	if before.AssignedToOrderID != nil {
		orderID = *before.AssignedToOrderID
	}
	util.KeysReleasedTotal.WithLabelValues("revoke").Inc()
	e.logger.Warn("Key revoked", zap.Int64("key_id", keyID), zap.Int64("previous_order_id", orderID))

	ctx = context.WithoutCancel(ctx)
	e.publishReleased(ctx, models.EventTypeKeyRevoked, key.ID, orderID)
	e.refreshProducts(ctx, []models.DigitalKey{*key})
	return key, nil
}

// StockResult reports the outcome of a bulk stocking call
type StockResult struct {
	Created    []models.DigitalKey `json:"created"`
	Duplicates []string            `json:"duplicates"`
	Skipped    int                 `json:"skipped"`
}

// StockKeys adds new available keys to a product. Blank values are skipped
// and values that already exist anywhere are reported as duplicates.
func (e *AssignmentEngine) StockKeys(ctx context.Context, productID int64, keyValues []string) (*StockResult, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.StockKeys", attribute.Int64("product_id", productID))
	defer span.End()

	if len(keyValues) == 0 {
		return nil, fmt.Errorf("%w: at least one key is required", models.ErrValidation)
	}
	if _, err := e.store.GetProductByID(ctx, productID); err != nil {
		return nil, err
	}

	result := &StockResult{Created: []models.DigitalKey{}, Duplicates: []string{}}
	for _, raw := range keyValues {
		value := strings.TrimSpace(raw)
		if value == "" {
			result.Skipped++
			continue
		}

		key, err := e.store.CreateKey(ctx, value, productID)
		if errors.Is(err, models.ErrDuplicateKey) {
			result.Duplicates = append(result.Duplicates, value)
			continue
		}
		if err != nil {
			util.SpanError(span, err)
			return result, fmt.Errorf("failed to stock key: %w", err)
		}
		result.Created = append(result.Created, *key)
	}

	util.KeysStockedTotal.Add(float64(len(result.Created)))
	e.logger.Info("Keys stocked",
		zap.Int64("product_id", productID),
		zap.Int("created", len(result.Created)),
		zap.Int("duplicates", len(result.Duplicates)))

	if len(result.Created) > 0 {
		e.inventory.RefreshStock(context.WithoutCancel(ctx), productID)
	}
	return result, nil
}

func (e *AssignmentEngine) afterAssign(ctx context.Context, productID int64, mode string, key models.DigitalKey) {
	e.publishAssigned(ctx, productID, mode, key)
	e.inventory.RefreshStock(ctx, productID)
}

func (e *AssignmentEngine) publishAssigned(ctx context.Context, productID int64, mode string, key models.DigitalKey) {
	var orderID int64
	if key.AssignedToOrderID != nil {
		orderID = *key.AssignedToOrderID
	}
	event := &models.KeyAssignedEvent{
		BaseEvent: newBaseEvent(models.EventTypeKeyAssigned),
		KeyID:     key.ID,
		OrderID:   orderID,
		ProductID: productID,
		Mode:      mode,
	}
	if err := e.eventPublisher.PublishKeyAssigned(ctx, event); err != nil {
		e.logger.Error("Failed to publish KeyAssigned event", zap.Int64("key_id", key.ID), zap.Error(err))
	}
}

func (e *AssignmentEngine) publishReleased(ctx context.Context, eventType string, keyID, orderID int64) {
	event := &models.KeyReleasedEvent{
		BaseEvent: newBaseEvent(eventType),
		KeyID:     keyID,
		OrderID:   orderID,
		Revoked:   eventType == models.EventTypeKeyRevoked,
	}
	if err := e.eventPublisher.PublishKeyReleased(ctx, event); err != nil {
		e.logger.Error("Failed to publish KeyReleased event", zap.Int64("key_id", keyID), zap.Error(err))
	}
}

// refreshProducts recounts every product touched by keys
func (e *AssignmentEngine) refreshProducts(ctx context.Context, keys []models.DigitalKey) {
	seen := make(map[int64]struct{})
	for _, k := range keys {
		if k.ProductID == nil {
			continue
		}
		if _, ok := seen[*k.ProductID]; ok {
			continue
		}
		seen[*k.ProductID] = struct{}{}
		e.inventory.RefreshStock(ctx, *k.ProductID)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrNoAvailableKey):
		return "no_available_key"
	case errors.Is(err, models.ErrWrongOrder):
		return "wrong_order"
	case errors.Is(err, models.ErrRetryable):
		return "retryable"
	default:
		return "error"
	}
}
