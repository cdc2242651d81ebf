package service

import (
	"context"
	"time"

	"keyshop/internal/models"

	"github.com/google/uuid"
)

// EventPublisher publishes domain events. *broker.EventPublisher implements it.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishKeyAssigned(ctx context.Context, event *models.KeyAssignedEvent) error
	PublishKeyReleased(ctx context.Context, event *models.KeyReleasedEvent) error
}

// StockCache holds derived available key counts. *redisclient.Client implements it.
type StockCache interface {
	SetAvailableKeys(ctx context.Context, productID int64, available int, observedAt time.Time) error
	GetAvailableKeys(ctx context.Context, productID int64) (int, bool, error)
	InvalidateStock(ctx context.Context, productID int64) error
}

// Locker is a cross-process named lock. *redisclient.Client implements it.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error { return nil }
func (nopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}
func (nopPublisher) PublishKeyAssigned(context.Context, *models.KeyAssignedEvent) error { return nil }
func (nopPublisher) PublishKeyReleased(context.Context, *models.KeyReleasedEvent) error { return nil }

type nopCache struct{}

func (nopCache) SetAvailableKeys(context.Context, int64, int, time.Time) error { return nil }
func (nopCache) GetAvailableKeys(context.Context, int64) (int, bool, error)    { return 0, false, nil }
func (nopCache) InvalidateStock(context.Context, int64) error                  { return nil }

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
