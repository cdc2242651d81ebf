package models

import "time"

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeKeyAssigned        = "KEY_ASSIGNED"
	EventTypeKeyReleased        = "KEY_RELEASED"
	EventTypeKeyRevoked         = "KEY_REVOKED"
	EventTypePaymentConfirmed   = "PAYMENT_CONFIRMED"
)

// Key assignment modes carried on KeyAssignedEvent
const (
	AssignModeAuto   = "auto"
	AssignModeManual = "manual"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when order is created
type OrderCreatedEvent struct {
	BaseEvent
	OrderID   int64 `json:"order_id"`
	UserID    int64 `json:"user_id"`
	ProductID int64 `json:"product_id"`
}

// OrderStatusChangedEvent published after a status transition is committed
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	ProductID int64  `json:"product_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// KeyAssignedEvent published when a key is bound to an order
type KeyAssignedEvent struct {
	BaseEvent
	KeyID     int64  `json:"key_id"`
	OrderID   int64  `json:"order_id"`
	ProductID int64  `json:"product_id"`
	Mode      string `json:"mode"`
}

// KeyReleasedEvent published when a key returns to the available pool
type KeyReleasedEvent struct {
	BaseEvent
	KeyID   int64 `json:"key_id"`
	OrderID int64 `json:"order_id"`
	Revoked bool  `json:"revoked"`
}

// PaymentConfirmedEvent is consumed from external payment sources; the
// order is moved to paid and auto-assignment runs with the payment trigger.
type PaymentConfirmedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	TransactionID string `json:"transaction_id,omitempty"`
}
