package models

import "time"

// Product represents a product in the catalog
type Product struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DigitalKey represents a license string held in inventory.
// IsAssigned is true iff AssignedToOrderID is set.
type DigitalKey struct {
	ID                int64      `db:"id" json:"id"`
	KeyValue          string     `db:"key_value" json:"key_value"`
	ProductID         *int64     `db:"product_id" json:"product_id"`
	IsAssigned        bool       `db:"is_assigned" json:"is_assigned"`
	AssignedToOrderID *int64     `db:"assigned_to_order_id" json:"assigned_to_order_id"`
	AssignedAt        *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// IsOrphaned reports whether the assignment flag and the order link disagree
func (k *DigitalKey) IsOrphaned() bool {
	return k.IsAssigned != (k.AssignedToOrderID != nil)
}

// BelongsTo reports whether the key is currently bound to orderID
func (k *DigitalKey) BelongsTo(orderID int64) bool {
	return k.AssignedToOrderID != nil && *k.AssignedToOrderID == orderID
}

// Order represents a customer order
type Order struct {
	ID            int64     `db:"id" json:"id"`
	UserID        int64     `db:"user_id" json:"user_id"`
	ProductID     int64     `db:"product_id" json:"product_id"`
	Status        string    `db:"status" json:"status"`
	PaymentMethod string    `db:"payment_method" json:"payment_method,omitempty"`
	TransactionID string    `db:"transaction_id" json:"transaction_id,omitempty"`
	PaymentSender string    `db:"payment_sender" json:"payment_sender,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Order statuses
const (
	OrderStatusPending              = "pending"
	OrderStatusAwaitingConfirmation = "awaiting_confirmation"
	OrderStatusPaid                 = "paid"
	OrderStatusDelivered            = "delivered"
	OrderStatusCancelled            = "cancelled"
)

var orderTransitions = map[string][]string{
	OrderStatusPending:              {OrderStatusAwaitingConfirmation, OrderStatusCancelled},
	OrderStatusAwaitingConfirmation: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:                 {OrderStatusDelivered, OrderStatusCancelled},
}

// IsValidOrderStatus reports whether status is a known order status
func IsValidOrderStatus(status string) bool {
	switch status {
	case OrderStatusPending, OrderStatusAwaitingConfirmation, OrderStatusPaid,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// IsTerminalOrderStatus reports whether no transition leaves status
func IsTerminalOrderStatus(status string) bool {
	return status == OrderStatusDelivered || status == OrderStatusCancelled
}

// CanTransition reports whether from -> to is an edge of the order status graph
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SystemConfig is a persisted configuration entry
type SystemConfig struct {
	ID          int64      `db:"id" json:"id"`
	Key         string     `db:"key" json:"key"`
	Value       string     `db:"value" json:"value"`
	Type        ConfigType `db:"type" json:"type"`
	Category    string     `db:"category" json:"category"`
	Description string     `db:"description" json:"description,omitempty"`
	IsEditable  bool       `db:"is_editable" json:"is_editable"`
	UpdatedBy   *int64     `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// KeyFilter narrows key listings
type KeyFilter struct {
	ProductID  *int64
	IsAssigned *bool
	Limit      int
}

// DuplicateGroup is a set of key rows sharing one key value
type DuplicateGroup struct {
	KeyValue string
	Keys     []DigitalKey
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// PaymentDetails is the buyer-submitted payment evidence
type PaymentDetails struct {
	Method        string `json:"payment_method"`
	TransactionID string `json:"transaction_id"`
	Sender        string `json:"payment_sender"`
}
