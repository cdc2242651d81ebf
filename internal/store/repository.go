package store

import (
	"context"

	"keyshop/internal/models"
)

// ProductRepository reads the product catalog
type ProductRepository interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
}

// KeyRepository owns the digital_keys table. The *Tx methods run in a single
// transaction and are the only writers of the assignment columns.
type KeyRepository interface {
	GetKeyByID(ctx context.Context, id int64) (*models.DigitalKey, error)
	GetKeyByValue(ctx context.Context, keyValue string) (*models.DigitalKey, error)
	GetKeysByOrderID(ctx context.Context, orderID int64) ([]models.DigitalKey, error)
	ListKeys(ctx context.Context, filter models.KeyFilter) ([]models.DigitalKey, error)
	CountAvailableKeys(ctx context.Context, productID int64) (int, error)
	CountKeyStates(ctx context.Context) (total, assigned int, err error)

	CreateKey(ctx context.Context, keyValue string, productID int64) (*models.DigitalKey, error)
	AssignNextKeyTx(ctx context.Context, productID, orderID int64) (*models.DigitalKey, error)
	AttachKeysTx(ctx context.Context, orderID, productID int64, keyValues []string) ([]models.DigitalKey, error)
	// PayOrderWithKeysTx marks the order paid (from status from) and attaches
	// the values atomically
	PayOrderWithKeysTx(ctx context.Context, orderID int64, from string, keyValues []string) (*models.Order, []models.DigitalKey, error)
	ReleaseKeyTx(ctx context.Context, keyID, orderID int64) (*models.DigitalKey, error)
	RevokeKey(ctx context.Context, keyID int64) (*models.DigitalKey, error)

	FindOrphanedKeys(ctx context.Context) ([]models.DigitalKey, error)
	RepairOrphanedKeys(ctx context.Context) (int64, error)
	FindDuplicateKeyGroups(ctx context.Context) ([]models.DuplicateGroup, error)
	DeleteKeys(ctx context.Context, ids []int64) (int64, error)
}

// OrderRepository owns the orders table
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]models.Order, error)
	// UpdateOrderStatus moves the order from -> to only if it is still in
	// status from, returning ErrInvalidTransition otherwise.
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to string, payment *models.PaymentDetails) (*models.Order, error)
}

// ConfigRepository owns the system_configs table
type ConfigRepository interface {
	GetConfig(ctx context.Context, key string) (*models.SystemConfig, error)
	UpsertConfig(ctx context.Context, cfg *models.SystemConfig) (*models.SystemConfig, error)
	CreateConfigIfMissing(ctx context.Context, cfg *models.SystemConfig) (bool, error)
	ListConfigs(ctx context.Context, category string) ([]models.SystemConfig, error)
}

// EventLog deduplicates consumed broker events
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Repository is the full persistence surface used by the services
type Repository interface {
	ProductRepository
	KeyRepository
	OrderRepository
	ConfigRepository
	EventLog
	Ping(ctx context.Context) error
	Close() error
}

var _ Repository = (*Store)(nil)
