package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"keyshop/internal/models"
	"keyshop/internal/store"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishKeyAssigned(_ context.Context, e *models.KeyAssignedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishKeyReleased(_ context.Context, e *models.KeyReleasedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type memoryCache struct {
	mu    sync.Mutex
	stock map[int64]int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{stock: make(map[int64]int)}
}

func (c *memoryCache) SetAvailableKeys(_ context.Context, productID int64, available int, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[productID] = available
	return nil
}

func (c *memoryCache) GetAvailableKeys(_ context.Context, productID int64) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.stock[productID]
	return n, ok, nil
}

func (c *memoryCache) InvalidateStock(_ context.Context, productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stock, productID)
	return nil
}

type testEnv struct {
	store     *store.MemoryStore
	cache     *memoryCache
	publisher *recordingPublisher
	inventory *InventoryService
	engine    *AssignmentEngine
	configs   *ConfigService
	assigner  *AutoAssigner
	orders    *OrderService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     store.NewMemoryStore(),
		cache:     newMemoryCache(),
		publisher: &recordingPublisher{},
	}
	env.inventory = NewInventoryService(env.store, env.cache)
	env.engine = NewAssignmentEngine(env.store, env.inventory, env.publisher, time.Second)
	env.configs = NewConfigService(env.store)
	_, err := env.configs.InitializeDefaults(context.Background(), 5)
	require.NoError(t, err)
	env.assigner = NewAutoAssigner(env.store, env.engine, env.configs, 5)
	env.assigner.LoadState(context.Background())
	env.orders = NewOrderService(env.store, env.inventory, env.engine, env.assigner, env.publisher)
	return env
}

func (env *testEnv) enableAutoAssign(t *testing.T) {
	t.Helper()
	require.NoError(t, env.assigner.Toggle(context.Background(), true, 1))
}

func (env *testEnv) stock(t *testing.T, productID int64, values ...string) []models.DigitalKey {
	t.Helper()
	res, err := env.engine.StockKeys(context.Background(), productID, values)
	require.NoError(t, err)
	require.Len(t, res.Created, len(values))
	return res.Created
}

// paidOrder inserts an order directly in status paid
func (env *testEnv) paidOrder(t *testing.T, productID int64) *models.Order {
	t.Helper()
	return env.orderWithStatus(t, productID, models.OrderStatusPaid)
}

func (env *testEnv) orderWithStatus(t *testing.T, productID int64, status string) *models.Order {
	t.Helper()
	order := &models.Order{UserID: 7, ProductID: productID, Status: status}
	require.NoError(t, env.store.CreateOrder(context.Background(), order))
	return order
}

func int64Ptr(v int64) *int64 { return &v }
