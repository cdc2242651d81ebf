package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"keyshop/internal/models"
)

// MemoryStore is an in-process Repository used by tests and local tooling.
// A single mutex stands in for the row and advisory locks of the Postgres
// store, so every *Tx method is atomic with respect to the others.
type MemoryStore struct {
	mu        sync.Mutex
	products  map[int64]*models.Product
	keys      map[int64]*models.DigitalKey
	orders    map[int64]*models.Order
	configs   map[string]*models.SystemConfig
	processed map[string]models.ProcessedEvent
	nextID    int64
	now       func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:  make(map[int64]*models.Product),
		keys:      make(map[int64]*models.DigitalKey),
		orders:    make(map[int64]*models.Order),
		configs:   make(map[string]*models.SystemConfig),
		processed: make(map[string]models.ProcessedEvent),
		now:       time.Now,
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

// AddProduct registers a product
func (m *MemoryStore) AddProduct(name string, price int64) *models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &models.Product{ID: m.id(), Name: name, Price: price, IsActive: true, CreatedAt: m.now()}
	m.products[p.ID] = p
	cp := *p
	return &cp
}

// InsertRawKey stores a key row as given, skipping uniqueness and the
// assignment invariant. It exists to load legacy data for maintenance.
func (m *MemoryStore) InsertRawKey(key models.DigitalKey) *models.DigitalKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	key.ID = m.id()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = m.now()
	}
	key.UpdatedAt = key.CreatedAt
	m.keys[key.ID] = &key
	cp := key
	return &cp
}

func (m *MemoryStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetProducts(ctx context.Context) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	products := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		products = append(products, *p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (m *MemoryStore) GetKeyByID(ctx context.Context, id int64) (*models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrKeyNotFound, id)
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) GetKeyByValue(ctx context.Context, keyValue string) (*models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.keyByValue(keyValue)
	if k == nil {
		return nil, fmt.Errorf("%w: %q", models.ErrKeyNotFound, keyValue)
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) GetKeysByOrderID(ctx context.Context, orderID int64) ([]models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.selectKeys(func(k *models.DigitalKey) bool { return k.BelongsTo(orderID) })
	sortFIFO(keys)
	return keys, nil
}

func (m *MemoryStore) ListKeys(ctx context.Context, filter models.KeyFilter) ([]models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.selectKeys(func(k *models.DigitalKey) bool {
		if filter.ProductID != nil && (k.ProductID == nil || *k.ProductID != *filter.ProductID) {
			return false
		}
		if filter.IsAssigned != nil && k.IsAssigned != *filter.IsAssigned {
			return false
		}
		return true
	})
	sortFIFO(keys)
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	if filter.Limit > 0 && len(keys) > filter.Limit {
		keys = keys[:filter.Limit]
	}
	return keys, nil
}

func (m *MemoryStore) CountAvailableKeys(ctx context.Context, productID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.selectKeys(func(k *models.DigitalKey) bool { return isAvailableFor(k, productID) })), nil
}

func (m *MemoryStore) CountKeyStates(ctx context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assigned := len(m.selectKeys(func(k *models.DigitalKey) bool { return k.IsAssigned }))
	return len(m.keys), assigned, nil
}

func (m *MemoryStore) CreateKey(ctx context.Context, keyValue string, productID int64) (*models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keyByValue(keyValue) != nil {
		return nil, fmt.Errorf("%w: %q", models.ErrDuplicateKey, keyValue)
	}
	now := m.now()
	pid := productID
	k := &models.DigitalKey{ID: m.id(), KeyValue: keyValue, ProductID: &pid, CreatedAt: now, UpdatedAt: now}
	m.keys[k.ID] = k
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) AssignNextKeyTx(ctx context.Context, productID, orderID int64) (*models.DigitalKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRetryable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.selectKeys(func(k *models.DigitalKey) bool { return isAvailableFor(k, productID) })
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: product %d", models.ErrNoAvailableKey, productID)
	}
	sortFIFO(candidates)

	k := m.keys[candidates[0].ID]
	m.bind(k, orderID)
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) AttachKeysTx(ctx context.Context, orderID, productID int64, keyValues []string) ([]models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAttach(orderID, keyValues); err != nil {
		return nil, err
	}
	return m.attach(orderID, productID, keyValues), nil
}

func (m *MemoryStore) PayOrderWithKeysTx(ctx context.Context, orderID int64, from string, keyValues []string) (*models.Order, []models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if o.Status != from {
		return nil, nil, fmt.Errorf("%w: order %d is %s, not %s", models.ErrInvalidTransition, orderID, o.Status, from)
	}
	if err := m.checkAttach(orderID, keyValues); err != nil {
		return nil, nil, err
	}

	o.Status = models.OrderStatusPaid
	o.UpdatedAt = m.now()
	keys := m.attach(orderID, o.ProductID, keyValues)
	cp := *o
	return &cp, keys, nil
}

// checkAttach validates every value up front so a failure leaves no
// partial writes
func (m *MemoryStore) checkAttach(orderID int64, keyValues []string) error {
	for _, value := range keyValues {
		if k := m.keyByValue(value); k != nil && k.AssignedToOrderID != nil && *k.AssignedToOrderID != orderID {
			return fmt.Errorf("%w: key %d is bound to order %d", models.ErrWrongOrder, k.ID, *k.AssignedToOrderID)
		}
	}
	return nil
}

func (m *MemoryStore) attach(orderID, productID int64, keyValues []string) []models.DigitalKey {
	attached := make([]models.DigitalKey, 0, len(keyValues))
	for _, value := range keyValues {
		k := m.keyByValue(value)
		if k == nil {
			now := m.now()
			pid := productID
			k = &models.DigitalKey{ID: m.id(), KeyValue: value, ProductID: &pid, CreatedAt: now}
			m.keys[k.ID] = k
		} else if k.ProductID == nil {
			pid := productID
			k.ProductID = &pid
		}
		if !k.BelongsTo(orderID) || !k.IsAssigned {
			m.bind(k, orderID)
		}
		k.UpdatedAt = m.now()
		attached = append(attached, *k)
	}
	return attached
}

func (m *MemoryStore) ReleaseKeyTx(ctx context.Context, keyID, orderID int64) (*models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrKeyNotFound, keyID)
	}
	if !k.BelongsTo(orderID) {
		return nil, fmt.Errorf("%w: key %d, order %d", models.ErrWrongOrder, keyID, orderID)
	}
	m.unbind(k)
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) RevokeKey(ctx context.Context, keyID int64) (*models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrKeyNotFound, keyID)
	}
	m.unbind(k)
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) FindOrphanedKeys(ctx context.Context) ([]models.DigitalKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.selectKeys(func(k *models.DigitalKey) bool { return k.IsOrphaned() })
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

func (m *MemoryStore) RepairOrphanedKeys(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var repaired int64
	for _, k := range m.keys {
		switch {
		case k.IsAssigned && k.AssignedToOrderID == nil:
			k.IsAssigned = false
			k.AssignedAt = nil
		case !k.IsAssigned && k.AssignedToOrderID != nil:
			if _, ok := m.orders[*k.AssignedToOrderID]; ok {
				k.IsAssigned = true
				if k.AssignedAt == nil {
					now := m.now()
					k.AssignedAt = &now
				}
			} else {
				k.AssignedToOrderID = nil
				k.AssignedAt = nil
			}
		default:
			continue
		}
		k.UpdatedAt = m.now()
		repaired++
	}
	return repaired, nil
}

func (m *MemoryStore) FindDuplicateKeyGroups(ctx context.Context) ([]models.DuplicateGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, k := range m.keys {
		counts[k.KeyValue]++
	}
	rows := m.selectKeys(func(k *models.DigitalKey) bool { return counts[k.KeyValue] > 1 })
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].KeyValue != rows[j].KeyValue {
			return rows[i].KeyValue < rows[j].KeyValue
		}
		return fifoLess(&rows[i], &rows[j])
	})
	return groupByValue(rows), nil
}

func (m *MemoryStore) DeleteKeys(ctx context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, id := range ids {
		if _, ok := m.keys[id]; ok {
			delete(m.keys, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	order.ID = m.id()
	order.CreatedAt = now
	order.UpdatedAt = now
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := []models.Order{}
	for _, o := range m.orders {
		if userID == 0 || o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, orderID int64, from, to string, payment *models.PaymentDetails) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: order %d is %s, not %s", models.ErrInvalidTransition, orderID, o.Status, from)
	}
	o.Status = to
	if payment != nil {
		o.PaymentMethod = payment.Method
		o.TransactionID = payment.TransactionID
		o.PaymentSender = payment.Sender
	}
	o.UpdatedAt = m.now()
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetConfig(ctx context.Context, key string) (*models.SystemConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.configs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrConfigNotFound, key)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertConfig(ctx context.Context, cfg *models.SystemConfig) (*models.SystemConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.configs[cfg.Key]
	if !ok {
		c = &models.SystemConfig{ID: m.id(), Key: cfg.Key, Category: models.ConfigCategoryGeneral, IsEditable: true, CreatedAt: now}
		m.configs[cfg.Key] = c
	}
	c.Value = cfg.Value
	c.Type = cfg.Type
	if cfg.Category != "" {
		c.Category = cfg.Category
	}
	if cfg.Description != "" {
		c.Description = cfg.Description
	}
	c.UpdatedBy = cfg.UpdatedBy
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateConfigIfMissing(ctx context.Context, cfg *models.SystemConfig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[cfg.Key]; ok {
		return false, nil
	}
	now := m.now()
	c := *cfg
	c.ID = m.id()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.configs[c.Key] = &c
	return true, nil
}

func (m *MemoryStore) ListConfigs(ctx context.Context, category string) ([]models.SystemConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	configs := []models.SystemConfig{}
	for _, c := range m.configs {
		if category == "" || c.Category == category {
			configs = append(configs, *c)
		}
	}
	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Category != configs[j].Category {
			return configs[i].Category < configs[j].Category
		}
		return configs[i].Key < configs[j].Key
	})
	return configs, nil
}

func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processed[eventID]; !ok {
		m.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: m.now()}
	}
	return nil
}

func (m *MemoryStore) keyByValue(value string) *models.DigitalKey {
	var found *models.DigitalKey
	for _, k := range m.keys {
		if k.KeyValue == value && (found == nil || k.ID < found.ID) {
			found = k
		}
	}
	return found
}

func (m *MemoryStore) selectKeys(match func(*models.DigitalKey) bool) []models.DigitalKey {
	keys := []models.DigitalKey{}
	for _, k := range m.keys {
		if match(k) {
			keys = append(keys, *k)
		}
	}
	return keys
}

func (m *MemoryStore) bind(k *models.DigitalKey, orderID int64) {
	now := m.now()
	oid := orderID
	k.IsAssigned = true
	k.AssignedToOrderID = &oid
	k.AssignedAt = &now
	k.UpdatedAt = now
}

func (m *MemoryStore) unbind(k *models.DigitalKey) {
	k.IsAssigned = false
	k.AssignedToOrderID = nil
	k.AssignedAt = nil
	k.UpdatedAt = m.now()
}

func isAvailableFor(k *models.DigitalKey, productID int64) bool {
	return !k.IsAssigned && k.ProductID != nil && *k.ProductID == productID
}

func fifoLess(a, b *models.DigitalKey) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortFIFO(keys []models.DigitalKey) {
	sort.Slice(keys, func(i, j int) bool { return fifoLess(&keys[i], &keys[j]) })
}
