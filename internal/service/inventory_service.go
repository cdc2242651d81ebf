package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"keyshop/internal/models"
	"keyshop/internal/store"
	"keyshop/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryService answers stock questions. Stock is always the count of
// available keys; the cache only shortcuts reads of that count.
type InventoryService struct {
	store  store.Repository
	cache  StockCache
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service. A nil cache disables caching.
func NewInventoryService(repo store.Repository, cache StockCache) *InventoryService {
	if cache == nil {
		cache = nopCache{}
	}
	return &InventoryService{
		store:  repo,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// StockLevel is the stock of one product
type StockLevel struct {
	ProductID int64 `json:"product_id"`
	Available int   `json:"available"`
	InStock   bool  `json:"in_stock"`
	Cached    bool  `json:"cached"`
}

// GetStock returns the stock of a product, served from the cache when possible
func (s *InventoryService) GetStock(ctx context.Context, productID int64) (*StockLevel, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.GetStock", attribute.Int64("product_id", productID))
	defer span.End()

	if _, err := s.store.GetProductByID(ctx, productID); err != nil {
		return nil, err
	}

	available, ok, err := s.cache.GetAvailableKeys(ctx, productID)
	if err != nil {
		s.logger.Warn("Stock cache read failed, falling back to DB",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
	if err == nil && ok {
		return &StockLevel{ProductID: productID, Available: available, InStock: available > 0, Cached: true}, nil
	}

	available, err = s.CountAvailable(ctx, productID)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	return &StockLevel{ProductID: productID, Available: available, InStock: available > 0}, nil
}

// CountAvailable counts available keys in the database and refreshes the cache
func (s *InventoryService) CountAvailable(ctx context.Context, productID int64) (int, error) {
	observedAt := time.Now()
	available, err := s.store.CountAvailableKeys(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to count available keys: %w", err)
	}

	if err := s.cache.SetAvailableKeys(ctx, productID, available, observedAt); err != nil {
		s.logger.Warn("Failed to cache stock",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
	return available, nil
}

// RefreshStock recounts a product after a key mutation. Failures only
// invalidate the cache entry; the mutation itself already committed.
func (s *InventoryService) RefreshStock(ctx context.Context, productID int64) {
	if _, err := s.CountAvailable(ctx, productID); err != nil {
		s.logger.Warn("Stock refresh failed", zap.Int64("product_id", productID), zap.Error(err))
		if err := s.cache.InvalidateStock(ctx, productID); err != nil {
			s.logger.Error("Failed to invalidate stock cache", zap.Int64("product_id", productID), zap.Error(err))
		}
	}
}

// SyncInventoryToRedis recounts every product into the cache
func (s *InventoryService) SyncInventoryToRedis(ctx context.Context) error {
	s.logger.Info("Starting inventory sync to Redis")

	products, err := s.store.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	for _, product := range products {
		if _, err := s.CountAvailable(ctx, product.ID); err != nil {
			s.logger.Error("Failed to sync product stock",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
		}
	}

	s.logger.Info("Inventory sync completed", zap.Int("count", len(products)))
	return nil
}

// ListKeys lists keys newest first
func (s *InventoryService) ListKeys(ctx context.Context, filter models.KeyFilter) ([]models.DigitalKey, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.ListKeys(ctx, filter)
}

// normalizeKeyValues trims values and drops repeats, failing on blanks
func normalizeKeyValues(values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: at least one key is required", models.ErrValidation)
	}

	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for i, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, fmt.Errorf("%w: key %d is blank", models.ErrValidation, i)
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}
