package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"keyshop/internal/models"
	"keyshop/internal/store"
	"keyshop/internal/util"

	"go.uber.org/zap"
)

// ConfigListener is notified after a config value is persisted
type ConfigListener func(key string, value models.ConfigValue)

// ConfigService is the typed view over system_configs
type ConfigService struct {
	store  store.ConfigRepository
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []ConfigListener
	// writeMu orders persist+notify so listeners see writes in commit order
	writeMu sync.Mutex
}

// NewConfigService creates a new config service
func NewConfigService(repo store.ConfigRepository) *ConfigService {
	return &ConfigService{
		store:  repo,
		logger: util.GetLogger(),
	}
}

// Subscribe registers fn to run after every successful SetConfig
func (s *ConfigService) Subscribe(fn ConfigListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// GetConfig returns the value stored under key, or def when the key is
// missing or unreadable
func (s *ConfigService) GetConfig(ctx context.Context, key string, def models.ConfigValue) models.ConfigValue {
	cfg, err := s.store.GetConfig(ctx, key)
	if err != nil {
		if !errors.Is(err, models.ErrConfigNotFound) {
			s.logger.Warn("Failed to read config, using default", zap.String("key", key), zap.Error(err))
		}
		return def
	}

	value, err := models.DecodeConfigValue(cfg.Value, cfg.Type)
	if err != nil {
		s.logger.Warn("Stored config does not decode, using default",
			zap.String("key", key),
			zap.String("type", string(cfg.Type)),
			zap.Error(err))
		return def
	}
	return value
}

// GetBool reads a boolean config, falling back to def
func (s *ConfigService) GetBool(ctx context.Context, key string, def bool) bool {
	if b, ok := s.GetConfig(ctx, key, models.BoolValue(def)).AsBool(); ok {
		return b
	}
	return def
}

// GetNumber reads a numeric config, falling back to def
func (s *ConfigService) GetNumber(ctx context.Context, key string, def float64) float64 {
	if n, ok := s.GetConfig(ctx, key, models.NumberValue(def)).AsNumber(); ok {
		return n
	}
	return def
}

// GetString reads a string config, falling back to def
func (s *ConfigService) GetString(ctx context.Context, key string, def string) string {
	if str, ok := s.GetConfig(ctx, key, models.StringValue(def)).AsString(); ok {
		return str
	}
	return def
}

// SetConfig validates and persists value under key on behalf of actorID
func (s *ConfigService) SetConfig(ctx context.Context, key string, value models.ConfigValue, actorID int64) (*models.SystemConfig, error) {
	ctx, span := util.StartSpan(ctx, "ConfigService.SetConfig")
	defer span.End()

	if key == "" {
		return nil, fmt.Errorf("%w: config key is required", models.ErrValidation)
	}
	if value.IsZero() {
		return nil, fmt.Errorf("%w: config value is required", models.ErrValidation)
	}
	if err := validateConfig(key, value); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.store.GetConfig(ctx, key)
	switch {
	case err == nil && !existing.IsEditable:
		return nil, fmt.Errorf("%w: config %s is not editable", models.ErrValidation, key)
	case err != nil && !errors.Is(err, models.ErrConfigNotFound):
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	text, typ := value.Encode()
	cfg := &models.SystemConfig{
		Key:   key,
		Value: text,
		Type:  typ,
	}
	if actorID > 0 {
		cfg.UpdatedBy = &actorID
	}

	saved, err := s.store.UpsertConfig(ctx, cfg)
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	s.logger.Info("Config updated",
		zap.String("key", key),
		zap.String("value", text),
		zap.Int64("actor_id", actorID))

	s.mu.RLock()
	listeners := append([]ConfigListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(key, value)
	}
	return saved, nil
}

// GetAllConfigs lists configs, optionally restricted to one category
func (s *ConfigService) GetAllConfigs(ctx context.Context, category string) ([]models.SystemConfig, error) {
	return s.store.ListConfigs(ctx, category)
}

// InitializeDefaults creates the default entries that do not exist yet and
// returns how many were created
func (s *ConfigService) InitializeDefaults(ctx context.Context, concurrentLimit int) (int, error) {
	created := 0
	for _, def := range models.DefaultConfigs(concurrentLimit) {
		text, typ := def.Value.Encode()
		ok, err := s.store.CreateConfigIfMissing(ctx, &models.SystemConfig{
			Key:         def.Key,
			Value:       text,
			Type:        typ,
			Category:    def.Category,
			Description: def.Description,
			IsEditable:  true,
		})
		if err != nil {
			return created, fmt.Errorf("failed to initialize config %s: %w", def.Key, err)
		}
		if ok {
			created++
		}
	}

	s.logger.Info("Default configs initialized", zap.Int("created", created))
	return created, nil
}

// validateConfig checks values of the keys this service knows about
func validateConfig(key string, value models.ConfigValue) error {
	switch key {
	case models.ConfigAutoAssignEnabled,
		models.ConfigAutoAssignTriggerOnPayment,
		models.ConfigAutoAssignTriggerOnStatusChange:
		if _, ok := value.AsBool(); !ok {
			return fmt.Errorf("%w: %s must be a boolean", models.ErrValidation, key)
		}
	case models.ConfigAutoAssignStrategy:
		strategy, ok := value.AsString()
		if !ok || strategy != models.StrategyFirstAvailable {
			return fmt.Errorf("%w: unsupported strategy %v", models.ErrValidation, value.Interface())
		}
	case models.ConfigAutoAssignConcurrentLimit:
		n, ok := value.AsNumber()
		if !ok || n < 1 || n > 100 || n != math.Trunc(n) {
			return fmt.Errorf("%w: %s must be an integer between 1 and 100", models.ErrValidation, key)
		}
	}
	return nil
}
