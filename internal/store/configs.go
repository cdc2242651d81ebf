package store

import (
	"context"
	"database/sql"
	"fmt"

	"keyshop/internal/models"
)

// GetConfig retrieves a config entry by key
func (s *Store) GetConfig(ctx context.Context, key string) (*models.SystemConfig, error) {
	var cfg models.SystemConfig
	err := s.db.GetContext(ctx, &cfg, "SELECT * FROM system_configs WHERE key = $1", key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrConfigNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpsertConfig writes a config entry, keeping the stored description and
// category when the new ones are empty
func (s *Store) UpsertConfig(ctx context.Context, cfg *models.SystemConfig) (*models.SystemConfig, error) {
	var saved models.SystemConfig
	err := s.db.GetContext(ctx, &saved, `
		INSERT INTO system_configs (key, value, type, category, description, is_editable, updated_by)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'general'), $5, TRUE, $6)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    type = EXCLUDED.type,
		    category = COALESCE(NULLIF($4, ''), system_configs.category),
		    description = COALESCE(NULLIF(EXCLUDED.description, ''), system_configs.description),
		    updated_by = EXCLUDED.updated_by,
		    updated_at = NOW()
		RETURNING *`,
		cfg.Key, cfg.Value, cfg.Type, cfg.Category, cfg.Description, cfg.UpdatedBy)
	if err != nil {
		return nil, classifyError(err)
	}
	return &saved, nil
}

// CreateConfigIfMissing inserts a config entry unless the key exists
func (s *Store) CreateConfigIfMissing(ctx context.Context, cfg *models.SystemConfig) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO system_configs (key, value, type, category, description, is_editable)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		cfg.Key, cfg.Value, cfg.Type, cfg.Category, cfg.Description, cfg.IsEditable)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListConfigs lists config entries ordered by category and key; an empty
// category lists everything
func (s *Store) ListConfigs(ctx context.Context, category string) ([]models.SystemConfig, error) {
	configs := []models.SystemConfig{}
	if category == "" {
		err := s.db.SelectContext(ctx, &configs, "SELECT * FROM system_configs ORDER BY category, key")
		return configs, err
	}
	err := s.db.SelectContext(ctx, &configs,
		"SELECT * FROM system_configs WHERE category = $1 ORDER BY key", category)
	return configs, err
}
