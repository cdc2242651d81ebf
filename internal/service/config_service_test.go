package service

import (
	"context"
	"testing"

	"keyshop/internal/models"
	"keyshop/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaultsIsIdempotent(t *testing.T) {
	m := store.NewMemoryStore()
	s := NewConfigService(m)
	ctx := context.Background()

	created, err := s.InitializeDefaults(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, created)

	_, err = s.SetConfig(ctx, models.ConfigAutoAssignEnabled, models.BoolValue(true), 1)
	require.NoError(t, err)

	created, err = s.InitializeDefaults(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.True(t, s.GetBool(ctx, models.ConfigAutoAssignEnabled, false))

	configs, err := s.GetAllConfigs(ctx, models.ConfigCategoryAutoAssignment)
	require.NoError(t, err)
	assert.Len(t, configs, 5)
	assert.Equal(t, float64(5), s.GetNumber(ctx, models.ConfigAutoAssignConcurrentLimit, 0))
	assert.Equal(t, models.StrategyFirstAvailable, s.GetString(ctx, models.ConfigAutoAssignStrategy, ""))
}

func TestGetConfigFallsBackToDefault(t *testing.T) {
	m := store.NewMemoryStore()
	s := NewConfigService(m)
	ctx := context.Background()

	assert.Equal(t, "fallback", s.GetString(ctx, "missing", "fallback"))

	// a stored value that does not decode as its declared type
	_, err := m.UpsertConfig(ctx, &models.SystemConfig{Key: "broken", Value: "abc", Type: models.ConfigTypeNumber})
	require.NoError(t, err)
	assert.Equal(t, float64(3), s.GetNumber(ctx, "broken", 3))

	// a stored value of another type
	_, err = s.SetConfig(ctx, "banner", models.StringValue("hello"), 1)
	require.NoError(t, err)
	assert.True(t, s.GetBool(ctx, "banner", true))
}

func TestSetConfigRoundTripsTypes(t *testing.T) {
	s := NewConfigService(store.NewMemoryStore())
	ctx := context.Background()

	jsonValue, err := models.JSONValue(map[string]interface{}{"hours": []int{9, 17}})
	require.NoError(t, err)

	tests := []struct {
		key   string
		value models.ConfigValue
	}{
		{"site_name", models.StringValue("keyshop")},
		{"max_keys", models.NumberValue(12.5)},
		{"maintenance_mode", models.BoolValue(true)},
		{"support_hours", jsonValue},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			saved, err := s.SetConfig(ctx, tt.key, tt.value, 3)
			require.NoError(t, err)
			assert.Equal(t, tt.value.Type(), saved.Type)

			got := s.GetConfig(ctx, tt.key, models.StringValue("unset"))
			assert.Equal(t, tt.value.Interface(), got.Interface())
		})
	}
}

func TestSetConfigValidation(t *testing.T) {
	m := store.NewMemoryStore()
	s := NewConfigService(m)
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value models.ConfigValue
	}{
		{"empty key", "", models.BoolValue(true)},
		{"zero value", "anything", models.ConfigValue{}},
		{"enabled not bool", models.ConfigAutoAssignEnabled, models.StringValue("yes")},
		{"unknown strategy", models.ConfigAutoAssignStrategy, models.StringValue("random")},
		{"fractional limit", models.ConfigAutoAssignConcurrentLimit, models.NumberValue(2.5)},
		{"limit too large", models.ConfigAutoAssignConcurrentLimit, models.NumberValue(1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SetConfig(ctx, tt.key, tt.value, 1)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	_, err := m.CreateConfigIfMissing(ctx, &models.SystemConfig{Key: "locked", Value: "1", Type: models.ConfigTypeNumber})
	require.NoError(t, err)
	_, err = s.SetConfig(ctx, "locked", models.NumberValue(2), 1)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSetConfigNotifiesSubscribers(t *testing.T) {
	s := NewConfigService(store.NewMemoryStore())
	var seen []string
	s.Subscribe(func(key string, _ models.ConfigValue) { seen = append(seen, key) })

	_, err := s.SetConfig(context.Background(), "a", models.BoolValue(true), 1)
	require.NoError(t, err)
	_, err = s.SetConfig(context.Background(), models.ConfigAutoAssignStrategy, models.StringValue("nope"), 1)
	require.Error(t, err)

	assert.Equal(t, []string{"a"}, seen)
}
