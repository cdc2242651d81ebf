package service

import (
	"context"
	"sync"
	"testing"

	"keyshop/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoAssignDisabledByDefault(t *testing.T) {
	env := newTestEnv(t)
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "KEY-1")
	order := env.paidOrder(t, p.ID)

	res := env.assigner.OnOrderStatusChanged(context.Background(), order.ID, models.OrderStatusPaid, TriggerPayment)
	assert.False(t, res.Success)
	assert.Equal(t, OutcomeDisabled, res.Outcome)
}

func TestAutoAssignOutcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enableAutoAssign(t)

	stocked := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, stocked.ID, "KEY-1")
	empty := env.store.AddProduct("Sold out", 900)

	paid := env.paidOrder(t, stocked.ID)
	pending := env.orderWithStatus(t, stocked.ID, models.OrderStatusPending)
	starved := env.paidOrder(t, empty.ID)

	res := env.assigner.OnOrderStatusChanged(ctx, paid.ID, models.OrderStatusDelivered, TriggerStatusChange)
	assert.Equal(t, OutcomeNotTriggered, res.Outcome)

	res = env.assigner.Process(ctx, 404)
	assert.Equal(t, OutcomeOrderNotFound, res.Outcome)

	res = env.assigner.Process(ctx, pending.ID)
	assert.Equal(t, OutcomeOrderNotPaid, res.Outcome)

	res = env.assigner.OnOrderStatusChanged(ctx, starved.ID, models.OrderStatusPaid, TriggerPayment)
	assert.Equal(t, OutcomeNoAvailableKey, res.Outcome)
	assert.NoError(t, res.Err)

	res = env.assigner.OnOrderStatusChanged(ctx, paid.ID, models.OrderStatusPaid, TriggerPayment)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	require.NotNil(t, res.Key)
	assert.True(t, res.Key.BelongsTo(paid.ID))

	res = env.assigner.OnOrderStatusChanged(ctx, paid.ID, models.OrderStatusPaid, TriggerPayment)
	assert.Equal(t, OutcomeAlreadyHasKeys, res.Outcome)
}

func TestAutoAssignTriggerSwitchedOff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enableAutoAssign(t)
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "KEY-1")
	order := env.paidOrder(t, p.ID)

	_, err := env.configs.SetConfig(ctx, models.ConfigAutoAssignTriggerOnPayment, models.BoolValue(false), 1)
	require.NoError(t, err)

	res := env.assigner.OnOrderStatusChanged(ctx, order.ID, models.OrderStatusPaid, TriggerPayment)
	assert.Equal(t, OutcomeNotTriggered, res.Outcome)

	res = env.assigner.OnOrderStatusChanged(ctx, order.ID, models.OrderStatusPaid, TriggerStatusChange)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
}

func TestAutoAssignInFlightGuard(t *testing.T) {
	env := newTestEnv(t)
	env.enableAutoAssign(t)
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "KEY-1")
	order := env.paidOrder(t, p.ID)

	require.True(t, env.assigner.begin(order.ID))
	res := env.assigner.Process(context.Background(), order.ID)
	assert.Equal(t, OutcomeInProgress, res.Outcome)

	stats, err := env.assigner.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlightCount)

	env.assigner.end(order.ID)
	res = env.assigner.Process(context.Background(), order.ID)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
}

func TestAutoAssignConcurrentTriggersAssignOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enableAutoAssign(t)
	p := env.store.AddProduct("Office 2024", 1500)
	for _, v := range []string{"K1", "K2", "K3", "K4"} {
		env.stock(t, p.ID, v)
	}
	order := env.paidOrder(t, p.ID)

	const callers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[string]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := env.assigner.OnOrderStatusChanged(ctx, order.ID, models.OrderStatusPaid, TriggerPayment)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeAssigned])
	assert.Equal(t, callers-1, outcomes[OutcomeInProgress]+outcomes[OutcomeAlreadyHasKeys])

	keys, err := env.store.GetKeysByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestBulkAssignReportsPerOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enableAutoAssign(t)
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "K1", "K2")

	ids := []int64{
		env.paidOrder(t, p.ID).ID,
		env.paidOrder(t, p.ID).ID,
		env.paidOrder(t, p.ID).ID,
		env.orderWithStatus(t, p.ID, models.OrderStatusCancelled).ID,
	}

	results := env.assigner.BulkAssign(ctx, ids)
	require.Len(t, results, len(ids))

	outcomes := map[string]int{}
	for i, r := range results {
		assert.Equal(t, ids[i], r.OrderID)
		outcomes[r.Outcome]++
	}
	assert.Equal(t, 2, outcomes[OutcomeAssigned])
	assert.Equal(t, 1, outcomes[OutcomeNoAvailableKey])
	assert.Equal(t, OutcomeOrderNotPaid, results[3].Outcome)
}

func TestBulkAssignWhenDisabled(t *testing.T) {
	env := newTestEnv(t)

	results := env.assigner.BulkAssign(context.Background(), []int64{1, 2})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, OutcomeDisabled, r.Outcome)
	}
}

func TestToggleIsPersisted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.assigner.Toggle(ctx, true, 42))
	assert.True(t, env.assigner.IsEnabled())

	cfg, err := env.store.GetConfig(ctx, models.ConfigAutoAssignEnabled)
	require.NoError(t, err)
	assert.Equal(t, "true", cfg.Value)
	require.NotNil(t, cfg.UpdatedBy)
	assert.Equal(t, int64(42), *cfg.UpdatedBy)

	// a fresh coordinator over the same store picks the flag up
	restarted := NewAutoAssigner(env.store, env.engine, NewConfigService(env.store), 5)
	restarted.LoadState(ctx)
	assert.True(t, restarted.IsEnabled())
}

func TestConcurrentTogglesMatchPersistedFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(on bool) {
			defer wg.Done()
			assert.NoError(t, env.assigner.Toggle(ctx, on, 1))
		}(i%2 == 0)
	}
	wg.Wait()

	cfg, err := env.store.GetConfig(ctx, models.ConfigAutoAssignEnabled)
	require.NoError(t, err)
	assert.Equal(t, cfg.Value == "true", env.assigner.IsEnabled())
}

func TestConcurrentLimitFollowsConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	assert.Equal(t, 5, env.assigner.ConcurrentLimit())

	_, err := env.configs.SetConfig(ctx, models.ConfigAutoAssignConcurrentLimit, models.NumberValue(2), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, env.assigner.ConcurrentLimit())

	_, err = env.configs.SetConfig(ctx, models.ConfigAutoAssignConcurrentLimit, models.NumberValue(0), 1)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 2, env.assigner.ConcurrentLimit())
}

func TestStatistics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enableAutoAssign(t)
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "K1", "K2", "K3")
	env.assigner.Process(ctx, env.paidOrder(t, p.ID).ID)

	stats, err := env.assigner.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Statistics{
		Enabled:         true,
		TotalKeys:       3,
		AssignedKeys:    1,
		AvailableKeys:   2,
		InFlightCount:   0,
		ConcurrentLimit: 5,
		Strategy:        models.StrategyFirstAvailable,
	}, stats)
}
