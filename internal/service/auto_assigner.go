package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"keyshop/internal/models"
	"keyshop/internal/store"
	"keyshop/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Trigger names what caused an auto-assignment attempt
type Trigger string

const (
	TriggerPayment      Trigger = "payment"
	TriggerStatusChange Trigger = "status_change"
	TriggerManual       Trigger = "manual"
)

// Auto-assignment outcomes
const (
	OutcomeDisabled       = "disabled"
	OutcomeNotTriggered   = "not_triggered"
	OutcomeInProgress     = "in_progress"
	OutcomeOrderNotFound  = "order_not_found"
	OutcomeOrderNotPaid   = "order_not_paid"
	OutcomeAlreadyHasKeys = "already_has_keys"
	OutcomeNoAvailableKey = "no_available_key"
	OutcomeAssigned       = "assigned"
	OutcomeFailed         = "failed"
)

// AssignmentResult is the outcome of one auto-assignment attempt
type AssignmentResult struct {
	OrderID int64              `json:"order_id"`
	Success bool               `json:"success"`
	Outcome string             `json:"outcome"`
	Message string             `json:"message"`
	Key     *models.DigitalKey `json:"key,omitempty"`
	Err     error              `json:"-"`
}

// Statistics is a point-in-time view of the coordinator and key pool
type Statistics struct {
	Enabled         bool   `json:"enabled"`
	TotalKeys       int    `json:"total_keys"`
	AssignedKeys    int    `json:"assigned_keys"`
	AvailableKeys   int    `json:"available_keys"`
	InFlightCount   int    `json:"in_flight_count"`
	ConcurrentLimit int    `json:"concurrent_limit"`
	Strategy        string `json:"strategy"`
}

// AutoAssigner assigns keys to orders that become paid. At most one attempt
// per order runs at a time and at most concurrentLimit run overall.
type AutoAssigner struct {
	store   store.Repository
	engine  *AssignmentEngine
	configs *ConfigService
	logger  *zap.Logger

	enabled atomic.Bool

	mu       sync.Mutex
	inFlight map[int64]struct{}

	semMu sync.Mutex
	sem   *semaphore.Weighted
	limit int
}

// NewAutoAssigner creates a disabled coordinator; call LoadState to pick up
// persisted settings
func NewAutoAssigner(repo store.Repository, engine *AssignmentEngine, configs *ConfigService, concurrentLimit int) *AutoAssigner {
	if concurrentLimit < 1 {
		concurrentLimit = 1
	}
	a := &AutoAssigner{
		store:    repo,
		engine:   engine,
		configs:  configs,
		logger:   util.GetLogger(),
		inFlight: make(map[int64]struct{}),
		sem:      semaphore.NewWeighted(int64(concurrentLimit)),
		limit:    concurrentLimit,
	}
	configs.Subscribe(a.onConfigChanged)
	return a
}

// LoadState reads the enabled flag and concurrent limit from the config store
func (a *AutoAssigner) LoadState(ctx context.Context) {
	a.enabled.Store(a.configs.GetBool(ctx, models.ConfigAutoAssignEnabled, false))
	a.setConcurrentLimit(int(a.configs.GetNumber(ctx, models.ConfigAutoAssignConcurrentLimit, float64(a.ConcurrentLimit()))))

	a.logger.Info("Auto-assignment state loaded",
		zap.Bool("enabled", a.IsEnabled()),
		zap.Int("concurrent_limit", a.ConcurrentLimit()))
}

// IsEnabled reports whether auto-assignment is on
func (a *AutoAssigner) IsEnabled() bool {
	return a.enabled.Load()
}

// Toggle persists the enabled flag. The runtime flag follows through the
// config listener, so it always matches the last persisted value.
func (a *AutoAssigner) Toggle(ctx context.Context, enabled bool, actorID int64) error {
	if _, err := a.configs.SetConfig(ctx, models.ConfigAutoAssignEnabled, models.BoolValue(enabled), actorID); err != nil {
		return err
	}
	a.logger.Info("Auto-assignment toggled", zap.Bool("enabled", enabled), zap.Int64("actor_id", actorID))
	return nil
}

// ConcurrentLimit returns the current limit on concurrent assignments
func (a *AutoAssigner) ConcurrentLimit() int {
	a.semMu.Lock()
	defer a.semMu.Unlock()
	return a.limit
}

// setConcurrentLimit swaps in a semaphore of the new size. Attempts already
// holding the old one release it as usual.
func (a *AutoAssigner) setConcurrentLimit(limit int) {
	if limit < 1 {
		return
	}
	a.semMu.Lock()
	defer a.semMu.Unlock()
	if limit == a.limit {
		return
	}
	a.sem = semaphore.NewWeighted(int64(limit))
	a.limit = limit
}

func (a *AutoAssigner) currentSemaphore() *semaphore.Weighted {
	a.semMu.Lock()
	defer a.semMu.Unlock()
	return a.sem
}

func (a *AutoAssigner) onConfigChanged(key string, value models.ConfigValue) {
	switch key {
	case models.ConfigAutoAssignEnabled:
		if b, ok := value.AsBool(); ok {
			a.enabled.Store(b)
		}
	case models.ConfigAutoAssignConcurrentLimit:
		if n, ok := value.AsNumber(); ok {
			a.setConcurrentLimit(int(n))
		}
	}
}

// OnOrderStatusChanged runs auto-assignment for an order that has just
// become paid, if enabled and if trigger is switched on
func (a *AutoAssigner) OnOrderStatusChanged(ctx context.Context, orderID int64, newStatus string, trigger Trigger) AssignmentResult {
	if !a.IsEnabled() {
		return a.finish(orderID, OutcomeDisabled, "auto-assignment is disabled", nil, nil)
	}
	if newStatus != models.OrderStatusPaid {
		return a.finish(orderID, OutcomeNotTriggered, fmt.Sprintf("status %s does not trigger assignment", newStatus), nil, nil)
	}
	if !a.triggerEnabled(ctx, trigger) {
		return a.finish(orderID, OutcomeNotTriggered, fmt.Sprintf("trigger %s is switched off", trigger), nil, nil)
	}
	return a.run(ctx, orderID)
}

// Process re-runs auto-assignment for a single order, ignoring trigger flags
func (a *AutoAssigner) Process(ctx context.Context, orderID int64) AssignmentResult {
	if !a.IsEnabled() {
		return a.finish(orderID, OutcomeDisabled, "auto-assignment is disabled", nil, nil)
	}
	return a.run(ctx, orderID)
}

// BulkAssign processes orderIDs with at most concurrentLimit in parallel.
// Results are returned in input order; one failure does not stop the rest.
func (a *AutoAssigner) BulkAssign(ctx context.Context, orderIDs []int64) []AssignmentResult {
	ctx, span := util.StartSpan(ctx, "AutoAssigner.BulkAssign", attribute.Int("orders", len(orderIDs)))
	defer span.End()

	results := make([]AssignmentResult, len(orderIDs))
	if !a.IsEnabled() {
		for i, id := range orderIDs {
			results[i] = a.finish(id, OutcomeDisabled, "auto-assignment is disabled", nil, nil)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(a.ConcurrentLimit())
	for i, id := range orderIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = a.run(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	assigned := 0
	for _, r := range results {
		if r.Success {
			assigned++
		}
	}
	a.logger.Info("Bulk assignment finished",
		zap.Int("orders", len(orderIDs)),
		zap.Int("assigned", assigned))
	return results
}

// Statistics reports coordinator state and key pool counts
func (a *AutoAssigner) Statistics(ctx context.Context) (*Statistics, error) {
	total, assigned, err := a.store.CountKeyStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count keys: %w", err)
	}

	a.mu.Lock()
	inFlight := len(a.inFlight)
	a.mu.Unlock()

	return &Statistics{
		Enabled:         a.IsEnabled(),
		TotalKeys:       total,
		AssignedKeys:    assigned,
		AvailableKeys:   total - assigned,
		InFlightCount:   inFlight,
		ConcurrentLimit: a.ConcurrentLimit(),
		Strategy:        a.configs.GetString(ctx, models.ConfigAutoAssignStrategy, models.StrategyFirstAvailable),
	}, nil
}

func (a *AutoAssigner) triggerEnabled(ctx context.Context, trigger Trigger) bool {
	switch trigger {
	case TriggerPayment:
		return a.configs.GetBool(ctx, models.ConfigAutoAssignTriggerOnPayment, true)
	case TriggerStatusChange:
		return a.configs.GetBool(ctx, models.ConfigAutoAssignTriggerOnStatusChange, true)
	case TriggerManual:
		return true
	}
	return false
}

// begin claims orderID; false means another attempt holds it
func (a *AutoAssigner) begin(orderID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inFlight[orderID]; busy {
		return false
	}
	a.inFlight[orderID] = struct{}{}
	util.AutoAssignInFlight.Inc()
	return true
}

func (a *AutoAssigner) end(orderID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, orderID)
	util.AutoAssignInFlight.Dec()
}

func (a *AutoAssigner) run(ctx context.Context, orderID int64) AssignmentResult {
	ctx, span := util.StartSpan(ctx, "AutoAssigner.run", attribute.Int64("order_id", orderID))
	defer span.End()

	if !a.begin(orderID) {
		return a.finish(orderID, OutcomeInProgress, "assignment already in progress for this order", nil, nil)
	}
	defer a.end(orderID)

	order, err := a.store.GetOrderByID(ctx, orderID)
	if errors.Is(err, models.ErrOrderNotFound) {
		return a.finish(orderID, OutcomeOrderNotFound, "order not found", nil, err)
	}
	if err != nil {
		util.SpanError(span, err)
		return a.finish(orderID, OutcomeFailed, "failed to load order", nil, err)
	}
	if order.Status != models.OrderStatusPaid {
		return a.finish(orderID, OutcomeOrderNotPaid, fmt.Sprintf("order is %s", order.Status), nil, nil)
	}

	keys, err := a.store.GetKeysByOrderID(ctx, orderID)
	if err != nil {
		util.SpanError(span, err)
		return a.finish(orderID, OutcomeFailed, "failed to load order keys", nil, err)
	}
	if len(keys) > 0 {
		return a.finish(orderID, OutcomeAlreadyHasKeys, "order already has keys", nil, nil)
	}

	if strategy := a.configs.GetString(ctx, models.ConfigAutoAssignStrategy, models.StrategyFirstAvailable); strategy != models.StrategyFirstAvailable {
		a.logger.Warn("Unknown strategy, using first_available", zap.String("strategy", strategy))
	}

	sem := a.currentSemaphore()
	if err := sem.Acquire(ctx, 1); err != nil {
		return a.finish(orderID, OutcomeFailed, "cancelled while waiting for a slot", nil, err)
	}
	key, err := a.engine.Assign(ctx, order.ProductID, orderID)
	sem.Release(1)

	if errors.Is(err, models.ErrNoAvailableKey) {
		return a.finish(orderID, OutcomeNoAvailableKey, "no available keys for this product", nil, err)
	}
	if err != nil {
		util.SpanError(span, err)
		return a.finish(orderID, OutcomeFailed, "assignment failed", nil, err)
	}
	return a.finish(orderID, OutcomeAssigned, "key assigned", key, nil)
}

func (a *AutoAssigner) finish(orderID int64, outcome, message string, key *models.DigitalKey, err error) AssignmentResult {
	util.AutoAssignOutcomesTotal.WithLabelValues(outcome).Inc()

	fields := []zap.Field{zap.Int64("order_id", orderID), zap.String("outcome", outcome)}
	switch outcome {
	case OutcomeAssigned:
		a.logger.Info("Auto-assignment succeeded", append(fields, zap.Int64("key_id", key.ID))...)
	case OutcomeFailed:
		a.logger.Error("Auto-assignment failed", append(fields, zap.Error(err))...)
	case OutcomeNoAvailableKey:
		a.logger.Warn("Auto-assignment found no key", fields...)
	default:
		a.logger.Debug("Auto-assignment skipped", fields...)
	}

	if err != nil && outcome != OutcomeFailed {
		err = nil
	}
	return AssignmentResult{
		OrderID: orderID,
		Success: outcome == OutcomeAssigned,
		Outcome: outcome,
		Message: message,
		Key:     key,
		Err:     err,
	}
}
