package worker

import (
	"context"
	"time"

	"keyshop/internal/broker"
	"keyshop/internal/service"
	"keyshop/internal/util"

	"go.uber.org/zap"
)

// PaymentWorker consumes payment confirmations from external sources
type PaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer *broker.Consumer, payments *service.PaymentEventHandler) *PaymentWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentConfirmed(payments.HandlePaymentConfirmed)

	return &PaymentWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}

// Repairer is the maintenance operation run on every tick
type Repairer interface {
	RepairOrphans(ctx context.Context) (int64, error)
}

const maintenanceLock = "maintenance"

// MaintenanceWorker periodically repairs orphaned keys. The named lock keeps
// replicas from repairing at the same time.
type MaintenanceWorker struct {
	repairer Repairer
	locker   service.Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   *zap.Logger
}

// NewMaintenanceWorker creates a new maintenance worker
func NewMaintenanceWorker(repairer Repairer, locker service.Locker, interval, lockTTL time.Duration) *MaintenanceWorker {
	return &MaintenanceWorker{
		repairer: repairer,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		logger:   util.GetLogger(),
	}
}

// Start runs a pass every interval until ctx is done
func (w *MaintenanceWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting maintenance worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Maintenance worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Maintenance pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce runs a single pass if the lock is free and reports whether it ran
func (w *MaintenanceWorker) RunOnce(ctx context.Context) (bool, error) {
	token, ok, err := w.locker.AcquireLock(ctx, maintenanceLock, w.lockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		w.logger.Debug("Maintenance lock held elsewhere, skipping pass")
		return false, nil
	}
	defer func() {
		if err := w.locker.ReleaseLock(context.WithoutCancel(ctx), maintenanceLock, token); err != nil {
			w.logger.Warn("Failed to release maintenance lock", zap.Error(err))
		}
	}()

	repaired, err := w.repairer.RepairOrphans(ctx)
	if err != nil {
		return true, err
	}
	w.logger.Info("Maintenance pass finished", zap.Int64("repaired", repaired))
	return true, nil
}
