package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keyshop/config"
	"keyshop/internal/api"
	"keyshop/internal/broker"
	"keyshop/internal/redisclient"
	"keyshop/internal/service"
	"keyshop/internal/store"
	"keyshop/internal/util"
	"keyshop/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting keyshop")

	tp, err := util.InitTracer("keyshop", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRate)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL, cfg.Database.LockTimeout)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	ctx := context.Background()
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.StockTTL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	inventory := service.NewInventoryService(db, redisClient)
	engine := service.NewAssignmentEngine(db, inventory, eventPublisher, cfg.Assignment.AssignTimeout)
	configs := service.NewConfigService(db)
	if _, err := configs.InitializeDefaults(ctx, cfg.Assignment.DefaultConcurrentLimit); err != nil {
		logger.Fatal("Failed to initialize configs", zap.Error(err))
	}
	autoAssigner := service.NewAutoAssigner(db, engine, configs, cfg.Assignment.DefaultConcurrentLimit)
	autoAssigner.LoadState(ctx)
	orderService := service.NewOrderService(db, inventory, engine, autoAssigner, eventPublisher)
	maintenance := service.NewMaintenanceService(db, inventory, cfg.Maintenance.BackupDir)
	payments := service.NewPaymentEventHandler(db, orderService)

	if err := inventory.SyncInventoryToRedis(ctx); err != nil {
		logger.Warn("Failed to sync inventory to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, payments)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Payment worker error", zap.Error(err))
		}
	}()

	maintenanceWorker := worker.NewMaintenanceWorker(maintenance, redisClient, cfg.Maintenance.Interval, cfg.Maintenance.LockTTL)
	go func() {
		if err := maintenanceWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Maintenance worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Orders:       orderService,
		Inventory:    inventory,
		Engine:       engine,
		AutoAssigner: autoAssigner,
		Configs:      configs,
		Maintenance:  maintenance,
		Readiness: map[string]api.Pinger{
			"database": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	if cfg.Observ.PrometheusPort != "" && cfg.Observ.PrometheusPort != cfg.Server.Port {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("Starting metrics server", zap.String("port", cfg.Observ.PrometheusPort))
			if err := http.ListenAndServe(":"+cfg.Observ.PrometheusPort, mux); err != nil {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := paymentWorker.Stop(); err != nil {
		logger.Warn("Payment worker stop", zap.Error(err))
	}

	logger.Info("Server exited")
}
