package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"keyshop/internal/models"
	"keyshop/internal/service"
	"keyshop/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
	roleAdmin    = "admin"
	ctxActorID   = "actor_id"
)

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups what the handlers call into
type Services struct {
	Orders       *service.OrderService
	Inventory    *service.InventoryService
	Engine       *service.AssignmentEngine
	AutoAssigner *service.AutoAssigner
	Configs      *service.ConfigService
	Maintenance  *service.MaintenanceService
	// Readiness is checked by /ready; nil entries are skipped
	Readiness map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services) *Handler {
	return &Handler{
		svc:    svc,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products/:id/stock", h.getStock)

		user := v1.Group("", requireUser())
		user.POST("/orders", h.createOrder)
		user.GET("/orders", h.listMyOrders)
		user.GET("/orders/:id", h.getOrder)
		user.POST("/orders/:id/payment", h.submitPayment)

		admin := v1.Group("/admin", requireUser(), requireAdmin())
		admin.GET("/orders", h.listAllOrders)
		admin.GET("/orders/:id", h.adminGetOrder)
		admin.POST("/orders/:id/confirm-payment", h.confirmPayment)
		admin.POST("/orders/:id/mark-paid", h.markPaidWithKeys)
		admin.POST("/orders/:id/assign-keys", h.assignKeys)
		admin.PUT("/orders/:id/status", h.updateStatus)
		admin.DELETE("/orders/:id/keys/:keyId", h.releaseKey)

		admin.GET("/keys", h.listKeys)
		admin.POST("/keys", h.stockKeys)
		admin.POST("/keys/:id/revoke", h.revokeKey)

		admin.GET("/configs", h.listConfigs)
		admin.PUT("/configs/:key", h.setConfig)

		admin.GET("/auto-assignment", h.autoAssignStats)
		admin.POST("/auto-assignment/toggle", h.toggleAutoAssign)
		admin.GET("/auto-assignment/config", h.autoAssignConfig)
		admin.POST("/auto-assignment/process/:id", h.processOrder)
		admin.POST("/auto-assignment/bulk", h.bulkAssign)

		admin.GET("/maintenance/report", h.maintenanceReport)
		admin.POST("/maintenance/repair-orphans", h.repairOrphans)
		admin.POST("/maintenance/resolve-duplicates", h.resolveDuplicates)
		admin.GET("/maintenance/snapshots", h.listSnapshots)
		admin.POST("/maintenance/snapshots", h.createSnapshot)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.svc.Readiness {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// writeError maps domain errors onto HTTP status codes
func (h *Handler) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrNotOrderOwner):
		code = http.StatusForbidden
	case errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrKeyNotFound),
		errors.Is(err, models.ErrProductNotFound),
		errors.Is(err, models.ErrConfigNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrOrderNotPaid),
		errors.Is(err, models.ErrWrongOrder),
		errors.Is(err, models.ErrDuplicateKey),
		errors.Is(err, models.ErrOutOfStock),
		errors.Is(err, models.ErrNoAvailableKey):
		code = http.StatusConflict
	case errors.Is(err, models.ErrRetryable):
		code = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	}

	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(code, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string, err error) {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

// idParam parses a positive int64 path parameter, answering 400 otherwise
func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid "+name, nil)
		return 0, false
	}
	return id, true
}

func actorID(c *gin.Context) int64 {
	return c.GetInt64(ctxActorID)
}

// requireUser reads the caller id set by the upstream auth layer
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid " + headerUserID})
			return
		}
		c.Set(ctxActorID, id)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(headerRole) != roleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin role required"})
			return
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
