package api

import (
	"net/http"

	"keyshop/internal/models"
	"keyshop/internal/service"

	"github.com/gin-gonic/gin"
)

type keysRequest struct {
	Keys []string `json:"keys" binding:"required,min=1"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// createOrder handles order creation for the calling user
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	req.UserID = actorID(c)

	order, err := h.svc.Orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listMyOrders(c *gin.Context) {
	orders, err := h.svc.Orders.ListOrders(c.Request.Context(), actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder returns one of the caller's orders with its keys
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	details, err := h.svc.Orders.GetOrderForUser(c.Request.Context(), orderID, actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) submitPayment(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req models.PaymentDetails
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	order, err := h.svc.Orders.SubmitPayment(c.Request.Context(), orderID, actorID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listAllOrders(c *gin.Context) {
	orders, err := h.svc.Orders.ListOrders(c.Request.Context(), 0)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) adminGetOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	details, err := h.svc.Orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) confirmPayment(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	res, err := h.svc.Orders.ConfirmPayment(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) markPaidWithKeys(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req keysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	res, err := h.svc.Orders.MarkPaidWithKeys(c.Request.Context(), orderID, req.Keys)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) assignKeys(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req keysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	keys, err := h.svc.Orders.AssignKeys(c.Request.Context(), orderID, req.Keys)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) updateStatus(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	res, err := h.svc.Orders.UpdateStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) releaseKey(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	keyID, ok := idParam(c, "keyId")
	if !ok {
		return
	}

	key, err := h.svc.Orders.ReleaseKey(c.Request.Context(), orderID, keyID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}
