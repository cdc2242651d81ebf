package api

import (
	"net/http"
	"strconv"

	"keyshop/internal/models"

	"github.com/gin-gonic/gin"
)

type stockKeysRequest struct {
	ProductID int64    `json:"product_id" binding:"required"`
	Keys      []string `json:"keys" binding:"required,min=1"`
}

func (h *Handler) getStock(c *gin.Context) {
	productID, ok := idParam(c, "id")
	if !ok {
		return
	}

	stock, err := h.svc.Inventory.GetStock(c.Request.Context(), productID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stock)
}

// listKeys lists keys, optionally by product_id and assigned
func (h *Handler) listKeys(c *gin.Context) {
	var filter models.KeyFilter

	if v := c.Query("product_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, "Invalid product_id", err)
			return
		}
		filter.ProductID = &id
	}
	if v := c.Query("assigned"); v != "" {
		assigned, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "Invalid assigned", err)
			return
		}
		filter.IsAssigned = &assigned
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	keys, err := h.svc.Inventory.ListKeys(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) stockKeys(c *gin.Context) {
	var req stockKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	res, err := h.svc.Engine.StockKeys(c.Request.Context(), req.ProductID, req.Keys)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) revokeKey(c *gin.Context) {
	keyID, ok := idParam(c, "id")
	if !ok {
		return
	}

	key, err := h.svc.Engine.Revoke(c.Request.Context(), keyID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}
