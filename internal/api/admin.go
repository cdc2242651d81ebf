package api

import (
	"net/http"

	"keyshop/internal/models"

	"github.com/gin-gonic/gin"
)

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type configRequest struct {
	Value interface{} `json:"value"`
}

type bulkAssignRequest struct {
	OrderIDs []int64 `json:"order_ids" binding:"required,min=1,max=500"`
}

type snapshotRequest struct {
	Tables []string `json:"tables"`
}

func (h *Handler) listConfigs(c *gin.Context) {
	configs, err := h.svc.Configs.GetAllConfigs(c.Request.Context(), c.Query("category"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

func (h *Handler) setConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	value, err := models.ConfigValueOf(req.Value)
	if err != nil {
		h.writeError(c, err)
		return
	}

	saved, err := h.svc.Configs.SetConfig(c.Request.Context(), c.Param("key"), value, actorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *Handler) autoAssignStats(c *gin.Context) {
	stats, err := h.svc.AutoAssigner.Statistics(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) toggleAutoAssign(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := h.svc.AutoAssigner.Toggle(c.Request.Context(), *req.Enabled, actorID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (h *Handler) autoAssignConfig(c *gin.Context) {
	configs, err := h.svc.Configs.GetAllConfigs(c.Request.Context(), models.ConfigCategoryAutoAssignment)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

func (h *Handler) processOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	res := h.svc.AutoAssigner.Process(c.Request.Context(), orderID)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) bulkAssign(c *gin.Context) {
	var req bulkAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	results := h.svc.AutoAssigner.BulkAssign(c.Request.Context(), req.OrderIDs)
	assigned := 0
	for _, r := range results {
		if r.Success {
			assigned++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results":  results,
		"total":    len(results),
		"assigned": assigned,
	})
}

func (h *Handler) maintenanceReport(c *gin.Context) {
	report, err := h.svc.Maintenance.Report(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy": report.Healthy(),
		"report":  report,
	})
}

func (h *Handler) repairOrphans(c *gin.Context) {
	repaired, err := h.svc.Maintenance.RepairOrphans(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repaired": repaired})
}

func (h *Handler) resolveDuplicates(c *gin.Context) {
	res, err := h.svc.Maintenance.ResolveDuplicates(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) listSnapshots(c *gin.Context) {
	infos, err := h.svc.Maintenance.ListSnapshots()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": infos})
}

func (h *Handler) createSnapshot(c *gin.Context) {
	var req snapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	info, err := h.svc.Maintenance.Snapshot(c.Request.Context(), req.Tables...)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}
