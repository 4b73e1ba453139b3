package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/service"
	"bricksync/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	inventoryService *service.InventoryService
	undoService      *service.UndoService
}

// NewHandler creates a new HTTP handler
func NewHandler(inventoryService *service.InventoryService, undoService *service.UndoService) *Handler {
	return &Handler{
		inventoryService: inventoryService,
		undoService:      undoService,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/items", h.createItem)
		v1.GET("/items/:id", h.getItem)
		v1.PATCH("/items/:id", h.updateItem)
		v1.DELETE("/items/:id", h.deleteItem)
		v1.GET("/items/:id/ledger", h.getQuantityLedger)
		v1.GET("/items/:id/locations", h.getLocationLedger)
		v1.GET("/items/:id/onhand", h.getOnHand)
		v1.GET("/items/:id/changes", h.getChangeHistory)
		v1.POST("/undo", h.undoChange)
		v1.GET("/accounts/:id/sync-settings", h.getSyncSettings)
		v1.PUT("/accounts/:id/sync-settings", h.updateSyncSettings)
		v1.POST("/outbox/:id/reenqueue", h.reenqueueFailed)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createItem handles inventory item creation
func (h *Handler) createItem(c *gin.Context) {
	var req service.AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.inventoryService.AddInventoryItem(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// getItem handles get item by ID
func (h *Handler) getItem(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	item, statuses, err := h.inventoryService.GetItem(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item":          item,
		"sync_statuses": statuses,
	})
}

// updateItem handles partial item updates
func (h *Handler) updateItem(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	var req service.UpdateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.ItemID = itemID
	if req.CorrelationID == "" {
		req.CorrelationID = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.inventoryService.UpdateInventoryItem(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// deleteItem archives an item
func (h *Handler) deleteItem(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	actor := c.GetHeader("X-Actor")
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Actor header is required"})
		return
	}

	resp, err := h.inventoryService.DeleteInventoryItem(c.Request.Context(), itemID, actor, c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getQuantityLedger returns ledger entries after the since_seq query param
func (h *Handler) getQuantityLedger(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	sinceSeq, _ := strconv.ParseInt(c.DefaultQuery("since_seq", "0"), 10, 64)

	entries, err := h.inventoryService.GetItemQuantityLedger(c.Request.Context(), itemID, sinceSeq)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// getLocationLedger returns the location history of an item
func (h *Handler) getLocationLedger(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	entries, err := h.inventoryService.GetItemLocationLedger(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// getOnHand replays the ledger and cross-checks the stored balance
func (h *Handler) getOnHand(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	onHand, err := h.inventoryService.CalculateOnHandQuantity(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "on_hand": onHand})
}

// getChangeHistory returns the change log of an item
func (h *Handler) getChangeHistory(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	changes, err := h.inventoryService.GetChangeHistory(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

// undoChange compensates a recorded change
func (h *Handler) undoChange(c *gin.Context) {
	var req service.UndoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.undoService.UndoChange(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getSyncSettings returns per-provider enablement for an account
func (h *Handler) getSyncSettings(c *gin.Context) {
	accountID, ok := pathID(c)
	if !ok {
		return
	}
	settings, err := h.inventoryService.GetSyncSettings(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

type syncSettingRequest struct {
	Provider string `json:"provider" binding:"required"`
	Enabled  bool   `json:"enabled"`
}

// updateSyncSettings flips a provider on or off for an account
func (h *Handler) updateSyncSettings(c *gin.Context) {
	accountID, ok := pathID(c)
	if !ok {
		return
	}
	var req syncSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.inventoryService.UpdateSyncSettings(c.Request.Context(), accountID, req.Provider, req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": req.Provider, "enabled": req.Enabled})
}

// reenqueueFailed re-arms a terminally failed outbox entry
func (h *Handler) reenqueueFailed(c *gin.Context) {
	entryID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.inventoryService.ReenqueueFailedSync(c.Request.Context(), entryID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"entry_id": entryID, "status": "pending"})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConsistency):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrRateLimited), errors.Is(err, errs.ErrQuotaExhausted):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"error": err.Error()})
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
