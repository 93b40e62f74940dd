package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davicafu/relaylab/internal/outbox/application"
	"github.com/davicafu/relaylab/internal/outbox/domain"
	"github.com/davicafu/relaylab/pkg/utils"
)

// OutboxHandler encapsula los endpoints HTTP del subsistema: consultas de
// estado y salud para dashboards, y disparadores administrativos para el
// scheduler externo. La autenticación queda fuera de este subsistema.
type OutboxHandler struct {
	tracking *application.TrackingService
	replay   *application.ReplayWorker
	health   *application.HealthReporter
	sweeper  *application.RetentionSweeper
}

// NewOutboxHandler crea un nuevo OutboxHandler
func NewOutboxHandler(
	tracking *application.TrackingService,
	replay *application.ReplayWorker,
	health *application.HealthReporter,
	sweeper *application.RetentionSweeper,
) *OutboxHandler {
	return &OutboxHandler{tracking: tracking, replay: replay, health: health, sweeper: sweeper}
}

// ---------------- Handlers ----------------

// TrackEvent endpoint POST /events
func (h *OutboxHandler) TrackEvent(c *gin.Context) {
	var req struct {
		EventID           string                 `json:"event_id"`
		EventType         string                 `json:"event_type" binding:"required"`
		TenantID          string                 `json:"tenant_id" binding:"required"`
		EntityID          string                 `json:"entity_id"`
		StreamKey         string                 `json:"stream_key" binding:"required"`
		SourceApplication string                 `json:"source_application" binding:"required"`
		TargetApplication string                 `json:"target_application" binding:"required"`
		EventData         map[string]interface{} `json:"event_data"`
		PublishedBy       string                 `json:"published_by" binding:"required"`
		Metadata          map[string]interface{} `json:"metadata"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	// Si el publicador no trae id propio, generamos uno.
	if req.EventID == "" {
		req.EventID = uuid.New().String()
	}

	err := h.tracking.TrackPublishedEvent(c.Request.Context(), application.TrackEventParams{
		EventID:           req.EventID,
		EventType:         req.EventType,
		TenantID:          req.TenantID,
		EntityID:          req.EntityID,
		StreamKey:         req.StreamKey,
		SourceApplication: req.SourceApplication,
		TargetApplication: req.TargetApplication,
		EventData:         req.EventData,
		PublishedBy:       req.PublishedBy,
		Metadata:          req.Metadata,
	})
	switch {
	case errors.Is(err, domain.ErrEventAlreadyExists):
		utils.SendError(c, http.StatusConflict, err.Error())
		return
	case errors.Is(err, domain.ErrInvalidEvent):
		utils.SendBadRequest(c, err.Error())
		return
	case err != nil:
		// Un fallo aquí es fatal para la ruta de publicación del llamante.
		utils.SendInternalServerError(c, err.Error())
		return
	}

	utils.SendSuccess(c, http.StatusCreated, gin.H{"tracked": true, "event_id": req.EventID})
}

// MarkPublished endpoint POST /events/:eventId/published
func (h *OutboxHandler) MarkPublished(c *gin.Context) {
	var req struct {
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.SendBadRequest(c, err.Error())
		return
	}

	if err := h.tracking.MarkEventPublished(c.Request.Context(), c.Param("eventId"), req.Metadata); err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"published": true})
}

// MarkFailed endpoint POST /events/:eventId/failed
func (h *OutboxHandler) MarkFailed(c *gin.Context) {
	var req struct {
		ErrorMessage   string `json:"error_message" binding:"required"`
		IncrementRetry *bool  `json:"increment_retry"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	incrementRetry := true
	if req.IncrementRetry != nil {
		incrementRetry = *req.IncrementRetry
	}

	if err := h.tracking.MarkEventFailed(c.Request.Context(), c.Param("eventId"), req.ErrorMessage, incrementRetry); err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"failed": true})
}

// Acknowledge endpoint POST /events/:eventId/ack
func (h *OutboxHandler) Acknowledge(c *gin.Context) {
	var req struct {
		AckData map[string]interface{} `json:"ack_data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.SendBadRequest(c, err.Error())
		return
	}

	if err := h.tracking.AcknowledgeEvent(c.Request.Context(), c.Param("eventId"), req.AckData); err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"acknowledged": true})
}

// GetEvent endpoint GET /events/:eventId
func (h *OutboxHandler) GetEvent(c *gin.Context) {
	record, err := h.tracking.GetEventStatus(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	if record == nil {
		utils.SendNotFound(c, "event not found")
		return
	}
	utils.SendSuccess(c, http.StatusOK, record)
}

// GetUnacknowledged endpoint GET /tenants/:tenantId/unacknowledged
func (h *OutboxHandler) GetUnacknowledged(c *gin.Context) {
	hoursOld, _ := strconv.Atoi(c.DefaultQuery("hours_old", "24"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	events, err := h.tracking.GetUnacknowledgedEvents(c.Request.Context(), c.Param("tenantId"), hoursOld, limit)
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetSyncHealth endpoint GET /tenants/:tenantId/sync-health
func (h *OutboxHandler) GetSyncHealth(c *gin.Context) {
	metrics := h.health.GetSyncHealthMetrics(c.Request.Context(), c.Param("tenantId"))
	utils.SendSuccess(c, http.StatusOK, metrics)
}

// GetInterAppHealth endpoint GET /tenants/:tenantId/inter-app-health
func (h *OutboxHandler) GetInterAppHealth(c *gin.Context) {
	channels := h.health.GetInterAppSyncHealth(c.Request.Context(), c.Param("tenantId"))
	utils.SendSuccess(c, http.StatusOK, gin.H{"channels": channels})
}

// TriggerReplay endpoint POST /admin/replay — disparo a demanda del lote de
// replay, además del ticker interno.
func (h *OutboxHandler) TriggerReplay(c *gin.Context) {
	batchSize, _ := strconv.Atoi(c.DefaultQuery("batch_size", "0"))
	maxRetries, _ := strconv.Atoi(c.DefaultQuery("max_retries", "0"))

	replayed, err := h.replay.ReplayPendingEvents(c.Request.Context(), batchSize, maxRetries)
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"replayed": replayed})
}

// TriggerCleanup endpoint POST /admin/cleanup
func (h *OutboxHandler) TriggerCleanup(c *gin.Context) {
	daysOld, _ := strconv.Atoi(c.DefaultQuery("days_old", "0"))

	deleted, err := h.sweeper.CleanupOldEvents(c.Request.Context(), daysOld)
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"deleted": deleted})
}

// RegisterOutboxRoutes registra las rutas del subsistema.
func RegisterOutboxRoutes(router *gin.Engine, h *OutboxHandler) {
	router.POST("/events", h.TrackEvent)
	router.GET("/events/:eventId", h.GetEvent)
	router.POST("/events/:eventId/published", h.MarkPublished)
	router.POST("/events/:eventId/failed", h.MarkFailed)
	router.POST("/events/:eventId/ack", h.Acknowledge)

	router.GET("/tenants/:tenantId/unacknowledged", h.GetUnacknowledged)
	router.GET("/tenants/:tenantId/sync-health", h.GetSyncHealth)
	router.GET("/tenants/:tenantId/inter-app-health", h.GetInterAppHealth)

	router.POST("/admin/replay", h.TriggerReplay)
	router.POST("/admin/cleanup", h.TriggerCleanup)
}
