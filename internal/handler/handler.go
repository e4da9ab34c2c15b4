// Package handler exposes the HTTP and websocket surface: event ingestion
// behind the admission gate, event and incident queries, incident patching,
// AI summarization triggers, and the realtime stream endpoint.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/ai"
	"github.com/arc-self/incident-service/internal/hub"
	"github.com/arc-self/incident-service/internal/queue"
	"github.com/arc-self/incident-service/internal/ratelimit"
	"github.com/arc-self/incident-service/internal/store"
)

// Handler bundles the HTTP surface's dependencies.
type Handler struct {
	st         store.Store
	queue      *queue.Queue
	limiter    *ratelimit.Limiter
	hub        *hub.Hub
	summarizer *ai.Summarizer
	aiClient   *ai.Client
	logger     *zap.Logger
}

// New creates the Handler.
func New(
	st store.Store,
	q *queue.Queue,
	limiter *ratelimit.Limiter,
	h *hub.Hub,
	summarizer *ai.Summarizer,
	aiClient *ai.Client,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		st:         st,
		queue:      q,
		limiter:    limiter,
		hub:        h,
		summarizer: summarizer,
		aiClient:   aiClient,
		logger:     logger,
	}
}

// Register wires every route onto e.
func (h *Handler) Register(e *echo.Echo) {
	e.Validator = newValidator()

	e.GET("/healthz", h.Health)

	v1 := e.Group("/api/v1")

	v1.POST("/events", h.CreateEvent, h.AdmissionGate())
	v1.GET("/events", h.ListEvents)
	v1.GET("/events/stats", h.EventStats)
	v1.GET("/events/:id", h.GetEvent)

	v1.GET("/incidents", h.ListIncidents)
	v1.GET("/incidents/active", h.ActiveIncidents)
	v1.GET("/incidents/:id", h.GetIncident)
	v1.PATCH("/incidents/:id", h.PatchIncident)

	v1.POST("/ai/summarize/:id", h.SummarizeIncident)
	v1.GET("/ai/circuit-breaker", h.BreakerStatus)
	v1.POST("/ai/circuit-breaker/reset", h.BreakerReset)

	v1.GET("/stream", h.Stream)
}

// Health reports process liveness plus queue depth.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  h.queue.Snapshot(),
	})
}

// errResp writes the uniform error body.
func errResp(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
