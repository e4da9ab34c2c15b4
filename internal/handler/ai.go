package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/breaker"
	"github.com/arc-self/incident-service/internal/store"
)

// SummarizeIncident triggers an on-demand AI summary for one incident.
func (h *Handler) SummarizeIncident(c echo.Context) error {
	inc, err := h.summarizer.SummarizeOne(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return errResp(c, http.StatusNotFound, "incident not found")
		case errors.Is(err, breaker.ErrOpen):
			c.Response().Header().Set("Retry-After", overloadRetryAfter)
			return errResp(c, http.StatusServiceUnavailable, "AI provider circuit breaker is open")
		}
		h.logger.Error("manual summarization failed",
			zap.String("incident_id", c.Param("id")),
			zap.Error(err),
		)
		return errResp(c, http.StatusBadGateway, "summarization failed")
	}
	return c.JSON(http.StatusOK, inc)
}

// BreakerStatus serves the breaker snapshot with its transition audit trail.
func (h *Handler) BreakerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"provider": h.aiClient.ProviderName(),
		"breaker":  h.aiClient.Breaker().Status(),
	})
}

// BreakerReset forces the breaker closed.
func (h *Handler) BreakerReset(c echo.Context) error {
	h.aiClient.Breaker().Reset()
	h.logger.Info("circuit breaker manually reset")
	return c.JSON(http.StatusOK, h.aiClient.Breaker().Status())
}
