package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/store"
)

type createEventRequest struct {
	Service    string         `json:"service" validate:"required"`
	Severity   int            `json:"severity" validate:"required,min=1,max=5"`
	Metadata   map[string]any `json:"metadata"`
	Tags       []string       `json:"tags"`
	RawPayload string         `json:"rawPayload"`
}

// CreateEvent admits one event into the ingest queue. The write to the store
// is asynchronous; 201 means accepted, not persisted.
func (h *Handler) CreateEvent(c echo.Context) error {
	var req createEventRequest
	if err := c.Bind(&req); err != nil {
		return errResp(c, http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	e := model.Event{
		ID:        uuid.NewString(),
		Service:   req.Service,
		Severity:  req.Severity,
		Timestamp: time.Now().UTC(),
		Metadata:  req.Metadata,
		Tags:      req.Tags,
	}
	if req.RawPayload != "" {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, 1)
		}
		e.Metadata["rawPayload"] = req.RawPayload
	}

	if res := h.queue.Enqueue([]model.Event{e}); res.Rejected > 0 {
		c.Response().Header().Set("Retry-After", overloadRetryAfter)
		h.logger.Warn("event rejected, queue full", zap.String("service", e.Service))
		return errResp(c, http.StatusServiceUnavailable, "ingest queue full")
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"event":     e,
		"queueSize": h.queue.Size(),
	})
}

// ListEvents serves the filtered, paginated event listing.
func (h *Handler) ListEvents(c echo.Context) error {
	f := store.EventFilter{
		Service:     c.QueryParam("service"),
		Severity:    intQuery(c, "severity"),
		MinSeverity: intQuery(c, "minSeverity"),
		MaxSeverity: intQuery(c, "maxSeverity"),
		Page:        pageOrDefault(intQuery(c, "page")),
		Limit:       limitOrDefault(intQuery(c, "limit")),
		Sort:        c.QueryParam("sort"),
	}
	if tags := c.QueryParam("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	var err error
	if f.Start, f.End, err = dateRange(c); err != nil {
		return errResp(c, http.StatusBadRequest, err.Error())
	}

	events, total, err := h.st.Events().List(c.Request().Context(), f)
	if err != nil {
		h.logger.Error("event list failed", zap.Error(err))
		return errResp(c, http.StatusInternalServerError, "failed to list events")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"page":   f.Page,
		"limit":  f.Limit,
	})
}

// GetEvent serves one event by id.
func (h *Handler) GetEvent(c echo.Context) error {
	e, err := h.st.Events().FindByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResp(c, http.StatusNotFound, "event not found")
		}
		h.logger.Error("event lookup failed", zap.Error(err))
		return errResp(c, http.StatusInternalServerError, "failed to load event")
	}
	return c.JSON(http.StatusOK, e)
}

// EventStats serves the aggregate severity and service distributions.
func (h *Handler) EventStats(c echo.Context) error {
	start, end, err := dateRange(c)
	if err != nil {
		return errResp(c, http.StatusBadRequest, err.Error())
	}

	stats, err := h.st.Events().Stats(c.Request().Context(), start, end)
	if err != nil {
		h.logger.Error("event stats failed", zap.Error(err))
		return errResp(c, http.StatusInternalServerError, "failed to compute stats")
	}
	return c.JSON(http.StatusOK, stats)
}

// ── query helpers ─────────────────────────────────────────────────────────

func intQuery(c echo.Context, name string) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func pageOrDefault(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func limitOrDefault(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}

func dateRange(c echo.Context) (time.Time, time.Time, error) {
	var start, end time.Time
	if raw := c.QueryParam("startDate"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, errors.New("startDate must be RFC3339")
		}
		start = t
	}
	if raw := c.QueryParam("endDate"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, errors.New("endDate must be RFC3339")
		}
		end = t
	}
	return start, end, nil
}
