package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/hub"
	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/store"
)

// ListIncidents serves the filtered, paginated incident listing.
func (h *Handler) ListIncidents(c echo.Context) error {
	f := store.IncidentFilter{
		Status:      model.IncidentStatus(c.QueryParam("status")),
		MinSeverity: intQuery(c, "minSeverity"),
		Service:     c.QueryParam("service"),
		Page:        pageOrDefault(intQuery(c, "page")),
		Limit:       limitOrDefault(intQuery(c, "limit")),
		Sort:        c.QueryParam("sort"),
	}
	if f.Status != "" && !model.ValidStatus(f.Status) {
		return errResp(c, http.StatusBadRequest, "unknown status filter")
	}
	var err error
	if f.Start, f.End, err = dateRange(c); err != nil {
		return errResp(c, http.StatusBadRequest, err.Error())
	}

	incidents, total, err := h.st.Incidents().List(c.Request().Context(), f)
	if err != nil {
		h.logger.Error("incident list failed", zap.Error(err))
		return errResp(c, http.StatusInternalServerError, "failed to list incidents")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"incidents": incidents,
		"total":     total,
		"page":      f.Page,
		"limit":     f.Limit,
	})
}

// ActiveIncidents serves open incidents sorted severity desc, newest first.
func (h *Handler) ActiveIncidents(c echo.Context) error {
	incidents, err := h.st.Incidents().ListActive(c.Request().Context())
	if err != nil {
		h.logger.Error("active incident list failed", zap.Error(err))
		return errResp(c, http.StatusInternalServerError, "failed to list active incidents")
	}
	return c.JSON(http.StatusOK, map[string]any{"incidents": incidents})
}

// eventsPerIncidentResponse caps the populated event list on single-incident
// reads.
const eventsPerIncidentResponse = 100

// GetIncident serves one incident with its events populated.
func (h *Handler) GetIncident(c echo.Context) error {
	ctx := c.Request().Context()

	inc, err := h.st.Incidents().FindByID(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResp(c, http.StatusNotFound, "incident not found")
		}
		h.logger.Error("incident lookup failed", zap.Error(err))
		return errResp(c, http.StatusInternalServerError, "failed to load incident")
	}

	events, err := h.st.Events().FindByIDs(ctx, inc.EventIDs, eventsPerIncidentResponse)
	if err != nil {
		h.logger.Error("incident event fetch failed", zap.Error(err))
		return errResp(c, http.StatusInternalServerError, "failed to load incident events")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"incident": inc,
		"events":   events,
	})
}

type patchIncidentRequest struct {
	Status     *string `json:"status"`
	AssignedTo *string `json:"assignedTo"`
	Resolution *string `json:"resolution"`
	RootCause  *string `json:"rootCause"`
}

// PatchIncident applies the operator-editable fields. Setting status to
// resolved stamps resolvedAt; setting assignedTo stamps acknowledgedAt.
func (h *Handler) PatchIncident(c echo.Context) error {
	var req patchIncidentRequest
	if err := c.Bind(&req); err != nil {
		return errResp(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Status == nil && req.AssignedTo == nil && req.Resolution == nil && req.RootCause == nil {
		return errResp(c, http.StatusBadRequest, "empty patch")
	}

	patch := store.IncidentPatch{
		AssignedTo: req.AssignedTo,
		Resolution: req.Resolution,
		RootCause:  req.RootCause,
	}
	if req.Status != nil {
		status := model.IncidentStatus(*req.Status)
		if !model.ValidStatus(status) {
			return errResp(c, http.StatusBadRequest, "unknown status")
		}
		patch.Status = &status
	}

	inc, err := h.st.Incidents().Update(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResp(c, http.StatusNotFound, "incident not found")
		}
		h.logger.Error("incident update failed", zap.Error(err))
		return errResp(c, http.StatusInternalServerError, "failed to update incident")
	}

	action := hub.ActionUpdated
	if inc.Status == model.StatusResolved {
		action = hub.ActionResolved
	}
	h.hub.PublishIncident(inc, action)

	return c.JSON(http.StatusOK, inc)
}
