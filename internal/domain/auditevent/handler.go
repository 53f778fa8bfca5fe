package auditevent

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rbac/internal/platform/auth"
	"github.com/ehr/rbac/internal/platform/db"
	"github.com/ehr/rbac/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, guard *auth.Guard) {
	g := api.Group("/audit-events", guard.Require("audit:read"))
	g.GET("", h.Search)
	g.GET("/:id", h.GetByID)
}

// Search lists the caller's org audit trail, newest first. Filters: actor_id,
// action, target_type, target_id, from, to (RFC3339).
func (h *Handler) Search(c echo.Context) error {
	org := db.TenantFromContext(c.Request().Context())
	if org == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing tenant")
	}
	params := SearchParams{OrgID: &org}

	if raw := c.QueryParam("actor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid actor_id")
		}
		params.ActorID = &id
	}
	if action := c.QueryParam("action"); action != "" {
		params.Action = &action
	}
	if targetType := c.QueryParam("target_type"); targetType != "" {
		params.TargetType = &targetType
	}
	if raw := c.QueryParam("target_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid target_id")
		}
		params.TargetID = &id
	}
	if raw := c.QueryParam("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be RFC3339")
		}
		params.From = &t
	}
	if raw := c.QueryParam("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be RFC3339")
		}
		params.To = &t
	}

	page := pagination.FromContext(c)
	events, total, err := h.svc.Search(c.Request().Context(), params, page.Limit, page.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit search failed")
	}
	if events == nil {
		events = []*AuditEvent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, page.Limit, page.Offset))
}

func (h *Handler) GetByID(c echo.Context) error {
	org := db.TenantFromContext(c.Request().Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid audit event id")
	}
	event, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "audit event not found")
	}
	// Org-scoped visibility: platform records (org NULL) stay internal.
	if event.OrgID == nil || *event.OrgID != org {
		return echo.NewHTTPError(http.StatusNotFound, "audit event not found")
	}
	return c.JSON(http.StatusOK, event)
}
