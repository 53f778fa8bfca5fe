package rbac

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rbac/internal/platform/auth"
	"github.com/ehr/rbac/internal/platform/db"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the role management API. Queries need roles:read,
// role commands roles:manage, assignment commands staff:manage.
func (h *Handler) RegisterRoutes(api *echo.Group, guard *auth.Guard) {
	roles := api.Group("/roles")
	roles.GET("", h.ListRoles, guard.Require("roles:read"))
	roles.GET("/:identifier", h.GetRole, guard.Require("roles:read"))
	roles.POST("", h.CreateRole, guard.Require("roles:manage"))
	roles.PUT("/:id", h.UpdateRole, guard.Require("roles:manage"))
	roles.DELETE("/:id", h.DeleteRole, guard.Require("roles:manage"))
	roles.POST("/:id/copy", h.CopyRole, guard.Require("roles:manage"))

	api.POST("/role-assignments", h.AssignRole, guard.Require("staff:manage"))
	api.DELETE("/role-assignments/:id", h.RevokeRole, guard.Require("staff:manage"))

	api.GET("/users/:id/role-assignments", h.GetUserRoleAssignments, guard.Require("roles:read"))
	api.GET("/users/:id/permissions", h.GetUserPermissions, guard.Require("roles:read"))

	// Every authenticated session may read its own permissions and the matrix.
	api.GET("/permissions/me", h.MyPermissions)
	api.GET("/permissions/matrix", h.PermissionMatrix)

	api.GET("/permission-changes", h.GetPermissionChanges, guard.Require("roles:read"))
	api.POST("/permission-changes/ack", h.AckPermissionChanges, guard.Require("roles:read"))
}

// httpError translates the service failure taxonomy to HTTP statuses.
func httpError(err error) error {
	switch {
	case IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case IsAccessDenied(err):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case IsInvalidArgument(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case IsConflict(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func actorID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	return id, nil
}

func orgID(c echo.Context) (string, error) {
	org := db.TenantFromContext(c.Request().Context())
	if org == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "missing tenant")
	}
	return org, nil
}

func (h *Handler) ListRoles(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	includeSystem := c.QueryParam("include_system") != "false"
	includeCustom := c.QueryParam("include_custom") != "false"

	roles, err := h.svc.ListRoles(c.Request().Context(), org, includeSystem, includeCustom)
	if err != nil {
		return httpError(err)
	}
	if roles == nil {
		roles = []*Role{}
	}
	return c.JSON(http.StatusOK, roles)
}

func (h *Handler) GetRole(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	role, err := h.svc.GetRole(c.Request().Context(), c.Param("identifier"), org)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, role)
}

func (h *Handler) CreateRole(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var in NewRole
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	role, err := h.svc.CreateRole(c.Request().Context(), org, actor, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, role)
}

func (h *Handler) UpdateRole(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	roleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role id")
	}
	var updates RoleUpdate
	if err := c.Bind(&updates); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	role, err := h.svc.UpdateRole(c.Request().Context(), roleID, org, actor, updates)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, role)
}

func (h *Handler) DeleteRole(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	roleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role id")
	}
	if err := h.svc.DeleteRole(c.Request().Context(), roleID, org, actor); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CopyRole(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	roleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role id")
	}
	role, err := h.svc.CopySystemRoleForOrg(c.Request().Context(), roleID, org, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, role)
}

func (h *Handler) AssignRole(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var in NewAssignment
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.OrgID = org

	assignment, err := h.svc.AssignRole(c.Request().Context(), actor, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, assignment)
}

func (h *Handler) RevokeRole(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	assignmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid assignment id")
	}
	if err := h.svc.RevokeRole(c.Request().Context(), assignmentID, org, actor, c.QueryParam("reason")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetUserRoleAssignments(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	assignments, err := h.svc.GetUserRoleAssignments(c.Request().Context(), userID, org)
	if err != nil {
		return httpError(err)
	}
	if assignments == nil {
		assignments = []*RoleAssignment{}
	}
	return c.JSON(http.StatusOK, assignments)
}

func (h *Handler) GetUserPermissions(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	perms, err := h.svc.GetUserPermissions(c.Request().Context(), userID, org)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"org_id":      org,
		"permissions": perms,
	})
}

func (h *Handler) MyPermissions(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	userID, err := actorID(c)
	if err != nil {
		return err
	}
	perms, err := h.svc.GetUserPermissions(c.Request().Context(), userID, org)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"org_id":      org,
		"permissions": perms,
	})
}

func (h *Handler) PermissionMatrix(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.GetPermissionMatrix())
}

func (h *Handler) GetPermissionChanges(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
	}
	changes, err := h.svc.GetPermissionChanges(c.Request().Context(), org, since, limit)
	if err != nil {
		return httpError(err)
	}
	if changes == nil {
		changes = []*PermissionChange{}
	}
	return c.JSON(http.StatusOK, changes)
}

type ackRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Handler) AckPermissionChanges(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	var req ackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := h.svc.MarkPermissionChangesProcessed(c.Request().Context(), org, req.IDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"processed": n})
}
