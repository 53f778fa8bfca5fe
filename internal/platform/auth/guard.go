package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rbac/internal/platform/db"
)

// PermissionSource resolves a user's effective permissions in an org.
// Satisfied by the rbac service.
type PermissionSource interface {
	GetUserPermissions(ctx context.Context, userID uuid.UUID, orgID string) ([]string, error)
}

// MatchFunc reports whether the granted set satisfies any of the required
// permissions. The rbac catalog's HasAny is the production implementation.
type MatchFunc func(granted []string, required ...string) bool

// Guard produces route middleware that enforces permissions resolved from
// role assignments.
type Guard struct {
	src   PermissionSource
	match MatchFunc
}

func NewGuard(src PermissionSource, match MatchFunc) *Guard {
	return &Guard{src: src, match: match}
}

// Require allows the request through when the caller holds any of the given
// permissions in the request's org context.
func (g *Guard) Require(permissions ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			userID, err := uuid.Parse(UserIDFromContext(ctx))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
			}
			orgID := db.TenantFromContext(ctx)
			if orgID == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "missing tenant")
			}

			granted, err := g.src.GetUserPermissions(ctx, userID, orgID)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "permission resolution failed")
			}
			if !g.match(granted, permissions...) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
			}
			return next(c)
		}
	}
}
