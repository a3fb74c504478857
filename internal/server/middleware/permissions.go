package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

// HasPermission reports whether user holds permission.
func HasPermission(user *AppUser, permission string) bool {
	return user != nil && slices.Contains(user.Permissions, permission)
}

func HasAnyPermission(user *AppUser, permissions ...string) bool {
	return slices.ContainsFunc(permissions, func(p string) bool {
		return HasPermission(user, p)
	})
}

// CanPublishFor reports whether user may publish states on behalf of
// agentID. Agents may only publish their own states.
func CanPublishFor(user *AppUser, agentID string) bool {
	if user == nil {
		return false
	}
	if HasPermission(user, PermissionImpersonate) {
		return true
	}
	return user.AgentID != "" && user.AgentID == agentID
}

// RequireAnyPermission rejects requests whose user holds none of
// permissions.
func RequireAnyPermission(permissions ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			if !HasAnyPermission(user, permissions...) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: missing required permission"})
			}
			return next(c)
		}
	}
}
