package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	PermissionPublish     = "states.publish"
	PermissionImpersonate = "states.publish:any"
)

var allPermissions = []string{
	PermissionPublish,
	PermissionImpersonate,
}

// AuthMiddleware accepts either the master API key or a JWT verified against
// the configured key set. Agents are identified by the agent_id claim and
// fall back to the subject.
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		ac := c.(*AppContext)
		app := ac.App

		// Master API Key bypass
		if app.MasterAPIKey != "" && token == app.MasterAPIKey {
			ac.User = &AppUser{
				Role:        "admin",
				Permissions: allPermissions,
			}
			return next(c)
		}

		if app.Keyfunc == nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}
		parsed, err := jwt.Parse(token, app.Keyfunc)
		if err != nil || !parsed.Valid {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		agentID, _ := claims["agent_id"].(string)
		if agentID == "" {
			agentID, _ = claims.GetSubject()
		}
		if agentID == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid agent ID"})
		}

		role := "agent"
		if roleClaim, ok := claims["role"].(string); ok {
			role = roleClaim
		}

		var permissions []string
		if permsClaim, ok := claims["permissions"].([]any); ok {
			for _, p := range permsClaim {
				if pStr, ok := p.(string); ok {
					permissions = append(permissions, pStr)
				}
			}
		}

		switch {
		case role == "admin" && len(permissions) == 0:
			permissions = allPermissions
		case len(permissions) == 0:
			permissions = []string{PermissionPublish}
		}

		ac.User = &AppUser{
			AgentID:     agentID,
			Role:        role,
			Permissions: permissions,
		}

		return next(c)
	}
}
