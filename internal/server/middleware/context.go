package middleware

import (
	"github.com/OFFIS-RIT/kiwi/curator/internal/queue"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// AppUser is the authenticated caller. AgentID is empty for operators using
// the master API key.
type AppUser struct {
	AgentID     string
	Role        string
	Permissions []string
}

// App carries the dependencies handlers need.
type App struct {
	Publisher    queue.Publisher
	StatesQueue  string
	Keyfunc      jwt.Keyfunc
	MasterAPIKey string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

// AppContextMiddleware wraps every request context in an AppContext.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
