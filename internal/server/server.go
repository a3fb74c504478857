package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/queue"
	mid "github.com/OFFIS-RIT/kiwi/curator/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/curator/internal/server/routes"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"

	"github.com/go-playground/validator"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// Params configures the ingress server.
type Params struct {
	Publisher    queue.Publisher
	StatesQueue  string
	Keyfunc      jwt.Keyfunc
	MasterAPIKey string
	BodyLimit    string
}

// New builds the ingress server with its middleware and routes.
func New(p Params) *echo.Echo {
	if p.StatesQueue == "" {
		p.StatesQueue = queue.StatesQueue
	}
	if p.BodyLimit == "" {
		p.BodyLimit = "4M"
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(&mid.App{
		Publisher:    p.Publisher,
		StatesQueue:  p.StatesQueue,
		Keyfunc:      p.Keyfunc,
		MasterAPIKey: p.MasterAPIKey,
	}))
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(p.BodyLimit))

	RegisterRoutes(e)
	return e
}

// RegisterRoutes mounts the ingress routes.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	v1 := e.Group("/v1", mid.AuthMiddleware)
	publish := mid.RequireAnyPermission(mid.PermissionPublish, mid.PermissionImpersonate)
	v1.POST("/states", routes.PostStateHandler, publish)
	v1.POST("/states/batch", routes.PostStatesBatchHandler, publish)
}

// Serve runs e on addr until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, e *echo.Echo, addr string) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
		return err
	}
	return nil
}
