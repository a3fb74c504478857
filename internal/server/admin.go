package server

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminParams configures the worker's admin listener.
type AdminParams struct {
	// Status returns the JSON body served on GET /v1/status.
	Status   func() any
	Gatherer prometheus.Gatherer
	// Graph backs the read-only provenance routes. They are not mounted
	// when nil.
	Graph store.GraphStore
}

type entityResponse struct {
	Entity        common.Entity         `json:"entity"`
	Relationships []common.Relationship `json:"relationships"`
}

// NewAdmin builds the admin listener: /health, /metrics, /v1/status and,
// with a graph store, /v1/entities/:id and /v1/superseded.
func NewAdmin(p AdminParams) *echo.Echo {
	if p.Gatherer == nil {
		p.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{})))
	e.GET("/v1/status", func(c echo.Context) error {
		if p.Status == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "not ready"})
		}
		return c.JSON(http.StatusOK, p.Status())
	})

	if p.Graph != nil {
		e.GET("/v1/entities/:id", entityHandler(p.Graph))
		e.GET("/v1/superseded", supersededHandler(p.Graph))
	}
	return e
}

func entityHandler(g store.GraphStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")

		var res entityResponse
		err := g.View(ctx, func(r store.Reader) error {
			var err error
			if res.Entity, err = r.GetEntity(ctx, id); err != nil {
				return err
			}
			res.Relationships, err = r.Relationships(ctx, id)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "entity not found"})
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if res.Relationships == nil {
			res.Relationships = []common.Relationship{}
		}
		return c.JSON(http.StatusOK, res)
	}
}

// supersededHandler lists the losing facts recorded for a subject, optionally
// narrowed to one predicate.
func supersededHandler(g store.GraphStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		subject := c.QueryParam("subject")
		if subject == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "subject is required"})
		}
		predicate := c.QueryParam("predicate")

		var out []common.SupersededFact
		err := g.View(ctx, func(r store.Reader) error {
			var err error
			out, err = r.Superseded(ctx, subject, predicate)
			return err
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if out == nil {
			out = []common.SupersededFact{}
		}
		return c.JSON(http.StatusOK, out)
	}
}
