// Package handlers serves the operator HTTP API.
package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/middleware"
)

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	AppName       string
	ConfigVersion string
	AllowOrigins  []string
	AllowMethods  []string
	// Verifier enables bearer authentication on /api when set
	Verifier     middleware.TokenVerifier
	HealthChecks map[string]HealthCheck
}

type Routes interface {
	RegisterRoutes(g *echo.Group)
}

// NewRouter builds the echo instance with the middleware chain and the
// health and metrics endpoints. Routes are mounted under /api/v1.
func NewRouter(cfg RouterConfig, logger ectologger.Logger, routes ...Routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	if len(cfg.AllowOrigins) > 0 {
		e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
			AllowOrigins: cfg.AllowOrigins,
			AllowMethods: cfg.AllowMethods,
		}))
	}

	e.GET("/health", health(cfg))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	if cfg.Verifier != nil {
		api.Use(middleware.Authentication(logger, cfg.Verifier))
	}
	for _, r := range routes {
		r.RegisterRoutes(api)
	}
	return e
}

type HealthResponse struct {
	Status        string            `json:"status"`
	ConfigVersion string            `json:"config_version,omitempty"`
	Checks        map[string]string `json:"checks,omitempty"`
}

func health(cfg RouterConfig) echo.HandlerFunc {
	names := make([]string, 0, len(cfg.HealthChecks))
	for name := range cfg.HealthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		res := HealthResponse{Status: "ok", ConfigVersion: cfg.ConfigVersion}
		code := http.StatusOK
		if len(names) > 0 {
			res.Checks = map[string]string{}
		}
		for _, name := range names {
			if err := cfg.HealthChecks[name](ctx); err != nil {
				res.Checks[name] = err.Error()
				res.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			res.Checks[name] = "ok"
		}
		return c.JSON(code, res)
	}
}
