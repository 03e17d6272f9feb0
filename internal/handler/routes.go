package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/", health.Index)
	e.GET("/health", health.Health)

	e.Use(proxy.RejectUnknownMethods())

	e.Any("/api", proxy.Dispatch(http.MethodGet))
	e.Any("/api/*", proxy.Dispatch(
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodDelete,
	))
}
