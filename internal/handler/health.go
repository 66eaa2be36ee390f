package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// healthResponse is the fixed liveness payload. Field order matches the wire
// format existing callers depend on.
type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Proxy   string `json:"proxy"`
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct{}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// Health reports the proxy itself as alive. It has no dependency on backend
// reachability: its purpose is to prove this process is up even when the
// backend is transiently down.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: "mcp-server",
		Proxy:   "active",
	})
}
