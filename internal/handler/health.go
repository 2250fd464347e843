package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger reports whether the credential store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CachePinger reports whether the session cache is reachable.
type CachePinger interface {
	Ping(ctx context.Context) bool
}

// HealthHandler is used by load balancers and monitoring systems. The
// service is unhealthy only when the store is down; a missing cache degrades
// but does not fail it.
type HealthHandler struct {
	store Pinger
	cache CachePinger
}

func NewHealthHandler(store Pinger, cache CachePinger) *HealthHandler {
	return &HealthHandler{store: store, cache: cache}
}

func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	store := "up"
	if err := h.store.Ping(ctx); err != nil {
		store, status, code = "down", "unavailable", http.StatusServiceUnavailable
	}
	cache := "down"
	if h.cache != nil && h.cache.Ping(ctx) {
		cache = "up"
	}
	return c.JSON(code, echo.Map{"status": status, "store": store, "cache": cache})
}
