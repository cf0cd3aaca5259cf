package cache

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinic/coverage/internal/platform/auth"
)

// Handler exposes the cache counters and manual invalidation to operators.
type Handler struct {
	cache *Cache
}

func NewHandler(c *Cache) *Handler {
	return &Handler{cache: c}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Admin only
	g := api.Group("/admin/cache", auth.RequireRole("admin"))
	g.GET("/stats", h.GetStats)
	g.POST("/invalidate", h.Invalidate)
}

func (h *Handler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.cache.Stats())
}

type invalidateRequest struct {
	Scope  Scope  `json:"scope"`
	Target string `json:"target"`
}

// Invalidate drops cached values for one scope. Tariff, plan, service and
// patient scopes need the target id; the event is published to other instances
// like any local invalidation.
func (h *Handler) Invalidate(c echo.Context) error {
	var req invalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.cache.Apply(InvalidationEvent{Scope: req.Scope, Target: req.Target}); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"scope":      req.Scope,
		"target":     req.Target,
		"generation": h.cache.Generation(),
	})
}
