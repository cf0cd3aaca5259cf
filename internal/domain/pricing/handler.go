package pricing

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/coverage/internal/platform/auth"
	"github.com/clinic/coverage/pkg/pagination"
)

type Handler struct {
	prices *PriceCalculator
	admin  *FactorAdmin
	now    func() time.Time
}

func NewHandler(prices *PriceCalculator, admin *FactorAdmin) *Handler {
	return &Handler{prices: prices, admin: admin, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing, reception
	read := api.Group("/pricing", auth.RequireRole("admin", "billing", "reception"))
	read.GET("/services/:id/base-price", h.GetBasePrice)
	read.GET("/factors", h.ListFactors)
	read.GET("/factors/:id", h.GetFactor)

	// Write endpoints – admin only
	write := api.Group("/pricing", auth.RequireRole("admin"))
	write.PUT("/factors/:id", h.UpdateFactor)
	write.POST("/financial-years/:year/freeze", h.FreezeYear)
}

func (h *Handler) GetBasePrice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	asOf := h.now().UTC().Truncate(24 * time.Hour)
	if v := c.QueryParam("as_of"); v != "" {
		if asOf, err = time.Parse("2006-01-02", v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "as_of must be YYYY-MM-DD")
		}
	}
	var opts PriceOptions
	if v := c.QueryParam("department_id"); v != "" {
		dept, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid department_id")
		}
		opts.DepartmentOverrideID = &dept
	}
	bd, err := h.prices.CalculateBasePriceByID(c.Request().Context(), id, asOf, opts)
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, bd)
}

func (h *Handler) ListFactors(c echo.Context) error {
	pg := pagination.FromContext(c)
	year := h.now().Year()
	if v := c.QueryParam("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
		year = y
	}
	items, total, err := h.admin.ListFactors(c.Request().Context(), year, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetFactor(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	f, err := h.admin.GetFactor(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "factor setting not found")
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) UpdateFactor(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var upd FactorUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := h.admin.UpdateFactor(c.Request().Context(), id, upd)
	if err != nil {
		return httpError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) FreezeYear(c echo.Context) error {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
	}
	fy, err := h.admin.FreezeYear(c.Request().Context(), year)
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, fy)
}

func httpError(err error, fallback int) *echo.HTTPError {
	var missing *MissingFactorSettingError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrFinancialYearFrozen):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &missing), errors.Is(err, ErrDuplicateComponent):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(fallback, err.Error())
}
