package insurance

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/internal/platform/auth"
	"github.com/clinic/coverage/pkg/pagination"
)

type Handler struct {
	engine *Engine
	admin  *AdminService
}

func NewHandler(engine *Engine, admin *AdminService) *Handler {
	return &Handler{engine: engine, admin: admin}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Calculation endpoints – admin, billing, reception
	calc := api.Group("/coverage", auth.RequireRole("admin", "billing", "reception"))
	calc.POST("/calculate", h.Calculate)
	calc.POST("/calculate/batch", h.CalculateBatch)
	calc.POST("/supplementary/compare", h.CompareSupplementary)
	calc.GET("/plans/:id/summary", h.GetPlanSummary)
	calc.GET("/plans/:id/tariffs", h.ListPlanTariffs)

	// Write endpoints – admin, billing
	write := api.Group("/coverage", auth.RequireRole("admin", "billing"))
	write.POST("/tariffs", h.CreateTariff)
	write.GET("/tariffs/:id", h.GetTariff)
	write.PUT("/tariffs/:id", h.UpdateTariff)
	write.DELETE("/tariffs/:id", h.DeleteTariff)
	write.PUT("/plans/:id", h.UpdatePlan)
	write.POST("/rules", h.UpsertRule)
	write.POST("/rules/validate", h.ValidateRules)
}

// calculateRequest accepts dates as YYYY-MM-DD or RFC 3339.
type calculateRequest struct {
	PatientID uuid.UUID        `json:"patient_id"`
	ServiceID uuid.UUID        `json:"service_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Date      string           `json:"date"`
	Options   CalculateOptions `json:"options"`
}

func (r calculateRequest) toCombined() (CombinedRequest, error) {
	if r.PatientID == uuid.Nil || r.ServiceID == uuid.Nil {
		return CombinedRequest{}, errors.New("patient_id and service_id are required")
	}
	date, err := parseDate(r.Date)
	if err != nil {
		return CombinedRequest{}, err
	}
	return CombinedRequest{PatientID: r.PatientID, ServiceID: r.ServiceID, Amount: r.Amount, Date: date, Options: r.Options}, nil
}

type batchRequest struct {
	PatientID  uuid.UUID         `json:"patient_id"`
	ServiceIDs []uuid.UUID       `json:"service_ids"`
	Amounts    []decimal.Decimal `json:"amounts"`
	Date       string            `json:"date"`
	Options    CalculateOptions  `json:"options"`
}

type compareRequest struct {
	calculateRequest
	PlanIDs []uuid.UUID `json:"plan_ids"`
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("date must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}

// -- Calculation Handlers --

func (h *Handler) Calculate(c echo.Context) error {
	var body calculateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := body.toCombined()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.engine.Combined.CalculateCombined(c.Request().Context(), req)
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CalculateBatch(c echo.Context) error {
	var body batchRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	date, err := parseDate(body.Date)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	amounts := body.Amounts
	if amounts == nil {
		// Omitted amounts price every service.
		amounts = make([]decimal.Decimal, len(body.ServiceIDs))
	}
	res, err := h.engine.Combined.CalculateBatch(c.Request().Context(), BatchRequest{
		PatientID:  body.PatientID,
		ServiceIDs: body.ServiceIDs,
		Amounts:    amounts,
		Date:       date,
		Options:    body.Options,
	})
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CompareSupplementary(c echo.Context) error {
	var body compareRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body.PlanIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "plan_ids is required")
	}
	req, err := body.toCombined()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	plans := make([]*Plan, 0, len(body.PlanIDs))
	for _, id := range body.PlanIDs {
		p, err := h.admin.GetPlan(ctx, id)
		if err != nil {
			return httpError(err, http.StatusInternalServerError)
		}
		if p.Type != PlanSupplementary {
			return echo.NewHTTPError(http.StatusBadRequest, "plan "+id.String()+" is not a supplementary plan")
		}
		plans = append(plans, p)
	}

	cc, primary, err := h.engine.Combined.PrimaryFor(ctx, req)
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	ranked, err := h.engine.Supplementary.CompareSupplementaryOptions(ctx, cc, primary, plans)
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"primary": primary,
		"options": ranked,
	})
}

func (h *Handler) GetPlanSummary(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	asOf, err := parseDate(c.QueryParam("as_of"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sum, err := h.admin.PlanSummary(c.Request().Context(), id, asOf)
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, sum)
}

// -- Tariff Handlers --

func (h *Handler) ListPlanTariffs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, err := h.admin.ListTariffs(c.Request().Context(), id, c.QueryParam("include_deleted") == "true")
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) CreateTariff(c echo.Context) error {
	var t Tariff
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.admin.CreateTariff(c.Request().Context(), &t); err != nil {
		return httpError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTariff(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := h.admin.GetTariff(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "tariff not found")
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) UpdateTariff(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var upd TariffUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.admin.UpdateTariff(c.Request().Context(), id, upd)
	if err != nil {
		return httpError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DeleteTariff(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.admin.DeleteTariff(c.Request().Context(), id); err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Plan and Rule Handlers --

func (h *Handler) UpdatePlan(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var upd PlanUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.admin.UpdatePlan(c.Request().Context(), id, upd)
	if err != nil {
		return httpError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpsertRule(c echo.Context) error {
	var r BusinessRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.admin.UpsertRule(c.Request().Context(), &r); err != nil {
		return httpError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ValidateRules(c echo.Context) error {
	var rules []*BusinessRule
	if err := c.Bind(&rules); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, ValidateRules(rules))
}

// httpError maps engine errors to HTTP statuses; anything unrecognised
// gets fallback.
func httpError(err error, fallback int) *echo.HTTPError {
	var (
		missing   *pricing.MissingFactorSettingError
		ambiguous *AmbiguousTariffError
		coverage  *InvalidCoverageRangeError
		rules     *RuleValidationError
	)
	switch {
	case errors.Is(err, ErrCalculationTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pricing.ErrFinancialYearFrozen), errors.Is(err, ErrTariffOverlap):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrBatchMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &missing), errors.As(err, &ambiguous), errors.As(err, &coverage), errors.As(err, &rules),
		errors.Is(err, pricing.ErrDuplicateComponent), errors.Is(err, ErrMultiplePrimaryPolicies):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(fallback, err.Error())
}
