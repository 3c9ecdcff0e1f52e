package reporting

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/analytics"
	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports")
	g.GET("/revenue", h.Revenue)
	g.GET("/revenue/total", h.RevenueTotal)
	g.GET("/growth", h.Growth)
	g.GET("/appointments", h.Appointments)
	g.GET("/top-treatments", h.TopTreatments)
	g.GET("/patients", h.PatientStats)
	g.GET("/dashboard", h.Dashboard)
	g.GET("/overview", h.Overview, auth.RequireRole(auth.RoleAdmin))
}

func requestor(c echo.Context) (string, error) {
	id := auth.UserIDFromContext(c.Request().Context())
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

func clinicParam(c echo.Context, required bool) (string, error) {
	raw := strings.TrimSpace(c.QueryParam("clinicId"))
	if raw == "" {
		if required {
			return "", apperr.Validation("clinicId", "clinicId is required")
		}
		return "", nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", apperr.Validation("clinicId", "invalid uuid %q", raw)
	}
	return id.String(), nil
}

func intParam(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation(name, "expected a non-negative integer, got %q", raw)
	}
	return n, nil
}

// dateRange reads startDate and endDate. Both or neither must be given. A
// date-only endDate covers that whole day, to the microsecond precision of
// a postgres timestamp.
func dateRange(c echo.Context) (*analytics.DateRange, error) {
	start, end := c.QueryParam("startDate"), c.QueryParam("endDate")
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, apperr.Validation("startDate", "startDate and endDate must be given together")
	}
	s, ok := query.ParseDate(start)
	if !ok {
		return nil, apperr.Validation("startDate", "invalid date %q", start)
	}
	e, ok := query.ParseDate(end)
	if !ok {
		return nil, apperr.Validation("endDate", "invalid date %q", end)
	}
	if len(end) == len("2006-01-02") {
		e = e.AddDate(0, 0, 1).Add(-time.Microsecond)
	}
	return &analytics.DateRange{Start: s, End: e}, nil
}

func requiredRange(c echo.Context) (analytics.DateRange, error) {
	rng, err := dateRange(c)
	if err != nil {
		return analytics.DateRange{}, err
	}
	if rng == nil {
		return analytics.DateRange{}, apperr.Validation("startDate", "startDate and endDate are required")
	}
	return *rng, nil
}

func (h *Handler) Revenue(c echo.Context) error {
	user, err := requestor(c)
	if err != nil {
		return err
	}
	clinicID, err := clinicParam(c, true)
	if err != nil {
		return err
	}
	period, err := analytics.ParsePeriod(c.QueryParam("period"))
	if err != nil {
		return err
	}
	rng, err := dateRange(c)
	if err != nil {
		return err
	}
	rows, err := h.svc.Revenue(c.Request().Context(), clinicID, user, period, rng)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Success(rows, ""))
}

func (h *Handler) RevenueTotal(c echo.Context) error {
	user, err := requestor(c)
	if err != nil {
		return err
	}
	clinicID, err := clinicParam(c, true)
	if err != nil {
		return err
	}
	rng, err := requiredRange(c)
	if err != nil {
		return err
	}
	total, err := h.svc.RevenueTotal(c.Request().Context(), clinicID, user, rng)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Success(total, ""))
}

func (h *Handler) Growth(c echo.Context) error {
	user, err := requestor(c)
	if err != nil {
		return err
	}
	clinicID, err := clinicParam(c, true)
	if err != nil {
		return err
	}
	months, err := intParam(c, "months")
	if err != nil {
		return err
	}
	rows, err := h.svc.Growth(c.Request().Context(), clinicID, user, months)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Success(rows, ""))
}

func (h *Handler) Appointments(c echo.Context) error {
	user, err := requestor(c)
	if err != nil {
		return err
	}
	clinicID, err := clinicParam(c, true)
	if err != nil {
		return err
	}
	rng, err := requiredRange(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.Appointments(c.Request().Context(), clinicID, user, rng)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Success(stats, ""))
}

func (h *Handler) TopTreatments(c echo.Context) error {
	user, err := requestor(c)
	if err != nil {
		return err
	}
	clinicID, err := clinicParam(c, true)
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}
	rows, err := h.svc.TopTreatments(c.Request().Context(), clinicID, user, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Success(rows, ""))
}

func (h *Handler) PatientStats(c echo.Context) error {
	user, err := requestor(c)
	if err != nil {
		return err
	}
	clinicID, err := clinicParam(c, true)
	if err != nil {
		return err
	}
	stats, err := h.svc.PatientStats(c.Request().Context(), clinicID, user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Success(stats, ""))
}

func (h *Handler) Dashboard(c echo.Context) error {
	user, err := requestor(c)
	if err != nil {
		return err
	}
	clinicID, err := clinicParam(c, false)
	if err != nil {
		return err
	}
	d, err := h.svc.Dashboard(c.Request().Context(), user, clinicID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Success(d, ""))
}

func (h *Handler) Overview(c echo.Context) error {
	o, err := h.svc.Overview(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Success(o, ""))
}
