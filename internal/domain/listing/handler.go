package listing

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// clinicScoped maps the URL segment under /clinics/:clinicId onto its
// collection.
var clinicScoped = map[string]store.Collection{
	"treatment-plans":   store.TreatmentPlans,
	"treatments":        store.Treatments,
	"medical-histories": store.MedicalHistories,
	"visitors":          store.Visitors,
	"transactions":      store.Transactions,
	"prescriptions":     store.Prescriptions,
	"patient-bills":     store.PatientBills,
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/clinics", h.list(store.Clinics))
	api.GET("/patients", h.list(store.Patients))
	for segment, coll := range clinicScoped {
		api.GET("/clinics/:clinicId/"+segment, h.list(coll))
	}
	api.GET("/users", h.list(store.Users), auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) list(coll store.Collection) echo.HandlerFunc {
	return func(c echo.Context) error {
		r, ok := auth.RequestorFromContext(c.Request().Context())
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		scope := Scope{UserID: r.UserID, Unscoped: coll == store.Users}
		if raw := c.Param("clinicId"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic id")
			}
			scope.ClinicID = id.String()
		}

		rq, err := query.RawQueryFromValues(c.QueryParams())
		if err != nil {
			return err
		}
		page, err := h.svc.List(c.Request().Context(), coll, rq, scope)
		if err != nil {
			return err
		}
		if page.Meta == nil {
			return c.JSON(http.StatusOK, pagination.Success(page.Records, ""))
		}
		return c.JSON(http.StatusOK, pagination.Paginated(page.Records, *page.Meta, ""))
	}
}
