package cascade

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

// Deleter runs one cascade.
type Deleter interface {
	Delete(ctx context.Context, t RootType, rootID, requestor string) (Result, error)
}

type Handler struct {
	svc Deleter
}

func NewHandler(svc Deleter) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the delete routes. m applies to these routes only,
// e.g. db.ConnMiddleware so a cascade runs on a single connection.
func (h *Handler) RegisterRoutes(api *echo.Group, m ...echo.MiddlewareFunc) {
	api.DELETE("/patients/:id", h.deleteRoot(RootPatient), m...)
	api.DELETE("/clinics/:id", h.deleteRoot(RootClinic), m...)
}

func (h *Handler) deleteRoot(t RootType) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
		}
		userID := auth.UserIDFromContext(c.Request().Context())
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}

		res, err := h.svc.Delete(c.Request().Context(), t, id.String(), userID)
		if err != nil {
			return err
		}
		msg := fmt.Sprintf("%s deleted successfully", t.Collection().Resource())
		return c.JSON(http.StatusOK, pagination.Success(res, msg))
	}
}
