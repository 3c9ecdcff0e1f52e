package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/pkg/pagination"
)

// RequestTimeout sets a context deadline on each incoming request. Handlers
// pass the request context to every storage call, so an expired deadline
// aborts the work in flight; if nothing was written yet a 504 failure
// envelope is returned.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout,
					pagination.Failure("Request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}
