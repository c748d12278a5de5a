package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/streamcord/spyglass/internal/platform/correlation"
)

// ErrorResponse is the JSON body of every error outside the webhook route.
type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// ErrorHandlingMiddleware turns handler errors into JSON responses. Echo's own
// HTTP errors keep their status and message, anything else becomes a 500 that
// does not leak the cause.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if c.Response().Committed {
				logError(c, http.StatusInternalServerError, err)
				return nil
			}

			status, message := http.StatusInternalServerError, "internal server error"
			if httpErr, ok := errors.AsType[*echo.HTTPError](err); ok {
				status = httpErr.Code
				if msg, ok := httpErr.Message.(string); ok {
					message = msg
				} else {
					message = http.StatusText(status)
				}
			}
			logError(c, status, err)

			resp := ErrorResponse{Error: message}
			resp.CorrelationID, _ = correlation.ID(c.Request().Context())
			if err := c.JSON(status, resp); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

func logError(c echo.Context, status int, err error) {
	ctx := c.Request().Context()
	attrs := []any{
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", status,
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Request failed", attrs...)
		return
	}
	slog.InfoContext(ctx, "Request rejected", attrs...)
}
