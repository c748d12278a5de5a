package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcord/spyglass/internal/platform/correlation"
)

func runMiddleware(t *testing.T, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), rec)
	err := correlationMiddleware(ErrorHandlingMiddleware()(handler))(c)
	return rec, err
}

func TestMiddlewareWithStandardError(t *testing.T) {
	rec, err := runMiddleware(t, func(echo.Context) error {
		return errors.New("mongo: no reachable servers")
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestMiddlewareWithHTTPError(t *testing.T) {
	tests := []struct {
		name        string
		err         *echo.HTTPError
		wantStatus  int
		wantMessage string
	}{
		{"string message", echo.NewHTTPError(http.StatusBadRequest, "bad input"), http.StatusBadRequest, "bad input"},
		{"non-string message", echo.NewHTTPError(http.StatusConflict, 12345), http.StatusConflict, "Conflict"},
		{"nil message", &echo.HTTPError{Code: http.StatusServiceUnavailable}, http.StatusServiceUnavailable, "Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := runMiddleware(t, func(echo.Context) error { return tt.err })
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantMessage, resp.Error)
		})
	}
}

func TestMiddlewarePassesThroughSuccess(t *testing.T) {
	rec, err := runMiddleware(t, func(c echo.Context) error {
		return c.String(http.StatusOK, "fine")
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fine", rec.Body.String())
}

func TestMiddlewareLeavesCommittedResponses(t *testing.T) {
	rec, err := runMiddleware(t, func(c echo.Context) error {
		_ = c.NoContent(http.StatusAccepted)
		return errors.New("late failure")
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestCorrelationMiddlewareAssignsID(t *testing.T) {
	var id string
	_, err := runMiddleware(t, func(c echo.Context) error {
		id, _ = correlation.ID(c.Request().Context())
		return nil
	})
	require.NoError(t, err)

	assert.NotEmpty(t, id)
}
