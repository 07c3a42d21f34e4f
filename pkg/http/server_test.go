package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

type routes func(e *echo.Echo)

func (r routes) RegisterRoutes(e *echo.Echo) { r(e) }

func TestServerEnvelopeAndRecovery(t *testing.T) {
	s := NewServer([]Handler{routes(func(e *echo.Echo) {
		e.GET("/ok", func(c echo.Context) error { return SuccessResponse(c, "fine") })
		e.GET("/quota", func(c echo.Context) error {
			return AppErrorResponse(c, TooManyRequestsError("slow down", 60))
		})
		e.GET("/plain", func(c echo.Context) error { return AppErrorResponse(c, errors.New("x")) })
		e.GET("/panic", func(c echo.Context) error { panic("boom") })
	})}, WithMetricsPath(""))

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(echo.HeaderOrigin, "https://example.org")
		s.Echo().ServeHTTP(rec, req)
		return rec
	}

	rec := do("/ok")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":200,"message":"OK","data":"fine"}`, rec.Body.String())
	assert.Equal(t, "https://example.org", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	rec = do("/quota")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "ERR_QUOTA_EXCEEDED")

	assert.Equal(t, http.StatusInternalServerError, do("/plain").Code)
	assert.Equal(t, http.StatusInternalServerError, do("/panic").Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken("Bearer "))
}
