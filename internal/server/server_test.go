package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/logger"
)

type routes struct{}

func (routes) Register(e *echo.Echo) {
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/ping", ok)
	e.POST("/auth/login", ok)
	e.GET("/organizations/:org/activities", ok)
}

func TestPublicRoutes(t *testing.T) {
	e := echo.New()
	for path, want := range map[string]bool{
		"/ping":                         true,
		"/health":                       true,
		"/ws":                           true,
		"/auth/login":                   true,
		"/auth/refresh":                 true,
		"/organizations/o-1/activities": false,
		"/authz":                        false,
	} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
		assert.Equal(t, want, Public(c), path)
	}
}

func TestServerRequiresTokenOnPrivateRoutes(t *testing.T) {
	srv := NewServer(logger.Discard(), "", "server-secret", routes{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/organizations/o-1/activities", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := auth.GenerateToken("ops", "server-secret", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/organizations/o-1/activities", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
