package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/coachly/internal/auth"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/webhooks/bot", want: true},
		{path: "/webhooks", want: false},
		{path: "/bots/b1/transcript", want: false},
		{path: "/ws", want: false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, shouldSkipJWT(tc.path), "path=%q", tc.path)
	}
}

type echoUserHandler struct{}

func (echoUserHandler) Register(e *echo.Echo) {
	e.GET("/whoami", func(c echo.Context) error {
		id, err := auth.UserIDFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, id)
	})
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

func TestServerRequiresTokenOutsideSkippedPaths(t *testing.T) {
	t.Parallel()

	const secret = "test-secret"
	s := NewServer(nil, "", secret, echoUserHandler{}, nil)

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, rec.Code)

	token, _, err := auth.GenerateToken("coach-1", secret, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "coach-1", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
