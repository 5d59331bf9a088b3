package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "coachly-test-secret"

// newAuthedEcho mounts the middleware the way the server does: /ping is
// public, session registration and the live socket require a coach token.
func newAuthedEcho() *echo.Echo {
	e := echo.New()
	e.Use(JWTMiddleware(testSecret, func(c echo.Context) bool {
		return c.Request().URL.Path == "/ping"
	}))
	owner := func(c echo.Context) error {
		id, err := UserIDFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, id)
	}
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/bots/:bot_id/session", owner)
	e.GET("/ws", owner)
	e.POST("/auth/refresh", func(c echo.Context) error {
		token, _, err := RefreshTokenFromContext(c, testSecret, time.Hour)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, token)
	})
	return e
}

func signClaims(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func parseClaims(t *testing.T, token string) jwt.MapClaims {
	t.Helper()
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) { return []byte(testSecret), nil })
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	return claims
}

func TestCoachTokenIdentifiesSessionOwner(t *testing.T) {
	e := newAuthedEcho()
	token, expiresAt, err := GenerateToken("coach-7", testSecret, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	req := httptest.NewRequest(http.MethodPost, "/bots/bot-1/session", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "coach-7", rec.Body.String())

	// websocket viewers pass the token in the query string
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "coach-7", rec.Body.String())
}

func TestMiddlewareRejectsForeignAndExpiredTokens(t *testing.T) {
	e := newAuthedEcho()

	foreign := signClaims(t, jwt.MapClaims{claimUserID: "coach-7", claimExpires: time.Now().Add(time.Hour).Unix()}, "other-secret")
	expired := signClaims(t, jwt.MapClaims{claimUserID: "coach-7", claimExpires: time.Now().Add(-time.Minute).Unix()}, testSecret)
	for name, token := range map[string]string{"foreign": foreign, "expired": expired} {
		req := httptest.NewRequest(http.MethodPost, "/bots/bot-1/session", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshKeepsTokenLifetime(t *testing.T) {
	e := newAuthedEcho()
	issued := time.Now().Add(-10 * time.Minute).Unix()
	original := signClaims(t, jwt.MapClaims{
		claimSubject: "coach-7",
		claimUserID:  "coach-7",
		claimIssued:  issued,
		claimExpires: issued + int64((15 * time.Minute).Seconds()),
	}, testSecret)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+original)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	claims := parseClaims(t, strings.TrimSpace(rec.Body.String()))
	assert.Equal(t, "coach-7", claims[claimSubject])
	assert.Equal(t, "coach-7", claims[claimUserID])
	newIat := int64(claims[claimIssued].(float64))
	newExp := int64(claims[claimExpires].(float64))
	assert.Greater(t, newIat, issued)
	assert.Equal(t, int64(15*60), newExp-newIat)
}

func TestRefreshFallsBackWithoutIssuedAt(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.Set("user", &jwt.Token{Valid: true, Claims: jwt.MapClaims{claimUserID: "coach-7"}})

	token, expiresAt, err := RefreshTokenFromContext(c, testSecret, 2*time.Hour)
	require.NoError(t, err)
	claims := parseClaims(t, token)
	assert.Equal(t, expiresAt.Unix(), int64(claims[claimExpires].(float64)))
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), expiresAt, 5*time.Second)
}

func TestRefreshWithoutTokenIsUnauthorized(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())

	_, _, err := RefreshTokenFromContext(c, testSecret, time.Hour)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Equal(t, "invalid token", httpErr.Message)
}

func TestUserIDFromContextFallsBackToSubject(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	c.Set("user", &jwt.Token{Valid: true, Claims: jwt.MapClaims{claimSubject: "coach-9"}})
	id, err := UserIDFromContext(c)
	assert.NoError(t, err)
	assert.Equal(t, "coach-9", id)

	c.Set("user", &jwt.Token{Valid: true, Claims: jwt.MapClaims{}})
	_, err = UserIDFromContext(c)
	assert.Error(t, err)
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	_, _, err := GenerateToken("", testSecret, time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken("coach", "", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken("coach", testSecret, 0)
	assert.Error(t, err)
}
