package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func sign(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func run(t *testing.T, mw []echo.MiddlewareFunc, req *http.Request) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	h := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	require.NoError(t, h(c))
	return rec, c
}

func TestJWTSetsIdentity(t *testing.T) {
	token := sign(t, secret, jwt.MapClaims{"user_id": "u1", "role": "admin", "exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec, c := run(t, []echo.MiddlewareFunc{JWT(secret)}, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u1", c.Get("user_id"))
	assert.Equal(t, "admin", c.Get("role"))
}

func TestJWTRejectsBadTokens(t *testing.T) {
	valid := jwt.MapClaims{"user_id": "u1", "exp": time.Now().Add(time.Hour).Unix()}
	cases := map[string]string{
		"missing":     "",
		"format":      "Token abc",
		"wrong key":   "Bearer " + sign(t, []byte("other"), valid),
		"expired":     "Bearer " + sign(t, secret, jwt.MapClaims{"user_id": "u1", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no expiry":   "Bearer " + sign(t, secret, jwt.MapClaims{"user_id": "u1"}),
		"no user_id":  "Bearer " + sign(t, secret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
		"query token": "",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/?token="+sign(t, secret, valid), nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec, _ := run(t, []echo.MiddlewareFunc{JWT(secret)}, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestJWTAcceptsQueryTokenOnUpgrade(t *testing.T) {
	token := sign(t, secret, jwt.MapClaims{"user_id": "u2", "exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")

	rec, c := run(t, []echo.MiddlewareFunc{JWT(secret)}, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u2", c.Get("user_id"))
	assert.Equal(t, RoleUser, c.Get("role"))
}

func TestRequireRoles(t *testing.T) {
	admin := sign(t, secret, jwt.MapClaims{"user_id": "a", "role": RoleAdmin, "exp": time.Now().Add(time.Hour).Unix()})
	user := sign(t, secret, jwt.MapClaims{"user_id": "u", "exp": time.Now().Add(time.Hour).Unix()})
	chain := []echo.MiddlewareFunc{JWT(secret), RequireRoles(RoleAdmin, RoleOperator)}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec, _ := run(t, chain, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+user)
	rec, _ = run(t, chain, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = run(t, []echo.MiddlewareFunc{RequireRoles(RoleAdmin)}, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
