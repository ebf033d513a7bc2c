package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cfg "github.com/example/studyauth/internal/config"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testConfig() *cfg.Config {
	return &cfg.Config{
		Port:               "8080",
		Env:                "test",
		DBAdapter:          "memory",
		JWTSecret:          "test-secret",
		AccessTokenTTL:     time.Hour,
		RefreshTokenTTL:    7 * 24 * time.Hour,
		BcryptCost:         bcrypt.MinCost,
		RateLimitPerMinute: 10000,
	}
}

func newTestApp(t *testing.T) (*App, *mux.Router) {
	t.Helper()
	app := NewApp(NewMemoryDB(), testConfig(), testLogger())
	return app, app.Routes()
}

type testRequest struct {
	method  string
	path    string
	body    any
	header  http.Header
	cookies []*http.Cookie
}

func do(t *testing.T, router *mux.Router, req testRequest) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if req.body != nil {
		b, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	} else {
		body = bytes.NewBuffer(nil)
	}

	r := httptest.NewRequest(req.method, req.path, body)
	r.Header.Set("Content-Type", "application/json")
	for k, vs := range req.header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	for _, c := range req.cookies {
		r.AddCookie(c)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func decodeAuthResponse(t *testing.T, w *httptest.ResponseRecorder) authResponse {
	t.Helper()
	var resp authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func signup(t *testing.T, router *mux.Router, email, username, password string) authResponse {
	t.Helper()
	w := do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/signup",
		body:   signupRequest{Email: email, Username: username, Password: password, Name: "Test User"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeAuthResponse(t, w)
}

func responseCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSignupThenLogin(t *testing.T) {
	_, router := newTestApp(t)

	resp := signup(t, router, "a@x.com", "alice", "longenough12")
	require.NotEmpty(t, resp.Token)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, int64(3600), resp.ExpiresIn)
	require.NotNil(t, resp.User)
	require.Equal(t, "a@x.com", resp.User.Email)
	require.Equal(t, "alice", resp.User.Username)
	require.Equal(t, RoleUser, resp.User.Role)

	// login by email
	w := do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/login",
		body:   loginRequest{EmailOrUsername: "a@x.com", Password: "longenough12"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	login := decodeAuthResponse(t, w)
	require.NotEmpty(t, login.Token)
	require.Equal(t, resp.User.ID, login.User.ID)

	// login by username
	w = do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/login",
		body:   loginRequest{EmailOrUsername: "alice", Password: "longenough12"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// decoded token subject matches the created user
	signer := NewTokenSigner([]byte("test-secret"), time.Hour)
	claims, err := signer.Verify(login.Token)
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	require.Equal(t, resp.User.ID, id)
}

func TestSignupSetsCookies(t *testing.T) {
	_, router := newTestApp(t)

	w := do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/signup",
		body:   signupRequest{Email: "a@x.com", Username: "alice", Password: "longenough12"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	access := responseCookie(w, accessTokenCookie)
	require.NotNil(t, access)
	require.True(t, access.HttpOnly)
	require.False(t, access.Secure) // not production
	require.Equal(t, http.SameSiteLaxMode, access.SameSite)
	require.Equal(t, 3600, access.MaxAge)

	refresh := responseCookie(w, refreshTokenCookie)
	require.NotNil(t, refresh)
	require.True(t, refresh.HttpOnly)
	require.Equal(t, int((7 * 24 * time.Hour).Seconds()), refresh.MaxAge)
}

func TestSignupValidation(t *testing.T) {
	_, router := newTestApp(t)

	cases := []signupRequest{
		{Email: "", Username: "alice", Password: "longenough12"},
		{Email: "not-an-email", Username: "alice", Password: "longenough12"},
		{Email: "a@x.com", Username: "", Password: "longenough12"},
		{Email: "a@x.com", Username: "al", Password: "longenough12"},
		{Email: "a@x.com", Username: "alice", Password: "short"},
	}
	for _, body := range cases {
		w := do(t, router, testRequest{method: "POST", path: "/api/auth/signup", body: body})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), CodeValidationError)
	}
}

func TestSignupConflicts(t *testing.T) {
	_, router := newTestApp(t)
	signup(t, router, "a@x.com", "alice", "longenough12")

	w := do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/signup",
		body:   signupRequest{Email: "a@x.com", Username: "other", Password: "longenough12"},
	})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), CodeUserExists)

	w = do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/signup",
		body:   signupRequest{Email: "b@x.com", Username: "alice", Password: "longenough12"},
	})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), CodeUsernameExists)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, router := newTestApp(t)
	signup(t, router, "a@x.com", "alice", "longenough12")

	w := do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/login",
		body:   loginRequest{EmailOrUsername: "a@x.com", Password: "wrong"},
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), CodeInvalidCredentials)

	w = do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/login",
		body:   loginRequest{EmailOrUsername: "nobody@x.com", Password: "longenough12"},
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), CodeInvalidCredentials)
}

func TestRefreshRotation(t *testing.T) {
	_, router := newTestApp(t)
	resp := signup(t, router, "a@x.com", "alice", "longenough12")
	r1 := resp.RefreshToken

	// exchange R1 for R2
	w := do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/refresh",
		body:   refreshRequest{RefreshToken: r1},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rotated := decodeAuthResponse(t, w)
	r2 := rotated.RefreshToken
	require.NotEmpty(t, rotated.Token)
	require.NotEqual(t, r1, r2)

	// R1 is dead now
	w = do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/refresh",
		body:   refreshRequest{RefreshToken: r1},
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), CodeAuthRefreshInvalid)

	// R2 still works
	w = do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/refresh",
		body:   refreshRequest{RefreshToken: r2},
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRefreshPrefersCookieOverBody(t *testing.T) {
	_, router := newTestApp(t)
	resp := signup(t, router, "a@x.com", "alice", "longenough12")

	w := do(t, router, testRequest{
		method:  "POST",
		path:    "/api/auth/refresh",
		body:    refreshRequest{RefreshToken: "bogus"},
		cookies: []*http.Cookie{{Name: refreshTokenCookie, Value: resp.RefreshToken}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRefreshRejectsMissingAndUnknown(t *testing.T) {
	_, router := newTestApp(t)

	w := do(t, router, testRequest{method: "POST", path: "/api/auth/refresh"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), CodeAuthRefreshInvalid)

	w = do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/refresh",
		body:   refreshRequest{RefreshToken: "never-issued"},
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), CodeAuthRefreshInvalid)
}

func TestMeOptionalAuth(t *testing.T) {
	_, router := newTestApp(t)

	// anonymous: 200 with null user, never 401
	w := do(t, router, testRequest{method: "GET", path: "/api/auth/me"})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"user":null}`, w.Body.String())

	// garbage token: still 200 with null user
	w = do(t, router, testRequest{
		method: "GET",
		path:   "/api/auth/me",
		header: http.Header{"Authorization": []string{"Bearer garbage"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"user":null}`, w.Body.String())

	resp := signup(t, router, "a@x.com", "alice", "longenough12")

	// via header
	w = do(t, router, testRequest{
		method: "GET",
		path:   "/api/auth/me",
		header: http.Header{"Authorization": []string{"Bearer " + resp.Token}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"a@x.com"`)

	// via cookie, with a garbage header: cookie wins
	w = do(t, router, testRequest{
		method:  "GET",
		path:    "/api/auth/me",
		header:  http.Header{"Authorization": []string{"Bearer garbage"}},
		cookies: []*http.Cookie{{Name: accessTokenCookie, Value: resp.Token}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"alice"`)
}

func TestLogoutIsIdempotent(t *testing.T) {
	app, router := newTestApp(t)
	resp := signup(t, router, "a@x.com", "alice", "longenough12")
	authHeader := http.Header{"Authorization": []string{"Bearer " + resp.Token}}

	w := do(t, router, testRequest{method: "POST", path: "/api/auth/logout", header: authHeader})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// cookies are deleted
	access := responseCookie(w, accessTokenCookie)
	require.NotNil(t, access)
	require.Empty(t, access.Value)
	require.Equal(t, -1, access.MaxAge)
	refresh := responseCookie(w, refreshTokenCookie)
	require.NotNil(t, refresh)
	require.Equal(t, -1, refresh.MaxAge)

	// the refresh credential no longer works
	w = do(t, router, testRequest{
		method: "POST",
		path:   "/api/auth/refresh",
		body:   refreshRequest{RefreshToken: resp.RefreshToken},
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// second logout succeeds with no observable state change
	u, err := app.store.GetUserByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.Nil(t, u.RefreshToken)

	w = do(t, router, testRequest{method: "POST", path: "/api/auth/logout", header: authHeader})
	require.Equal(t, http.StatusOK, w.Code)

	u, err = app.store.GetUserByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.Nil(t, u.RefreshToken)
	require.Nil(t, u.RefreshTokenExpiresAt)
}

func TestLogoutRequiresCredential(t *testing.T) {
	_, router := newTestApp(t)

	w := do(t, router, testRequest{method: "POST", path: "/api/auth/logout"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), CodeAuthRequired)
}

func TestHealthAndReady(t *testing.T) {
	_, router := newTestApp(t)

	w := do(t, router, testRequest{method: "GET", path: "/health"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, testRequest{method: "GET", path: "/ready"})
	require.Equal(t, http.StatusOK, w.Code)
}
