package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Morditux/sharedsession"
)

const (
	adminUser     = "ops"
	adminPassword = "s3cret"
)

func newTestServer(t *testing.T, enabled bool) (*gin.Engine, sharedsession.RecordStore) {
	t.Helper()
	return newTestServerWithAdmin(t, enabled, gin.Accounts{adminUser: adminPassword})
}

func newTestServerWithAdmin(t *testing.T, enabled bool, admin gin.Accounts) (*gin.Engine, sharedsession.RecordStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cookie := sharedsession.CookieConfig{HttpOnly: true}
	handler, store, err := sharedsession.NewSaveHandler(context.Background(), sharedsession.StoreConfig{
		Enabled: enabled,
		Driver:  "sqlite",
		DSN:     filepath.Join(t.TempDir(), "sessions.db"),
	}, cookie)
	require.NoError(t, err)
	if store != nil {
		t.Cleanup(func() { store.Close() })
	}

	mgr := sharedsession.NewManager(handler, sharedsession.Config{Cookie: cookie, CleanupInterval: -1})
	t.Cleanup(func() { mgr.Close() })

	reg := prometheus.NewRegistry()
	return newRouter(routerDeps{
		manager:  mgr,
		store:    store,
		registry: reg,
		metrics:  true,
		admin:    admin,
		log:      zap.NewNop(),
	}), store
}

func do(r http.Handler, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func asAdmin(req *http.Request) *http.Request {
	req.SetBasicAuth(adminUser, adminPassword)
	return req
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == sharedsession.DefaultCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func TestVisitCounter(t *testing.T) {
	r, store := newTestServer(t, true)

	w := do(r, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"visits":1,"session":true}`, w.Body.String())
	cookie := sessionCookie(t, w)

	w = do(r, httptest.NewRequest(http.MethodGet, "/", nil), cookie)
	assert.JSONEq(t, `{"visits":2,"session":true}`, w.Body.String())

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHealthCreatesNoSession(t *testing.T) {
	r, store := newTestServer(t, true)

	w := do(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Result().Cookies())

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoginLogout(t *testing.T) {
	r, store := newTestServer(t, true)
	ctx := context.Background()

	w := do(r, httptest.NewRequest(http.MethodGet, "/", nil))
	first := sessionCookie(t, w)

	form := url.Values{"user_id": {"42"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = do(r, req, first)
	require.Equal(t, http.StatusOK, w.Code)
	second := sessionCookie(t, w)
	assert.NotEqual(t, first.Value, second.Value, "login regenerates the session id")

	recs, err := store.List(ctx, sharedsession.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, second.Value, recs[0].SessionID)
	assert.Equal(t, int64(42), recs[0].UserID)

	w = do(r, httptest.NewRequest(http.MethodPost, "/logout", nil), second)
	require.Equal(t, http.StatusNoContent, w.Code)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	var expired bool
	for _, c := range w.Result().Cookies() {
		if c.Name == sharedsession.DefaultCookieName && c.MaxAge < 0 {
			expired = true
		}
	}
	assert.True(t, expired, "logout expires the session cookie")
}

func TestAdminRoutes(t *testing.T) {
	r, store := newTestServer(t, true)
	ctx := context.Background()

	for range 3 {
		do(r, httptest.NewRequest(http.MethodGet, "/", nil))
	}

	w := do(r, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/sessions?limit=2", nil)))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Total    int64         `json:"total"`
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Total)
	require.Len(t, body.Sessions, 2)
	assert.NotNil(t, body.Sessions[0].Datetime)

	w = do(r, asAdmin(httptest.NewRequest(http.MethodDelete, "/admin/sessions/"+strconv.FormatInt(body.Sessions[0].ID, 10), nil)))
	assert.Equal(t, http.StatusNoContent, w.Code)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	w = do(r, asAdmin(httptest.NewRequest(http.MethodDelete, "/admin/sessions/abc", nil)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, asAdmin(httptest.NewRequest(http.MethodDelete, "/admin/sessions", nil)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":2}`, w.Body.String())
}

func TestAdminRequiresAuth(t *testing.T) {
	r, store := newTestServer(t, true)
	do(r, httptest.NewRequest(http.MethodGet, "/", nil))

	anonymous := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/admin/sessions", nil),
		httptest.NewRequest(http.MethodDelete, "/admin/sessions/1", nil),
		httptest.NewRequest(http.MethodDelete, "/admin/sessions", nil),
	}
	for _, req := range anonymous {
		w := do(r, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", req.Method, req.URL)
		assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	}

	wrong := httptest.NewRequest(http.MethodDelete, "/admin/sessions", nil)
	wrong.SetBasicAuth(adminUser, "guess")
	assert.Equal(t, http.StatusUnauthorized, do(r, wrong).Code)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "nothing was deleted")
}

func TestAdminDisabledWithoutAccounts(t *testing.T) {
	r, _ := newTestServerWithAdmin(t, true, nil)
	w := do(r, httptest.NewRequest(http.MethodDelete, "/admin/sessions", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMemoryFallback(t *testing.T) {
	r, store := newTestServer(t, false)
	require.Nil(t, store)

	w := do(r, httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := sessionCookie(t, w)
	w = do(r, httptest.NewRequest(http.MethodGet, "/", nil), cookie)
	assert.JSONEq(t, `{"visits":2,"session":true}`, w.Body.String())

	w = do(r, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestServer(t, true)
	w := do(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
