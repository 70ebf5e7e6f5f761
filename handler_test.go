package sharedsession

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerReadWithoutCookie(t *testing.T) {
	s, _ := newTestSessions(t)
	h := NewHandler(s)
	ctx, _ := requestCtx(httptest.NewRequest(http.MethodGet, "/", nil))

	data, err := h.Read(ctx, "crawler")
	require.NoError(t, err)
	assert.Empty(t, data)

	n, err := s.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a read must never create a row")
}

func TestHandlerWriteAndRead(t *testing.T) {
	s, _ := newTestSessions(t)
	h := NewHandler(s)
	ctx, _ := requestCtx(httptest.NewRequest(http.MethodGet, "/", nil), &http.Cookie{Name: "SESSID", Value: "abc"})

	data, err := h.Read(ctx, "abc")
	require.NoError(t, err)
	assert.Empty(t, data, "unknown session reads as empty")

	require.NoError(t, h.Write(ctx, "abc", `foo|s:3:"bar";`))
	data, err = h.Read(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, `foo|s:3:"bar";`, data)

	require.NoError(t, h.Write(ctx, "abc", `foo|s:3:"baz";`))
	data, err = h.Read(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, `foo|s:3:"baz";`, data)

	n, err := s.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandlerWriteEmptyPayloadStampsRow(t *testing.T) {
	s, clock := newTestSessions(t)
	h := NewHandler(s)
	ctx := context.Background()

	require.NoError(t, h.Write(ctx, "empty", ""))
	rec, err := s.Store().Find(ctx, Plain, "empty")
	require.NoError(t, err)
	assert.True(t, rec.Datetime.Equal(clock.now()))

	// And so it expires like any other session.
	clock.advance(time.Hour)
	n, err := h.GC(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandlerWriteInvalidPayload(t *testing.T) {
	s, _ := newTestSessions(t)
	h := NewHandler(s)

	err := h.Write(context.Background(), "sid", "not a session")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestHandlerStoreFailure(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	store.Close()

	h := NewHandler(NewSessions(store))
	ctx, _ := requestCtx(httptest.NewRequest(http.MethodGet, "/", nil), &http.Cookie{Name: "SESSID", Value: "abc"})

	err = h.Write(ctx, "abc", `a|i:1;`)
	assert.ErrorIs(t, err, ErrStore)

	_, err = h.Read(ctx, "abc")
	assert.ErrorIs(t, err, ErrStore)

	_, err = h.GC(ctx, 60)
	assert.ErrorIs(t, err, ErrStore)
}

func TestHandlerDestroy(t *testing.T) {
	s, _ := newTestSessions(t)
	h := NewHandler(s)
	ctx, w := requestCtx(httptest.NewRequest(http.MethodGet, "/", nil), &http.Cookie{Name: "SESSID", Value: "abc"})

	require.NoError(t, h.Write(ctx, "abc", `a|i:1;`))
	require.NoError(t, h.Destroy(ctx, "abc"))

	data, err := h.Read(ctx, "abc")
	require.NoError(t, err)
	assert.Empty(t, data)
	require.Len(t, w.Result().Cookies(), 1)
	assert.Equal(t, "SESSID", w.Result().Cookies()[0].Name)

	// Destroying a missing session succeeds.
	assert.NoError(t, h.Destroy(ctx, "missing"))
}

func TestHandlerGC(t *testing.T) {
	s, clock := newTestSessions(t)
	h := NewHandler(s)
	ctx := context.Background()

	require.NoError(t, h.Write(ctx, "old", `a|i:1;`))
	clock.advance(2 * time.Hour)
	require.NoError(t, h.Write(ctx, "new", `a|i:1;`))

	n, err := h.GC(ctx, 1814400)
	require.NoError(t, err)
	assert.Zero(t, n, "three weeks keeps both sessions")

	n, err = h.GC(ctx, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = h.GC(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a zero lifetime collects everything")
}

func TestHandlerGCLifetimeBounds(t *testing.T) {
	s, _ := newTestSessions(t)
	h := NewHandler(s)
	ctx := context.Background()

	require.NoError(t, h.Write(ctx, "sid", `a|i:1;`))

	for _, secs := range []int64{1 << 40, maxLifetimeSeconds + 1, math.MaxInt64} {
		n, err := h.GC(ctx, secs)
		require.NoError(t, err)
		assert.Zero(t, n, "lifetime %d", secs)
	}

	_, err := h.GC(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidLifetime)

	_, err = s.Store().Find(ctx, Plain, "sid")
	assert.NoError(t, err, "the session survives")

	n, err := h.GC(ctx, maxLifetimeSeconds)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerLoginLogout(t *testing.T) {
	s, _ := newTestSessions(t)
	h := NewHandler(s)
	ctx := context.Background()

	// No session yet: ignored.
	require.NoError(t, h.Login(ctx, "sid", 1))

	require.NoError(t, h.Write(ctx, "sid", `a|i:1;`))
	userOf := func() int64 {
		rec, err := s.Store().Find(ctx, Plain, "sid")
		require.NoError(t, err)
		return rec.UserID
	}
	assert.Equal(t, int64(0), userOf())

	require.NoError(t, h.Login(ctx, "sid", 1))
	assert.Equal(t, int64(1), userOf())

	require.NoError(t, h.Logout(ctx, "sid"))
	assert.Equal(t, int64(0), userOf())

	require.NoError(t, h.Logout(ctx, "missing"))
}

func TestHandlerChannelIsolation(t *testing.T) {
	s, _ := newTestSessions(t)
	h := NewHandler(s)

	plainCtx, _ := requestCtx(httptest.NewRequest(http.MethodGet, "http://example.com/", nil), &http.Cookie{Name: "SESSID", Value: "abc"})
	require.NoError(t, h.Write(plainCtx, "abc", `leak|s:6:"secret";`))

	r := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	secureCtx, _ := requestCtx(r, &http.Cookie{Name: "SSESSID", Value: "abc"})
	require.Equal(t, Secure, EnvFromContext(secureCtx).Channel)

	data, err := h.Read(secureCtx, "abc")
	require.NoError(t, err)
	assert.Empty(t, data, "a plain id must not resolve on the secure channel")
}

func TestHandlerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s, _ := newTestSessions(t, WithMetrics(m))
	h := NewHandler(s)

	ctx, _ := requestCtx(httptest.NewRequest(http.MethodGet, "/", nil), &http.Cookie{Name: "SESSID", Value: "abc"})
	_, _ = h.Read(ctx, "abc")
	require.NoError(t, h.Write(ctx, "abc", `a|i:1;`))
	require.NoError(t, h.Write(ctx, "abc", `a|i:1;`))
	_, _ = h.Read(ctx, "abc")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reads.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reads.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writes.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writes.WithLabelValues("unchanged")))
}

func TestMemoryHandler(t *testing.T) {
	h := NewMemoryHandler(CookieConfig{})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, h.Write(ctx, "a", `x|i:1;`))
	data, err := h.Read(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, `x|i:1;`, data)

	now = now.Add(time.Hour)
	require.NoError(t, h.Write(ctx, "b", `x|i:1;`))

	n, err := h.GC(ctx, 1800)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, h.Len())

	n, err = h.GC(ctx, 1<<40)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = h.GC(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidLifetime)
	assert.Equal(t, 1, h.Len())

	rctx, w := requestCtx(httptest.NewRequest(http.MethodGet, "/", nil), &http.Cookie{Name: "SESSID", Value: "b"})
	require.NoError(t, h.Destroy(rctx, "b"))
	assert.Zero(t, h.Len())
	assert.Len(t, w.Result().Cookies(), 1)
}
