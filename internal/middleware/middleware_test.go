package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte("hi"))
}

func TestCORSAnswersPreflight(t *testing.T) {
	h := CORS(http.HandlerFunc(ok))

	req := httptest.NewRequest(http.MethodOptions, "/api/turns", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLoggerWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.Get("/x", ok)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/x", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.EqualValues(t, 2, line["bytes"])
	assert.Equal(t, "warn", line["level"])
	assert.NotEmpty(t, line["request_id"])
}

func TestLimiterIsPerCaller(t *testing.T) {
	l := NewLimiter(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	h := l.Middleware(http.HandlerFunc(ok))

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req.Header.Set(UserHeader, user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusTeapot, do("alice"))
	assert.Equal(t, http.StatusTeapot, do("alice"))
	assert.Equal(t, http.StatusTooManyRequests, do("alice"))
	assert.Equal(t, http.StatusTeapot, do("bob"))
	assert.Equal(t, http.StatusTeapot, do(""))
	assert.Equal(t, 3, l.Len())
}

func TestLimiterForgetsIdleCallers(t *testing.T) {
	l := NewLimiter(100, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	now = now.Add(11 * time.Minute)
	assert.True(t, l.Allow("c"))
	assert.Equal(t, 1, l.Len())
}

func TestRequireUser(t *testing.T) {
	var seen string
	h := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, "alice")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", seen)
}
