package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubAuth map[string]string

func (s stubAuth) Authenticate(_ context.Context, token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	id, ok := UserIDFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	_, _ = w.Write([]byte(id))
}

func TestJWTAuth(t *testing.T) {
	h := NewAuthMiddleware(stubAuth{"tok": "u1"}, zap.NewNop()).JWTAuth(http.HandlerFunc(echoUser))

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, ""},
		{"unknown", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid", "Bearer tok", http.StatusOK, "u1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)
	id, ok := UserIDFromContext(WithUserID(context.Background(), "u7"))
	assert.True(t, ok)
	assert.Equal(t, "u7", id)
}

func TestRateLimiterPerIP(t *testing.T) {
	l := NewRateLimiter(0.001, 2, zap.NewNop())
	h := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:1000"))
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	l := NewRateLimiter(1, 1, zap.NewNop())
	now := time.Now()
	l.now = func() time.Time { return now }
	for i := 0; i < 100; i++ {
		l.get("10.0.0." + strconv.Itoa(i))
	}
	assert.Len(t, l.visitors, 100)

	// sweeps run at most once per interval
	now = now.Add(limiterSweepEvery / 2)
	l.get("10.0.1.1")
	assert.Len(t, l.visitors, 101)

	now = now.Add(limiterIdleTTL + limiterSweepEvery)
	l.get("10.0.1.2")
	assert.Len(t, l.visitors, 1)
	_, ok := l.visitors["10.0.1.2"]
	assert.True(t, ok)
}

func TestRateLimiterIgnoresForwardedFor(t *testing.T) {
	l := NewRateLimiter(0.001, 1, zap.NewNop())
	h := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.9:4000"
		r.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestDurationPassesThrough(t *testing.T) {
	h := Duration(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}
