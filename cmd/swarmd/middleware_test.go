package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tdw419/geometry-os-sub000/config"
	"github.com/tdw419/geometry-os-sub000/internal/ctxkeys"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	require.NotNil(t, env.Error)
	return env.Error.Code
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	w := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID_PreservesClientValueAndSetsContext(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	})
	handler := Chain(inner, SecurityHeaders(), RequestID())

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "req-client")
	w := serve(handler, r)
	assert.Equal(t, "req-client", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-client", seen)

	w = serve(handler, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Regexp(t, `^req-[0-9a-f]{32}$`, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestRecovery_WritesErrorEnvelope(t *testing.T) {
	handler := Recovery(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/health":                              "/health",
		"/api/v1/tasks":                        "/api/v1/tasks",
		"/api/v1/tasks/sync":                   "/api/v1/tasks/sync",
		"/api/v1/tasks/task-1a2b3c4d":          "/api/v1/tasks/:id",
		"/api/v1/tasks/task-1a2b3c4d/complete": "/api/v1/tasks/:id/complete",
		"/api/v1/nodes/node-a/heartbeat":       "/api/v1/nodes/:id/heartbeat",
		"/api/v1/agents/scout-7/relocate":      "/api/v1/agents/:id/relocate",
		"/api/v1/cluster/orphans":              "/api/v1/cluster/orphans",
		"/other/12345":                         "/other/:id",
		"/other/name":                          "/other/name",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("disabled without keys", func(t *testing.T) {
		h := APIKeyAuth(nil, nil, false, logger)(okHandler())
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)).Code)
	})

	h := APIKeyAuth([]string{"k1"}, []string{"/health"}, true, logger)(okHandler())

	t.Run("rejects missing key", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
	})

	t.Run("header key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
		r.Header.Set("X-API-Key", "k1")
		assert.Equal(t, http.StatusOK, serve(h, r).Code)
	})

	t.Run("query key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws?api_key=k1", nil)
		assert.Equal(t, http.StatusOK, serve(h, r).Code)
	})

	t.Run("skip path", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	})
}

func TestRateLimiter_PerIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	req := func(ip string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		r.RemoteAddr = ip + ":1234"
		return serve(h, r).Code
	}

	assert.Equal(t, http.StatusOK, req("10.0.0.1"))
	assert.Equal(t, http.StatusOK, req("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1"))
	assert.Equal(t, http.StatusOK, req("10.0.0.2"))
}

func TestRateLimiter_DisabledWithoutRate(t *testing.T) {
	h := RateLimiter(context.Background(), 0, 0, zap.NewNop())(okHandler())
	for range 10 {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
}

func TestSubjectRateLimiter_KeysBySubject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := SubjectRateLimiter(ctx, 1, 1, zap.NewNop())(okHandler())

	req := func(sub string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(ctxkeys.WithSubject(r.Context(), sub))
		return serve(h, r).Code
	}

	assert.Equal(t, http.StatusOK, req("node-a"))
	assert.Equal(t, http.StatusTooManyRequests, req("node-a"))
	assert.Equal(t, http.StatusOK, req("node-b"))
}

func TestKeyedLimiter_Cleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := &keyedLimiter{rps: 1, burst: 1, visitors: map[string]*visitor{}}
	l.allow("a")
	l.mu.Lock()
	l.visitors["a"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	go l.cleanup(ctx, 5*time.Millisecond, time.Minute)
	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCORS(t *testing.T) {
	t.Run("no origins configured rejects preflight", func(t *testing.T) {
		h := CORS(nil)(okHandler())
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
		r.Header.Set("Origin", "https://evil.example")
		w := serve(h, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allowed origin", func(t *testing.T) {
		h := CORS([]string{"https://ui.example"})(okHandler())
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
		r.Header.Set("Origin", "https://ui.example")
		w := serve(h, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://ui.example", w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Secret: "s3cret", Issuer: "swarm"}

	var subject string
	var roles []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = ctxkeys.Subject(r.Context())
		roles, _ = ctxkeys.Roles(r.Context())
	})
	h := JWTAuth(cfg, []string{"/health"}, zaptest.NewLogger(t))(inner)

	withToken := func(tok string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		return r
	}

	t.Run("valid token", func(t *testing.T) {
		tok := signHS256(t, cfg.Secret, jwt.MapClaims{
			"sub":   "node-a",
			"iss":   "swarm",
			"roles": []string{"operator"},
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		w := serve(h, withToken(tok))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "node-a", subject)
		assert.Equal(t, []string{"operator"}, roles)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		tok := signHS256(t, cfg.Secret, jwt.MapClaims{"sub": "x", "iss": "other"})
		assert.Equal(t, http.StatusUnauthorized, serve(h, withToken(tok)).Code)
	})

	t.Run("expired", func(t *testing.T) {
		tok := signHS256(t, cfg.Secret, jwt.MapClaims{
			"sub": "x", "iss": "swarm", "exp": time.Now().Add(-time.Minute).Unix(),
		})
		assert.Equal(t, http.StatusUnauthorized, serve(h, withToken(tok)).Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok := signHS256(t, "other", jwt.MapClaims{"sub": "x", "iss": "swarm"})
		assert.Equal(t, http.StatusUnauthorized, serve(h, withToken(tok)).Code)
	})

	t.Run("missing header", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
	})

	t.Run("skip path", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	})
}

func TestRequireRole(t *testing.T) {
	h := RequireRole("operator", true)(okHandler())

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)).Code)

	w := serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/nodes", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/nodes", nil)
	r = r.WithContext(ctxkeys.WithRoles(r.Context(), []string{"viewer", "operator"}))
	assert.Equal(t, http.StatusOK, serve(h, r).Code)
}

func TestMetricsMiddleware_NilCollector(t *testing.T) {
	h := MetricsMiddleware(nil)(okHandler())
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)).Code)
}
