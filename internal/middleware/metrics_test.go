package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type observation struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

type captured struct {
	mu  sync.Mutex
	obs []observation
}

func (c *captured) all() []observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]observation(nil), c.obs...)
}

// captureRequests swaps the metrics sink for the duration of the test.
func captureRequests(t *testing.T) *captured {
	t.Helper()

	c := &captured{}
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.obs = append(c.obs, observation{method, endpoint, status, duration})
	}
	t.Cleanup(func() { recordHTTPRequest = original })

	return c
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusAccepted, http.StatusNotFound, http.StatusServiceUnavailable} {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

		rw.WriteHeader(code)

		assert.Equal(t, code, rw.statusCode)
		assert.Equal(t, code, rec.Code)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"/api/tasks/5f0c6d1e-aa11-4c3b-9d2e-7b1f00c0ffee":      "/api/tasks/:id",
		"/api/tasks/5f0c6d1e-aa11-4c3b-9d2e-7b1f00c0ffee/jobs": "/api/tasks/:id/jobs",
		"/api/tasks/abc/other":                                 "/api/tasks/abc/other",
		"/api/tasks/":                                          "/api/tasks/",
		"/api/tasks":                                           "/api/tasks",
		"/api/dashboard/history":                               "/api/dashboard/history",
		"/metrics":                                             "/metrics",
		"/health":                                              "/health",
	}

	for path, want := range cases {
		assert.Equal(t, want, normalizeEndpoint(path), path)
	}
}

func TestMetricsMiddleware_RecordsOnePerRequest(t *testing.T) {
	c := captureRequests(t)

	handler := MetricsMiddleware(statusHandler(http.StatusAccepted))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	obs := c.all()
	require.Len(t, obs, 1)
	assert.Equal(t, http.MethodPost, obs[0].method)
	assert.Equal(t, "/api/tasks", obs[0].endpoint)
	assert.Equal(t, "202", obs[0].status)
}

func TestMetricsMiddleware_GroupsTaskIDs(t *testing.T) {
	c := captureRequests(t)

	handler := MetricsMiddleware(statusHandler(http.StatusNotFound))
	for _, path := range []string{"/api/tasks/a", "/api/tasks/b", "/api/tasks/c/jobs"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	obs := c.all()
	require.Len(t, obs, 3)
	assert.Equal(t, "/api/tasks/:id", obs[0].endpoint)
	assert.Equal(t, "/api/tasks/:id", obs[1].endpoint)
	assert.Equal(t, "/api/tasks/:id/jobs", obs[2].endpoint)
	assert.Equal(t, "404", obs[2].status)
}

func TestMetricsMiddleware_DefaultsToOK(t *testing.T) {
	c := captureRequests(t)

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	obs := c.all()
	require.Len(t, obs, 1)
	assert.Equal(t, "200", obs[0].status)
}

func TestMetricsMiddleware_MeasuresHandlerTime(t *testing.T) {
	c := captureRequests(t)

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/dashboard/stats", nil))

	obs := c.all()
	require.Len(t, obs, 1)
	assert.GreaterOrEqual(t, obs[0].duration, 20*time.Millisecond)
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	handler := LoggingMiddleware(zap.New(core))(statusHandler(http.StatusAccepted))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/tasks", nil))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, http.MethodPost, fields["method"])
	assert.Equal(t, "/api/tasks", fields["path"])
	assert.Equal(t, int64(http.StatusAccepted), fields["status"])
}

func TestMiddlewareChain(t *testing.T) {
	c := captureRequests(t)
	core, logs := observer.New(zapcore.InfoLevel)

	handler := LoggingMiddleware(zap.New(core))(MetricsMiddleware(statusHandler(http.StatusTeapot)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/x", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, c.all(), 1)
	assert.Equal(t, 1, logs.Len())
}
