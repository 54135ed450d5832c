package metrics

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	t.Parallel()
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/processes/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processes/p-42", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
	require.Equal(t, 1, observedRoutes(t, http.MethodGet, "/api/processes/{id}"))
}

func TestMiddlewareWithoutRouteContext(t *testing.T) {
	t.Parallel()
	Init()

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/bare", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.GreaterOrEqual(t, observedRoutes(t, http.MethodDelete, "unknown"), 1)
}

func TestMiddlewareFlushPassesThrough(t *testing.T) {
	t.Parallel()
	Init()

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok, "wrapped writer must expose http.Flusher")
		_, _ = w.Write([]byte("chunk"))
		f.Flush()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))

	require.True(t, rec.Flushed)
	require.Equal(t, "chunk", rec.Body.String())
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	conn net.Conn
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn))
	return h.conn, rw, nil
}

func TestMiddlewareHijackPassesThrough(t *testing.T) {
	t.Parallel()
	Init()

	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "101"))
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok, "wrapped writer must expose http.Hijacker")
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		require.Same(t, server, conn)
	}))
	h.ServeHTTP(&hijackRecorder{ResponseRecorder: httptest.NewRecorder(), conn: server},
		httptest.NewRequest(http.MethodGet, "/ws", nil))

	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "101")), 0)
}

func TestMiddlewareHijackUnsupported(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")
	require.Equal(t, http.StatusOK, rw.status)
}

// observedRoutes reports how many durations were recorded for method and route.
func observedRoutes(t *testing.T, method, route string) int {
	t.Helper()
	metric, ok := httpRequestDurationSeconds.WithLabelValues(method, route).(prometheus.Metric)
	require.True(t, ok)
	var m dto.Metric
	require.NoError(t, metric.Write(&m))
	return int(m.GetHistogram().GetSampleCount())
}
