package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusMiddleware_RecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := chi.NewRouter()
	r.Use(Prometheus(WithRegistry(reg)))
	r.Get("/v1/admin/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Post("/v1/admin/updates/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	t.Run("success labels route, method, and status", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/status", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}

		labels := map[string]string{"route": "/v1/admin/status", "method": "GET", "status": "200"}
		if got := counterValue(t, reg, "moondream_admin_requests_total", labels); got != 1 {
			t.Errorf("requests_total = %v, want 1", got)
		}
		durLabels := map[string]string{"route": "/v1/admin/status", "method": "GET"}
		if got := histogramSampleCount(t, reg, "moondream_admin_request_duration_seconds", durLabels); got != 1 {
			t.Errorf("request_duration_seconds sample count = %v, want 1", got)
		}
		if got := gaugeValue(t, reg, "moondream_admin_requests_in_flight"); got != 0 {
			t.Errorf("requests_in_flight after request = %v, want 0", got)
		}
	})

	t.Run("parameterized routes use the pattern, not the raw path", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/updates/cli", nil))
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
		}

		labels := map[string]string{"route": "/v1/admin/updates/{name}", "method": "POST", "status": "409"}
		if got := counterValue(t, reg, "moondream_admin_requests_total", labels); got != 1 {
			t.Errorf("requests_total = %v, want 1", got)
		}
		if m := findMetric(t, reg, "moondream_admin_requests_total", map[string]string{"route": "/v1/admin/updates/cli"}); m != nil {
			t.Error("expected no sample labeled with the raw path")
		}
	})

	t.Run("unmatched paths fall back to the raw path", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
		}

		labels := map[string]string{"route": "/nope", "method": "GET", "status": "404"}
		if got := counterValue(t, reg, "moondream_admin_requests_total", labels); got != 1 {
			t.Errorf("requests_total = %v, want 1", got)
		}
	})
}

func TestPrometheusMiddleware_TracksInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	var during float64
	r := chi.NewRouter()
	r.Use(Prometheus(WithRegistry(reg)))
	r.Get("/v1/admin/status", func(w http.ResponseWriter, r *http.Request) {
		during = gaugeValue(t, reg, "moondream_admin_requests_in_flight")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/admin/status", nil))

	if during != 1 {
		t.Errorf("requests_in_flight during request = %v, want 1", during)
	}
	if got := gaugeValue(t, reg, "moondream_admin_requests_in_flight"); got != 0 {
		t.Errorf("requests_in_flight after request = %v, want 0", got)
	}
}

func TestPrometheusMiddleware_FilterSkipsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := chi.NewRouter()
	r.Use(Prometheus(
		WithRegistry(reg),
		WithMetricsFilter(func(r *http.Request) bool { return r.URL.Path != "/v1/events" }),
	))
	ok := func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }
	r.Get("/v1/events", ok)
	r.Get("/health", ok)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if m := findMetric(t, reg, "moondream_admin_requests_total", map[string]string{"route": "/v1/events"}); m != nil {
		t.Error("expected filtered route to record no samples")
	}
	if got := counterValue(t, reg, "moondream_admin_requests_total", map[string]string{"route": "/health"}); got != 1 {
		t.Errorf("requests_total for unfiltered route = %v, want 1", got)
	}
}

func TestPrometheusMiddleware_CustomNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := chi.NewRouter()
	r.Use(Prometheus(
		WithRegistry(reg),
		WithNamespace("station"),
		WithSubsystem(""),
	))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if got := counterValue(t, reg, "station_requests_total", map[string]string{"route": "/health"}); got != 1 {
		t.Errorf("station_requests_total = %v, want 1", got)
	}
}

func TestPrometheusMiddleware_PreservesHijackAndFlush(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := chi.NewRouter()
	r.Use(Prometheus(WithRegistry(reg)))

	var hijackable, flushable bool
	r.Get("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		_, hijackable = w.(http.Hijacker)
		_, flushable = w.(http.Flusher)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/events", nil))

	if !hijackable {
		t.Error("expected the wrapped writer to expose http.Hijacker")
	}
	if !flushable {
		t.Error("expected the wrapped writer to expose http.Flusher")
	}
}
