package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
)

// The module carries only the OpenTelemetry API, so these tests run
// against the default no-op tracer. They pin down the middleware
// mechanics: requests pass through intact, the filter short-circuits,
// and the extractor fires only for traced requests.

func TestOpenTelemetryMiddleware_PassesRequestThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(OpenTelemetry(WithTracerName("moondream-admin")))
	r.Get("/v1/admin/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/v1/admin/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	t.Run("success response intact", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/status", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Body.String(); got != "ok" {
			t.Errorf("body = %q, want %q", got, "ok")
		}
	})

	t.Run("error response intact", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/broken", nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})
}

func TestOpenTelemetryMiddleware_FilterSkipsTracing(t *testing.T) {
	nextCalled := false
	mw := OpenTelemetry(
		WithTraceFilter(func(r *http.Request) bool { return false }),
	)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.Write([]byte("ok"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything", nil))

	if !nextCalled {
		t.Fatal("expected next to be called when the filter skips tracing")
	}
	if got := w.Body.String(); got != "ok" {
		t.Errorf("body = %q, want %q", got, "ok")
	}
}

func TestOpenTelemetryMiddleware_ExtractorSeesOnlyTracedRequests(t *testing.T) {
	var extracted []string
	mw := OpenTelemetry(
		WithTraceFilter(func(r *http.Request) bool { return r.URL.Path != "/v1/events" }),
		WithAttributeExtractor(func(r *http.Request) []attribute.KeyValue {
			extracted = append(extracted, r.URL.Path)
			return []attribute.KeyValue{attribute.String("station.path", r.URL.Path)}
		}),
	)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/admin/status", nil))

	if len(extracted) != 1 || extracted[0] != "/v1/admin/status" {
		t.Errorf("extractor saw %v, want only /v1/admin/status", extracted)
	}
}

func TestOpenTelemetryMiddleware_PreservesHijackAndFlush(t *testing.T) {
	var hijackable, flushable bool
	mw := OpenTelemetry()
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hijackable = w.(http.Hijacker)
		_, flushable = w.(http.Flusher)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/events", nil))

	if !hijackable {
		t.Error("expected the wrapped writer to expose http.Hijacker")
	}
	if !flushable {
		t.Error("expected the wrapped writer to expose http.Flusher")
	}
}
