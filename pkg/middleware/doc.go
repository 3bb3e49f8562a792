// Package middleware provides observability middleware for the station
// admin HTTP server.
//
// This package includes:
//   - OpenTelemetry request tracing middleware
//   - Prometheus metrics middleware
//
// # OpenTelemetry Middleware
//
// The OpenTelemetry middleware traces every admin request, recording the
// method, matched route, and response status:
//
//	r := chi.NewRouter()
//	r.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("moondream-admin"),
//	))
//
// The tracer comes from the global OpenTelemetry tracer provider.
// Configure one in main() before starting the server; without it the
// middleware is a cheap no-op.
//
// # Prometheus Metrics
//
// The Prometheus middleware collects request metrics:
//   - moondream_admin_requests_total: Counter of requests by route, method, and status
//   - moondream_admin_request_duration_seconds: Histogram of request duration by route
//   - moondream_admin_requests_in_flight: Gauge of requests currently being served
//
//	reg := prometheus.NewRegistry()
//	r.Use(middleware.Prometheus(
//	    middleware.WithRegistry(reg),
//	))
//
// Long-lived connections such as the event stream should be excluded so
// they do not pin the in-flight gauge:
//
//	middleware.Prometheus(
//	    middleware.WithRegistry(reg),
//	    middleware.WithMetricsFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/v1/events"
//	    }),
//	)
//
// Both middlewares label by the chi route pattern rather than the raw
// URL path, keeping metric cardinality bounded when paths carry
// parameters.
package middleware
