// Package admin serves the hypervisor's local HTTP API: update
// planning and execution, model switching, status and history queries,
// the websocket event stream, and the Prometheus scrape endpoint.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/m87-labs/moondream-station/internal/config"
	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/events"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/orchestrator"
	"github.com/m87-labs/moondream-station/internal/registry"
	"github.com/m87-labs/moondream-station/pkg/middleware"
)

// Updater is the orchestrator surface the admin API drives.
type Updater interface {
	CheckUpdates(ctx context.Context) ([]orchestrator.Plan, error)
	RequestUpdate(ctx context.Context, c registry.Component, confirmed bool) (*orchestrator.Response, error)
	UpdateAll(ctx context.Context, confirmed bool) (*orchestrator.AllResponse, error)
	UseModel(ctx context.Context, modelID string, confirmed bool) (*orchestrator.ModelResponse, error)
	RefreshManifest(ctx context.Context) (*manifest.Manifest, error)
	Reset(ctx context.Context, confirmed bool) error
	Phases() map[string]string
}

// HealthChecker reports whether a managed process currently answers its
// port probe.
type HealthChecker interface {
	Health(c registry.Component) bool
}

// Ledger is the slice of the history store the API reads.
type Ledger interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	ForComponent(ctx context.Context, component string, limit int) ([]history.Entry, error)
}

// Options wires a Server. Config, Updater, Registry, and Events are
// required; the rest default to quiet stand-ins.
type Options struct {
	Config    *config.Config
	Updater   Updater
	Registry  *registry.Registry
	Manifests *manifest.Repository
	Processes HealthChecker
	Events    *events.Hub
	History   Ledger
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Server is the admin HTTP API.
type Server struct {
	cfg     *config.Config
	orch    Updater
	reg     *registry.Registry
	repo    *manifest.Repository
	sup     HealthChecker
	hub     *events.Hub
	hist    Ledger
	metrics *Metrics
	logger  *slog.Logger
	router  chi.Router
}

// New assembles the server and its route table.
func New(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		orch:    opts.Updater,
		reg:     opts.Registry,
		repo:    opts.Manifests,
		sup:     opts.Processes,
		hub:     opts.Events,
		hist:    opts.History,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.router = s.routes()
	return s
}

// ServeHTTP dispatches to the route table.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes builds the chi router. The event stream is excluded from the
// request middleware so open sockets do not sit in the in-flight gauge
// or produce unbounded spans.
func (s *Server) routes() chi.Router {
	notEvents := func(r *http.Request) bool {
		return r.URL.Path != "/v1/events"
	}

	r := chi.NewRouter()
	r.Use(middleware.OpenTelemetry(
		middleware.WithTracerName("moondream-admin"),
		middleware.WithTraceFilter(notEvents),
	))
	r.Use(middleware.Prometheus(
		middleware.WithRegistry(s.metrics.Registry()),
		middleware.WithMetricsFilter(notEvents),
	))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/v1/events", s.hub.Handler)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Get("/updates", s.handleCheckUpdates)
		r.Post("/updates", s.handleUpdateAll)
		r.Post("/updates/{name}", s.handleUpdateComponent)
		r.Get("/config", s.handleConfig)
		r.Get("/status", s.handleStatus)
		r.Get("/models", s.handleModels)
		r.Post("/models/active", s.handleUseModel)
		r.Post("/manifest/refresh", s.handleManifestRefresh)
		r.Get("/history", s.handleHistory)
		r.Post("/metrics", s.handleMetricsToggle)
		r.Post("/reset", s.handleReset)
	})

	return r
}

// Run serves the API on the configured admin port until ctx is
// cancelled. The listener binds loopback only; the station API is not
// meant to leave the machine.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              "127.0.0.1:" + strconv.Itoa(s.cfg.AdminPort),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("admin api listening", "addr", srv.Addr)

	select {
	case err := <-errc:
		return errors.Newf(errors.CategoryProcess, "admin server stopped").Wrap(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Quick())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
