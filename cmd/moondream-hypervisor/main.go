package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/m87-labs/moondream-station/internal/admin"
	"github.com/m87-labs/moondream-station/internal/config"
	"github.com/m87-labs/moondream-station/internal/events"
	"github.com/m87-labs/moondream-station/internal/fetch"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/orchestrator"
	"github.com/m87-labs/moondream-station/internal/registry"
	"github.com/m87-labs/moondream-station/internal/supervisor"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// healthProbeInterval is how often the inference runtime's readiness is
// probed for the event stream.
const healthProbeInterval = 15 * time.Second

func main() {
	var (
		configPath string
		debug      bool
	)
	exitCode := 0

	rootCmd := &cobra.Command{
		Use:   "moondream-hypervisor",
		Short: "Moondream Station supervisor daemon",
		Long: `The hypervisor is the long-running heart of Moondream Station.

It serves the admin API on port 2020, keeps the inference runtime
alive on port 20200, checks the release manifest for component
updates, and applies confirmed updates one at a time.

It is normally launched by moondream-bootstrap, which respawns it
after a restart-requiring update. Exit code 0 asks the launcher to
respawn; 99 tells it a replacement launcher binary is staged; any
other code halts the station.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := run(configPath, debug)
			exitCode = code
			return err
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config.json (default under the station data directory)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Log at debug level")
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "moondream-hypervisor: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moondream-hypervisor %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func run(configPath string, debug bool) (int, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return 1, err
	}
	if err := cfg.Validate(); err != nil {
		return 1, err
	}

	root, err := config.AppDir()
	if err != nil {
		return 1, err
	}

	st, err := newStation(cfg, root, logger)
	if err != nil {
		return 1, err
	}
	defer st.close()

	return st.run(context.Background())
}

// station owns every long-lived collaborator of the daemon. It is
// built once in main and torn down on exit; nothing here lives in
// package-level state.
type station struct {
	cfg    *config.Config
	logger *slog.Logger

	repo    *manifest.Repository
	reg     *registry.Registry
	sup     *supervisor.Supervisor
	hub     *events.Hub
	hist    *history.Store
	metrics *admin.Metrics
	orch    *orchestrator.Orchestrator
	api     *admin.Server

	exitc chan int
}

func newStation(cfg *config.Config, root string, logger *slog.Logger) (*station, error) {
	st := &station{cfg: cfg, logger: logger, exitc: make(chan int, 1)}

	fetcher := fetch.New(fetch.WithLogger(logger))
	st.repo = manifest.NewRepository(cfg.ManifestURL, cfg.ManifestPath(), fetcher, logger)
	st.reg = registry.New(cfg, logger)
	st.hub = events.NewHub(logger)

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return nil, err
	}
	st.hist = hist

	st.sup = supervisor.New(
		supervisor.WithLogger(logger),
		supervisor.WithStopGrace(cfg.Timeouts.Quick()),
		supervisor.WithSettle(cfg.Timeouts.Settle()),
		supervisor.WithExitHandler(func(c registry.Component, err error) {
			if err != nil {
				logger.Warn("managed process exited", "component", c.String(), "error", err)
			}
			st.hub.ProcessHealth(c.String(), false)
		}),
	)

	st.metrics = admin.NewMetrics()

	st.orch = orchestrator.New(orchestrator.Options{
		Config:      cfg,
		Manifests:   st.repo,
		Registry:    st.reg,
		Processes:   st.sup,
		Fetcher:     fetcher,
		Events:      st.hub,
		History:     st.hist,
		Metrics:     st.metrics,
		Logger:      logger,
		Root:        root,
		RequestExit: st.requestExit,
	})

	st.api = admin.New(admin.Options{
		Config:    cfg,
		Updater:   st.orch,
		Registry:  st.reg,
		Manifests: st.repo,
		Processes: st.sup,
		Events:    st.hub,
		History:   st.hist,
		Metrics:   st.metrics,
		Logger:    logger,
	})

	return st, nil
}

// requestExit records the exit code the orchestrator wants the daemon
// to terminate with. The first request wins.
func (st *station) requestExit(code int) {
	select {
	case st.exitc <- code:
	default:
	}
}

// run boots the station and serves until a signal arrives or the
// orchestrator requests an exit. The returned code is the process exit
// status the launcher reads.
func (st *station) run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st.boot(ctx)

	apiErr := make(chan error, 1)
	go func() { apiErr <- st.api.Run(ctx) }()

	go st.sup.Watch(ctx, registry.InferenceClient, healthProbeInterval, func(healthy bool) {
		st.hub.ProcessHealth(registry.InferenceClient.String(), healthy)
	})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	st.logger.Info("hypervisor running",
		"version", version,
		"admin", st.cfg.AdminURL(),
		"inference", st.cfg.InferenceURL)

	select {
	case code := <-st.exitc:
		// Update-driven exit. Children stay alive so the successor
		// daemon can adopt a surviving inference runtime.
		st.logger.Info("exit requested", "code", code)
		cancel()
		if err := <-apiErr; err != nil {
			st.logger.Warn("admin server shutdown", "error", err)
		}
		return code, nil

	case sig := <-sigc:
		st.logger.Info("shutting down", "signal", sig.String())
		cancel()
		if err := <-apiErr; err != nil {
			st.logger.Warn("admin server shutdown", "error", err)
		}
		st.sup.StopAll()
		return 0, nil

	case err := <-apiErr:
		st.sup.StopAll()
		return 1, err
	}
}

// boot brings the station to its serving state: manifest snapshot,
// component statuses, completion of an update staged by the previous
// daemon, and the inference runtime.
func (st *station) boot(ctx context.Context) {
	if err := st.repo.LoadLocal(); err != nil {
		st.logger.Warn("manifest snapshot on disk is unusable", "error", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, st.cfg.Timeouts.Standard())
	if _, err := st.repo.Fetch(fetchCtx); err != nil {
		st.logger.Warn("manifest refresh failed, continuing with cached snapshot", "error", err)
	}
	cancel()

	st.reg.Refresh(st.repo.Current())

	results, err := st.orch.CompletePending(ctx)
	if err != nil {
		st.logger.Warn("completing staged update failed", "error", err)
	}
	for _, r := range results {
		st.logger.Info("staged update completed",
			"component", r.Component, "to", r.ToVersion, "outcome", r.Outcome)
	}

	if err := st.orch.EnsureInference(ctx); err != nil {
		st.logger.Warn("inference runtime did not start", "error", err)
	}
}

func (st *station) close() {
	st.orch.Close()
	st.hub.Close()
	if err := st.hist.Close(); err != nil {
		st.logger.Warn("closing history store", "error", err)
	}
}
