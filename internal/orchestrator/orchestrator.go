// Package orchestrator drives component updates through their full
// lifecycle: plan, confirm, fetch, install, restart, verify.
//
// All mutating operations funnel through a single worker goroutine, so
// at most one update or model switch runs at a time system-wide.
// Requests for different components queue behind the running one;
// a second request for a component already mid-operation is rejected
// up front instead of queued twice. Unconfirmed requests only return a
// plan and never mutate anything.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/m87-labs/moondream-station/internal/config"
	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/events"
	"github.com/m87-labs/moondream-station/internal/fetch"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/registry"
	"github.com/m87-labs/moondream-station/internal/supervisor"
)

// Phase is a point in the update lifecycle. Phases are transient: a
// finished operation returns its component to PhaseIdle, and the
// lasting outcome lives in the registry status.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseCheckingUpdate Phase = "checking_update"
	PhaseApplying       Phase = "applying"
	PhaseRestarting     Phase = "restarting"
	PhaseVerifying      Phase = "verifying"
)

// Exit codes the hypervisor uses to talk to its launcher. Any other
// code tells the launcher to halt instead of respawning.
const (
	// ExitRestart asks the launcher to respawn the hypervisor after
	// the settle delay.
	ExitRestart = 0

	// ExitStaged tells the launcher a replacement launcher binary is
	// staged; it must install that over itself and re-exec before
	// respawning the hypervisor.
	ExitStaged = 99
)

// Outcomes carried in a Result.
const (
	ResultUpToDate   = "up_to_date"
	ResultUpdated    = "updated"
	ResultRestarting = "restarting"
	ResultStaged     = "staged"
	ResultFailed     = "failed"
)

// Plan previews what updating a component would do.
type Plan struct {
	Component        string `json:"component"`
	InstalledVersion string `json:"installed_version"`
	PendingVersion   string `json:"pending_version,omitempty"`
	Status           string `json:"status"`
	UpdateAvailable  bool   `json:"update_available"`
	RequiresRestart  bool   `json:"requires_restart"`
	RequiresExit     bool   `json:"requires_exit"`
}

// Result records the outcome of one applied operation.
type Result struct {
	Component   string `json:"component"`
	FromVersion string `json:"from_version,omitempty"`
	ToVersion   string `json:"to_version,omitempty"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// Response is the reply to a single-component update request.
type Response struct {
	Plan   Plan    `json:"plan"`
	Result *Result `json:"result,omitempty"`
}

// AllResponse is the reply to an update-all request.
type AllResponse struct {
	Plans   []Plan   `json:"plans"`
	Results []Result `json:"results,omitempty"`
	Failed  int      `json:"failed"`
}

// ProcessManager is the slice of the process supervisor the
// orchestrator drives. *supervisor.Supervisor satisfies it.
type ProcessManager interface {
	Start(ctx context.Context, c registry.Component, spec supervisor.Spec) (*supervisor.Handle, error)
	Stop(c registry.Component)
	Restart(ctx context.Context, c registry.Component, spec supervisor.Spec) (*supervisor.Handle, error)
	Adopt(c registry.Component, spec supervisor.Spec) (*supervisor.Handle, bool)
	Health(c registry.Component) bool
}

// Downloader fetches and verifies release artifacts. *fetch.Fetcher
// satisfies it.
type Downloader interface {
	Download(ctx context.Context, source, destPath, sum string) error
}

// Recorder receives update outcome measurements. The admin server
// installs a Prometheus-backed implementation; leaving it nil drops
// them.
type Recorder interface {
	ObserveUpdate(component, outcome string, elapsed time.Duration)
	SetUpToDate(component string, upToDate bool)
	ObserveManifestRefresh()
}

type nopRecorder struct{}

func (nopRecorder) ObserveUpdate(string, string, time.Duration) {}
func (nopRecorder) SetUpToDate(string, bool)                    {}
func (nopRecorder) ObserveManifestRefresh()                     {}

// Options wires an Orchestrator's collaborators.
type Options struct {
	Config    *config.Config
	Manifests *manifest.Repository
	Registry  *registry.Registry
	Processes ProcessManager
	Fetcher   Downloader
	Events    *events.Hub
	History   *history.Store
	Metrics   Recorder
	Logger    *slog.Logger

	// Root is the app directory component versions install into.
	Root string

	// RequestExit asks the hosting daemon to terminate with the given
	// exit code once staged work is safely on disk.
	RequestExit func(code int)
}

// Orchestrator owns all mutation of the component registry and the
// active model binding. Construct one per daemon and close it on
// shutdown.
type Orchestrator struct {
	cfg     *config.Config
	repo    *manifest.Repository
	reg     *registry.Registry
	sup     ProcessManager
	fetcher Downloader
	hub     *events.Hub
	hist    *history.Store
	rec     Recorder
	logger  *slog.Logger
	tracer  trace.Tracer
	root    string

	requestExit func(code int)
	extract     func(archivePath, destDir string) error
	exitDelay   time.Duration
	verifyEvery time.Duration

	mu        sync.Mutex
	phases    map[registry.Component]Phase
	inFlight  map[registry.Component]bool
	allBusy   bool
	exitCode  int
	exitSet   bool
	exitFired bool

	tasks     chan func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an Orchestrator and starts its worker goroutine.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Events
	if hub == nil {
		hub = events.NewHub(logger)
	}
	rec := opts.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}
	exit := opts.RequestExit
	if exit == nil {
		exit = func(int) {}
	}

	o := &Orchestrator{
		cfg:         opts.Config,
		repo:        opts.Manifests,
		reg:         opts.Registry,
		sup:         opts.Processes,
		fetcher:     opts.Fetcher,
		hub:         hub,
		hist:        opts.History,
		rec:         rec,
		logger:      logger,
		tracer:      otel.Tracer("moondream/orchestrator"),
		root:        opts.Root,
		requestExit: exit,
		extract:     fetch.ExtractTarGz,
		exitDelay:   500 * time.Millisecond,
		verifyEvery: 2 * time.Second,
		phases:      make(map[registry.Component]Phase),
		inFlight:    make(map[registry.Component]bool),
		tasks:       make(chan func(), 16),
		closed:      make(chan struct{}),
	}
	for _, c := range registry.All() {
		o.phases[c] = PhaseIdle
	}
	o.wg.Add(1)
	go o.work()
	return o
}

// Close stops the worker. Queued operations that have not started are
// dropped; a running one finishes first.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
	o.wg.Wait()
}

func (o *Orchestrator) work() {
	defer o.wg.Done()
	for {
		select {
		case <-o.closed:
			return
		case fn := <-o.tasks:
			fn()
			o.fireExitIfStaged()
		}
	}
}

func (o *Orchestrator) submit(fn func()) error {
	select {
	case o.tasks <- fn:
		return nil
	case <-o.closed:
		return errClosed()
	}
}

func errClosed() error {
	return errors.Newf(errors.CategoryUpdate, "orchestrator is shut down")
}

// Phase reports the lifecycle phase a component is currently in.
func (o *Orchestrator) Phase(c registry.Component) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phases[c]
}

// Phases returns every component's phase keyed by name.
func (o *Orchestrator) Phases() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.phases))
	for c, p := range o.phases {
		out[c.String()] = string(p)
	}
	return out
}

func (o *Orchestrator) setPhase(c registry.Component, p Phase) {
	o.mu.Lock()
	o.phases[c] = p
	o.mu.Unlock()
}

// acquire reserves the right to mutate one component. A component
// already mid-operation, or any operation while update-all holds the
// whole set, is rejected.
func (o *Orchestrator) acquire(c registry.Component) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.allBusy || o.inFlight[c] {
		return errors.New(errors.CodeAlreadyUpdating).WithComponent(c.String())
	}
	o.inFlight[c] = true
	return nil
}

func (o *Orchestrator) release(c registry.Component) {
	o.mu.Lock()
	delete(o.inFlight, c)
	o.mu.Unlock()
}

func (o *Orchestrator) acquireAll() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.allBusy || len(o.inFlight) > 0 {
		return errors.New(errors.CodeAlreadyUpdating).WithComponent("all")
	}
	o.allBusy = true
	return nil
}

func (o *Orchestrator) releaseAll() {
	o.mu.Lock()
	o.allBusy = false
	o.mu.Unlock()
}

func (o *Orchestrator) planFor(c registry.Component, st registry.State) Plan {
	return Plan{
		Component:        c.String(),
		InstalledVersion: st.InstalledVersion,
		PendingVersion:   st.PendingVersion,
		Status:           string(st.Status),
		UpdateAvailable:  st.Status == registry.StatusUpdateAvailable,
		RequiresRestart:  c != registry.CLI,
		RequiresExit:     c == registry.Hypervisor || c == registry.Bootstrap,
	}
}

// CheckUpdates refreshes the manifest, recomputes every component's
// status against it, and returns the resulting plans in check order.
// A failed fetch falls back to the cached snapshot; with no snapshot
// at all the fetch error is surfaced.
func (o *Orchestrator) CheckUpdates(ctx context.Context) ([]Plan, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.check_updates")
	defer span.End()

	for _, c := range registry.CheckOrder() {
		o.setPhase(c, PhaseCheckingUpdate)
	}
	defer func() {
		for _, c := range registry.CheckOrder() {
			if o.Phase(c) == PhaseCheckingUpdate {
				o.setPhase(c, PhaseIdle)
			}
		}
	}()

	m, err := o.repo.Fetch(ctx)
	if err != nil {
		if m = o.repo.Current(); m == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "manifest fetch failed")
			return nil, err
		}
		o.logger.Warn("checking against cached manifest", "error", err)
	} else {
		o.hub.ManifestRefreshed(m.ManifestVersion)
		o.rec.ObserveManifestRefresh()
	}

	o.reg.Refresh(m)

	order := registry.CheckOrder()
	plans := make([]Plan, 0, len(order))
	for _, c := range order {
		st, _ := o.reg.Get(c)
		plans = append(plans, o.planFor(c, st))
		o.rec.SetUpToDate(c.String(), st.Status == registry.StatusUpToDate)
	}
	return plans, nil
}

// RefreshManifest forces a manifest fetch and recomputes component
// statuses. Unlike CheckUpdates it surfaces the fetch failure instead
// of falling back to the cached snapshot.
func (o *Orchestrator) RefreshManifest(ctx context.Context) (*manifest.Manifest, error) {
	m, err := o.repo.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	o.reg.Refresh(m)
	o.hub.ManifestRefreshed(m.ManifestVersion)
	o.rec.ObserveManifestRefresh()
	return m, nil
}

// RequestUpdate previews or applies an update for one component.
//
// Unconfirmed requests return the plan and mutate nothing. Confirmed
// requests for a component with no pending version return an
// up-to-date result without touching disk. Otherwise the operation is
// queued and RequestUpdate blocks until it finishes or ctx ends.
// Abandoning the wait does not cancel the operation once it is
// applying.
func (o *Orchestrator) RequestUpdate(ctx context.Context, c registry.Component, confirmed bool) (*Response, error) {
	st, ok := o.reg.Get(c)
	if !ok {
		return nil, errors.New(errors.CodeUnknownComponent).
			WithDetail("component %q is not tracked", c.String())
	}
	if !confirmed {
		return &Response{Plan: o.planFor(c, st)}, nil
	}

	if err := o.acquire(c); err != nil {
		return nil, err
	}

	// Re-read under the reservation: the status may have moved while
	// another operation held the component.
	st, _ = o.reg.Get(c)
	plan := o.planFor(c, st)
	switch st.Status {
	case registry.StatusUpdateAvailable:
	case registry.StatusUpdating:
		// A staged swap is waiting for the daemon restart.
		o.release(c)
		return nil, errors.New(errors.CodeAlreadyUpdating).WithComponent(c.String())
	case registry.StatusUpToDate:
		o.release(c)
		return &Response{Plan: plan, Result: &Result{
			Component:   c.String(),
			FromVersion: st.InstalledVersion,
			ToVersion:   st.InstalledVersion,
			Outcome:     ResultUpToDate,
		}}, nil
	default:
		// Failed or unknown: nothing applicable until the next check
		// recomputes the status.
		o.release(c)
		return &Response{Plan: plan}, nil
	}

	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)
	err := o.submit(func() {
		res, err := o.apply(context.Background(), c)
		o.release(c)
		ch <- reply{res, err}
	})
	if err != nil {
		o.release(c)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &Response{Plan: plan, Result: r.res}, nil
	case <-ctx.Done():
		return nil, errors.Newf(errors.CategoryUpdate, "no longer waiting for %s update", c).
			WithComponent(c.String()).Wrap(ctx.Err())
	case <-o.closed:
		return nil, errClosed()
	}
}

// UpdateAll previews or applies every available update in apply order,
// restart-free components first so a staged daemon exit lands last.
// Component failures do not stop the run; they are counted and the
// remaining components still apply.
func (o *Orchestrator) UpdateAll(ctx context.Context, confirmed bool) (*AllResponse, error) {
	order := registry.ApplyOrder()
	plans := make([]Plan, 0, len(order))
	for _, c := range order {
		st, _ := o.reg.Get(c)
		plans = append(plans, o.planFor(c, st))
	}
	if !confirmed {
		return &AllResponse{Plans: plans}, nil
	}

	if err := o.acquireAll(); err != nil {
		return nil, err
	}

	ch := make(chan *AllResponse, 1)
	err := o.submit(func() {
		defer o.releaseAll()
		out := &AllResponse{Plans: plans}
		for _, c := range registry.ApplyOrder() {
			st, ok := o.reg.Get(c)
			if !ok || st.Status != registry.StatusUpdateAvailable {
				continue
			}
			res, err := o.apply(context.Background(), c)
			if err != nil {
				out.Failed++
				out.Results = append(out.Results, Result{
					Component:   c.String(),
					FromVersion: st.InstalledVersion,
					ToVersion:   st.PendingVersion,
					Outcome:     ResultFailed,
					Detail:      err.Error(),
				})
				continue
			}
			out.Results = append(out.Results, *res)
		}
		ch <- out
	})
	if err != nil {
		o.releaseAll()
		return nil, err
	}

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return nil, errors.Newf(errors.CategoryUpdate, "no longer waiting for update-all").Wrap(ctx.Err())
	case <-o.closed:
		return nil, errClosed()
	}
}

// EnsureInference brings the configured inference client online at
// daemon start, adopting a survivor from the previous run when its
// port still answers.
func (o *Orchestrator) EnsureInference(ctx context.Context) error {
	model, client := o.cfg.Active("model"), o.cfg.Active("inference-client")
	if model == "" || client == "" {
		o.logger.Info("no active model configured, inference not started")
		return nil
	}
	spec := o.inferenceSpec(client, model)
	if h, ok := o.sup.Adopt(registry.InferenceClient, spec); ok {
		o.logger.Info("inference client adopted from previous run", "pid", h.PID)
		return nil
	}
	_, err := o.sup.Start(ctx, registry.InferenceClient, spec)
	return err
}

// Reset wipes the app directory and schedules a daemon exit so the
// launcher reinstalls everything from the manifest. It refuses to run
// unconfirmed.
func (o *Orchestrator) Reset(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return errors.New(errors.CodeConfirmRequired).
			WithDetail("reset discards every installed component and setting")
	}
	if err := o.acquireAll(); err != nil {
		return err
	}

	ch := make(chan error, 1)
	err := o.submit(func() {
		defer o.releaseAll()
		o.logger.Warn("resetting station, removing all local state", "root", o.root)
		o.sup.Stop(registry.InferenceClient)
		if err := o.removeRoot(); err != nil {
			ch <- err
			return
		}
		o.scheduleExit(ExitRestart)
		ch <- nil
	})
	if err != nil {
		o.releaseAll()
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return errors.Newf(errors.CategoryUpdate, "no longer waiting for reset").Wrap(ctx.Err())
	case <-o.closed:
		return errClosed()
	}
}

func (o *Orchestrator) appendHistory(ctx context.Context, e history.Entry) {
	if o.hist == nil {
		return
	}
	if err := o.hist.Append(ctx, e); err != nil {
		o.logger.Warn("could not record update history", "component", e.Component, "error", err)
	}
}
