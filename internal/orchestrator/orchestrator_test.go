package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m87-labs/moondream-station/internal/config"
	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/events"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/registry"
	"github.com/m87-labs/moondream-station/internal/supervisor"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		ManifestVersion:   "station-0.2",
		ManifestDate:      "2025-05-01",
		CurrentBootstrap:  manifest.ComponentRelease{Version: "v0.0.2", URL: "https://releases.test/bootstrap.tar.gz"},
		CurrentHypervisor: manifest.ComponentRelease{Version: "v0.0.2", URL: "https://releases.test/hypervisor.tar.gz"},
		CurrentCLI:        manifest.ComponentRelease{Version: "v0.1.1", URL: "https://releases.test/cli.tar.gz"},
		InferenceClients: map[string]manifest.InferenceClient{
			"v0.1.0": {Date: "2025-03-01", URL: "https://releases.test/client-v0.1.0.tar.gz"},
			"v0.2.0": {Date: "2025-04-01", URL: "https://releases.test/client-v0.2.0.tar.gz"},
		},
		Models: map[string]map[string]manifest.ModelEntry{
			"2b": {
				"moondream-2b-2025-04-14": {
					RevisionID: "2025-04-14", InferenceClient: "v0.1.0", Size: "2b", ReleaseDate: "2025-04-14",
				},
				"moondream-2b-2025-04-14-4bit": {
					RevisionID: "2025-04-14-4bit", InferenceClient: "v0.2.0", Size: "2b", ReleaseDate: "2025-04-14",
				},
			},
		},
	}
}

type stubGetter struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (g *stubGetter) Get(ctx context.Context, source string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.data, nil
}

type fakeProcs struct {
	mu              sync.Mutex
	healthy         bool
	adoptOK         bool
	healWithRestart bool
	failRestarts    int
	starts          []supervisor.Spec
	restarts        []supervisor.Spec
	stops           []registry.Component
	adopts          []registry.Component
}

func (f *fakeProcs) Start(ctx context.Context, c registry.Component, spec supervisor.Spec) (*supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, spec)
	return &supervisor.Handle{Component: c, PID: 1234}, nil
}

func (f *fakeProcs) Stop(c registry.Component) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, c)
}

func (f *fakeProcs) Restart(ctx context.Context, c registry.Component, spec supervisor.Spec) (*supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, spec)
	if f.failRestarts > 0 {
		f.failRestarts--
		return nil, errors.New(errors.CodeProcessStart).WithComponent(c.String())
	}
	if f.healWithRestart {
		f.healthy = true
	}
	return &supervisor.Handle{Component: c, PID: 1234}, nil
}

func (f *fakeProcs) Adopt(c registry.Component, spec supervisor.Spec) (*supervisor.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopts = append(f.adopts, c)
	if !f.adoptOK {
		return nil, false
	}
	return &supervisor.Handle{Component: c, Adopted: true}, true
}

func (f *fakeProcs) Health(c registry.Component) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeProcs) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

type fakeFetcher struct {
	mu        sync.Mutex
	downloads []string
	err       error
}

func (f *fakeFetcher) Download(ctx context.Context, source, destPath, sum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.downloads = append(f.downloads, source)
	return os.WriteFile(destPath, []byte("archive"), 0o644)
}

func (f *fakeFetcher) sources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.downloads))
	copy(out, f.downloads)
	return out
}

// blockingFetcher holds every download until release is closed, so
// tests can observe in-flight operations.
type blockingFetcher struct {
	began   chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{began: make(chan struct{}), release: make(chan struct{})}
}

func (f *blockingFetcher) Download(ctx context.Context, source, destPath, sum string) error {
	f.once.Do(func() { close(f.began) })
	<-f.release
	return os.WriteFile(destPath, []byte("archive"), 0o644)
}

type fakeRecorder struct {
	mu        sync.Mutex
	updates   []string
	refreshes int
}

func (f *fakeRecorder) ObserveUpdate(component, outcome string, elapsed time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, component+":"+outcome)
}

func (f *fakeRecorder) SetUpToDate(component string, upToDate bool) {}

func (f *fakeRecorder) ObserveManifestRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

func (f *fakeRecorder) observed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.updates))
	copy(out, f.updates)
	return out
}

func (f *fakeRecorder) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type rig struct {
	o       *Orchestrator
	cfg     *config.Config
	reg     *registry.Registry
	repo    *manifest.Repository
	getter  *stubGetter
	procs   *fakeProcs
	fetcher *fakeFetcher
	rec     *fakeRecorder
	hist    *history.Store
	root    string
	exits   chan int
}

func newRig(t *testing.T) *rig {
	t.Helper()
	root := t.TempDir()
	logger := quiet()

	cfg, err := config.Load(filepath.Join(root, "data", "config.json"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.ActiveBootstrap = "v0.0.1"
	cfg.ActiveHypervisor = "v0.0.2"
	cfg.ActiveCLI = "v0.1.0"
	cfg.ActiveInferenceClient = "v0.1.0"
	cfg.ActiveModel = "2025-04-14"

	data, err := json.Marshal(testManifest())
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	getter := &stubGetter{data: data}
	repo := manifest.NewRepository("stub://manifest", "", getter, logger)
	m, err := repo.Fetch(context.Background())
	if err != nil {
		t.Fatalf("repo.Fetch: %v", err)
	}

	reg := registry.New(cfg, logger)
	reg.Refresh(m)

	hist, err := history.Open(filepath.Join(root, "data", "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	procs := &fakeProcs{healthy: true}
	fetcher := &fakeFetcher{}
	rec := &fakeRecorder{}
	exits := make(chan int, 2)

	o := New(Options{
		Config:      cfg,
		Manifests:   repo,
		Registry:    reg,
		Processes:   procs,
		Fetcher:     fetcher,
		Events:      events.NewHub(logger),
		History:     hist,
		Metrics:     rec,
		Logger:      logger,
		Root:        root,
		RequestExit: func(code int) { exits <- code },
	})
	o.exitDelay = time.Millisecond
	o.verifyEvery = 2 * time.Millisecond
	o.extract = func(archive, dest string) error {
		return os.WriteFile(filepath.Join(dest, inferenceBinary), []byte("stub"), 0o755)
	}
	t.Cleanup(o.Close)

	return &rig{
		o: o, cfg: cfg, reg: reg, repo: repo, getter: getter,
		procs: procs, fetcher: fetcher, rec: rec, hist: hist,
		root: root, exits: exits,
	}
}

func (r *rig) refresh(t *testing.T) {
	t.Helper()
	m := r.repo.Current()
	if m == nil {
		t.Fatal("no manifest snapshot")
	}
	r.reg.Refresh(m)
}

func waitExit(t *testing.T, exits chan int) int {
	t.Helper()
	select {
	case code := <-exits:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("no daemon exit requested")
		return -1
	}
}

func TestCheckUpdates(t *testing.T) {
	r := newRig(t)

	plans, err := r.o.CheckUpdates(context.Background())
	if err != nil {
		t.Fatalf("CheckUpdates: %v", err)
	}
	want := []string{"bootstrap", "hypervisor", "model", "cli"}
	if len(plans) != len(want) {
		t.Fatalf("got %d plans, want %d", len(plans), len(want))
	}
	for i, p := range plans {
		if p.Component != want[i] {
			t.Errorf("plans[%d].Component = %q, want %q", i, p.Component, want[i])
		}
	}
	if !plans[0].UpdateAvailable || plans[0].PendingVersion != "v0.0.2" {
		t.Errorf("bootstrap plan = %+v, want update to v0.0.2", plans[0])
	}
	if plans[1].UpdateAvailable {
		t.Errorf("hypervisor plan = %+v, want up to date", plans[1])
	}
	if got := r.rec.refreshCount(); got != 1 {
		t.Errorf("manifest refreshes = %d, want 1", got)
	}
}

func TestCheckUpdates_FetchFallsBackToSnapshot(t *testing.T) {
	r := newRig(t)
	r.getter.mu.Lock()
	r.getter.err = fmt.Errorf("network down")
	r.getter.mu.Unlock()

	plans, err := r.o.CheckUpdates(context.Background())
	if err != nil {
		t.Fatalf("CheckUpdates with cached snapshot: %v", err)
	}
	if len(plans) == 0 {
		t.Fatal("no plans from cached snapshot")
	}
}

func TestCheckUpdates_NoSnapshotSurfacesError(t *testing.T) {
	logger := quiet()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	repo := manifest.NewRepository("stub://manifest", "", &stubGetter{err: fmt.Errorf("boom")}, logger)
	o := New(Options{
		Config:    cfg,
		Manifests: repo,
		Registry:  registry.New(cfg, logger),
		Processes: &fakeProcs{},
		Fetcher:   &fakeFetcher{},
		Logger:    logger,
		Root:      t.TempDir(),
	})
	defer o.Close()

	if _, err := o.CheckUpdates(context.Background()); !errors.HasCode(err, errors.CodeManifestFetch) {
		t.Fatalf("CheckUpdates error = %v, want %s", err, errors.CodeManifestFetch)
	}
}

func TestRequestUpdate_PreviewDoesNotMutate(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.RequestUpdate(context.Background(), registry.Bootstrap, false)
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}
	if resp.Result != nil {
		t.Fatalf("unconfirmed request produced a result: %+v", resp.Result)
	}
	if !resp.Plan.UpdateAvailable || resp.Plan.PendingVersion != "v0.0.2" {
		t.Errorf("plan = %+v, want pending v0.0.2", resp.Plan)
	}
	if got := len(r.fetcher.sources()); got != 0 {
		t.Errorf("preview downloaded %d artifacts, want 0", got)
	}
	st, _ := r.reg.Get(registry.Bootstrap)
	if st.Status != registry.StatusUpdateAvailable {
		t.Errorf("status = %q, want %q", st.Status, registry.StatusUpdateAvailable)
	}
	if got := r.o.Phase(registry.Bootstrap); got != PhaseIdle {
		t.Errorf("phase = %q, want %q", got, PhaseIdle)
	}
}

func TestRequestUpdate_AlreadyCurrent(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.RequestUpdate(context.Background(), registry.Hypervisor, true)
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}
	if resp.Result == nil || resp.Result.Outcome != ResultUpToDate {
		t.Fatalf("result = %+v, want up_to_date", resp.Result)
	}
	if got := len(r.fetcher.sources()); got != 0 {
		t.Errorf("downloaded %d artifacts for a current component, want 0", got)
	}
	select {
	case code := <-r.exits:
		t.Fatalf("unexpected daemon exit %d", code)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRequestUpdate_CLI(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.RequestUpdate(context.Background(), registry.CLI, true)
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}
	if resp.Result == nil || resp.Result.Outcome != ResultUpdated {
		t.Fatalf("result = %+v, want updated", resp.Result)
	}
	if resp.Result.ToVersion != "v0.1.1" {
		t.Errorf("ToVersion = %q, want v0.1.1", resp.Result.ToVersion)
	}

	if _, err := os.Stat(filepath.Join(r.root, "cli", "v0.1.1")); err != nil {
		t.Errorf("cli install dir missing: %v", err)
	}
	if r.cfg.ActiveCLI != "v0.1.1" {
		t.Errorf("ActiveCLI = %q, want v0.1.1", r.cfg.ActiveCLI)
	}
	st, _ := r.reg.Get(registry.CLI)
	if st.Status != registry.StatusUpToDate {
		t.Errorf("status = %q, want %q", st.Status, registry.StatusUpToDate)
	}

	rows, err := r.hist.ForComponent(context.Background(), "cli", 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != history.OutcomeSuccess {
		t.Fatalf("history rows = %+v, want one success", rows)
	}
	found := false
	for _, u := range r.rec.observed() {
		if u == "cli:updated" {
			found = true
		}
	}
	if !found {
		t.Errorf("recorder observed %v, want cli:updated", r.rec.observed())
	}
}

func TestRequestUpdate_FetchFailureMarksFailed(t *testing.T) {
	r := newRig(t)
	r.fetcher.mu.Lock()
	r.fetcher.err = errors.New(errors.CodeArtifactFetch).WithDetail("unreachable")
	r.fetcher.mu.Unlock()

	_, err := r.o.RequestUpdate(context.Background(), registry.CLI, true)
	if !errors.HasCode(err, errors.CodeArtifactFetch) {
		t.Fatalf("error = %v, want %s", err, errors.CodeArtifactFetch)
	}
	st, _ := r.reg.Get(registry.CLI)
	if st.Status != registry.StatusFailed {
		t.Errorf("status = %q, want %q", st.Status, registry.StatusFailed)
	}
	rows, err := r.hist.ForComponent(context.Background(), "cli", 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != history.OutcomeFailed {
		t.Fatalf("history rows = %+v, want one failure", rows)
	}
}

func TestRequestUpdate_SameComponentRejected(t *testing.T) {
	r := newRig(t)
	bf := newBlockingFetcher()
	r.o.fetcher = bf

	errs := make(chan error, 1)
	go func() {
		_, err := r.o.RequestUpdate(context.Background(), registry.Bootstrap, true)
		errs <- err
	}()
	<-bf.began

	if _, err := r.o.RequestUpdate(context.Background(), registry.Bootstrap, true); !errors.HasCode(err, errors.CodeAlreadyUpdating) {
		t.Fatalf("duplicate request error = %v, want %s", err, errors.CodeAlreadyUpdating)
	}

	close(bf.release)
	if err := <-errs; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if code := waitExit(t, r.exits); code != ExitStaged {
		t.Errorf("exit code = %d, want %d", code, ExitStaged)
	}
}

func TestRequestUpdate_DifferentComponentsQueue(t *testing.T) {
	r := newRig(t)
	bf := newBlockingFetcher()
	r.o.fetcher = bf

	type outcome struct {
		resp *Response
		err  error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)
	go func() {
		resp, err := r.o.RequestUpdate(context.Background(), registry.CLI, true)
		first <- outcome{resp, err}
	}()
	<-bf.began

	go func() {
		resp, err := r.o.RequestUpdate(context.Background(), registry.Bootstrap, true)
		second <- outcome{resp, err}
	}()

	// The bootstrap request must be queued, not rejected.
	select {
	case out := <-second:
		t.Fatalf("queued request returned early: %+v, %v", out.resp, out.err)
	case <-time.After(20 * time.Millisecond):
	}

	close(bf.release)
	if out := <-first; out.err != nil || out.resp.Result.Outcome != ResultUpdated {
		t.Fatalf("cli request = %+v, %v", out.resp, out.err)
	}
	if out := <-second; out.err != nil || out.resp.Result.Outcome != ResultStaged {
		t.Fatalf("bootstrap request = %+v, %v", out.resp, out.err)
	}
}

func TestRequestUpdate_BootstrapStages(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.RequestUpdate(context.Background(), registry.Bootstrap, true)
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}
	if resp.Result == nil || resp.Result.Outcome != ResultStaged {
		t.Fatalf("result = %+v, want staged", resp.Result)
	}

	if _, err := os.Stat(filepath.Join(r.root, "staging", "bootstrap", inferenceBinary)); err != nil {
		t.Errorf("staged launcher missing: %v", err)
	}
	if len(r.procs.stops) != 1 || r.procs.stops[0] != registry.InferenceClient {
		t.Errorf("stops = %v, want inference client stopped", r.procs.stops)
	}

	// Completion belongs to the successor: nothing recorded yet.
	if r.cfg.ActiveBootstrap != "v0.0.1" {
		t.Errorf("ActiveBootstrap = %q, want v0.0.1 until the successor records it", r.cfg.ActiveBootstrap)
	}
	st, _ := r.reg.Get(registry.Bootstrap)
	if st.Status != registry.StatusUpdating {
		t.Errorf("status = %q, want %q", st.Status, registry.StatusUpdating)
	}

	pending, err := os.ReadFile(filepath.Join(r.root, "data", "pending_update.json"))
	if err != nil {
		t.Fatalf("pending marker: %v", err)
	}
	var staged []pendingUpdate
	if err := json.Unmarshal(pending, &staged); err != nil {
		t.Fatalf("pending marker decode: %v", err)
	}
	if len(staged) != 1 || staged[0].Component != "bootstrap" || staged[0].ToVersion != "v0.0.2" {
		t.Fatalf("staged = %+v, want bootstrap v0.0.2", staged)
	}

	if code := waitExit(t, r.exits); code != ExitStaged {
		t.Errorf("exit code = %d, want %d", code, ExitStaged)
	}
}

func TestRequestUpdate_HypervisorSchedulesRestart(t *testing.T) {
	r := newRig(t)
	r.cfg.ActiveHypervisor = "v0.0.1"
	r.refresh(t)

	resp, err := r.o.RequestUpdate(context.Background(), registry.Hypervisor, true)
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}
	if resp.Result == nil || resp.Result.Outcome != ResultRestarting {
		t.Fatalf("result = %+v, want restarting", resp.Result)
	}
	if _, err := os.Stat(filepath.Join(r.root, "hypervisor", "v0.0.2")); err != nil {
		t.Errorf("hypervisor install dir missing: %v", err)
	}
	// The inference process survives a hypervisor swap.
	if len(r.procs.stops) != 0 {
		t.Errorf("stops = %v, want none", r.procs.stops)
	}
	if code := waitExit(t, r.exits); code != ExitRestart {
		t.Errorf("exit code = %d, want %d", code, ExitRestart)
	}
}

func TestCompletePending(t *testing.T) {
	r := newRig(t)
	staged := []pendingUpdate{{
		Component:   "hypervisor",
		FromVersion: "v0.0.1",
		ToVersion:   "v0.0.2",
		URL:         "https://releases.test/hypervisor.tar.gz",
		StagedAt:    time.Now().UTC().Add(-3 * time.Second),
	}}
	data, _ := json.MarshalIndent(staged, "", "  ")
	if err := os.WriteFile(filepath.Join(r.root, "data", "pending_update.json"), data, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	results, err := r.o.CompletePending(context.Background())
	if err != nil {
		t.Fatalf("CompletePending: %v", err)
	}
	if len(results) != 1 || results[0].Component != "hypervisor" || results[0].Outcome != ResultUpdated {
		t.Fatalf("results = %+v, want one hypervisor completion", results)
	}
	if r.cfg.ActiveHypervisor != "v0.0.2" {
		t.Errorf("ActiveHypervisor = %q, want v0.0.2", r.cfg.ActiveHypervisor)
	}
	st, _ := r.reg.Get(registry.Hypervisor)
	if st.Status != registry.StatusUpToDate {
		t.Errorf("status = %q, want %q", st.Status, registry.StatusUpToDate)
	}
	if _, err := os.Stat(filepath.Join(r.root, "data", "pending_update.json")); !os.IsNotExist(err) {
		t.Errorf("marker still present after completion")
	}

	again, err := r.o.CompletePending(context.Background())
	if err != nil || again != nil {
		t.Fatalf("second CompletePending = %+v, %v, want nothing", again, err)
	}
}

func TestStagedVersion(t *testing.T) {
	root := t.TempDir()

	if _, ok := StagedVersion(root, "hypervisor"); ok {
		t.Error("StagedVersion found a swap with no marker on disk")
	}

	staged := []pendingUpdate{
		{Component: "bootstrap", FromVersion: "v0.0.1", ToVersion: "v0.0.2"},
		{Component: "hypervisor", FromVersion: "v0.0.1", ToVersion: "v0.0.3"},
	}
	data, _ := json.MarshalIndent(staged, "", "  ")
	if err := os.MkdirAll(filepath.Join(root, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "data", "pending_update.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, ok := StagedVersion(root, "hypervisor")
	if !ok || got != "v0.0.3" {
		t.Errorf("StagedVersion(hypervisor) = %q, %t, want v0.0.3, true", got, ok)
	}
	if got, ok := StagedVersion(root, "cli"); ok {
		t.Errorf("StagedVersion(cli) = %q, want no match", got)
	}
}

func TestUpdateAll_PreviewDoesNotMutate(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.UpdateAll(context.Background(), false)
	if err != nil {
		t.Fatalf("UpdateAll: %v", err)
	}
	if resp.Results != nil {
		t.Fatalf("unconfirmed update-all produced results: %+v", resp.Results)
	}
	if got := len(r.fetcher.sources()); got != 0 {
		t.Errorf("preview downloaded %d artifacts, want 0", got)
	}
}

func TestUpdateAll_AppliesInOrder(t *testing.T) {
	r := newRig(t)
	r.cfg.ActiveHypervisor = "v0.0.1"
	r.refresh(t)

	resp, err := r.o.UpdateAll(context.Background(), true)
	if err != nil {
		t.Fatalf("UpdateAll: %v", err)
	}
	if resp.Failed != 0 {
		t.Fatalf("failed = %d, results = %+v", resp.Failed, resp.Results)
	}

	var order []string
	for _, res := range resp.Results {
		order = append(order, res.Component+":"+res.Outcome)
	}
	want := []string{
		"model:" + ResultUpdated,
		"cli:" + ResultUpdated,
		"hypervisor:" + ResultRestarting,
		"bootstrap:" + ResultStaged,
	}
	if len(order) != len(want) {
		t.Fatalf("results = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("results[%d] = %q, want %q", i, order[i], want[i])
		}
	}

	// A staged launcher outranks the hypervisor's plain restart.
	if code := waitExit(t, r.exits); code != ExitStaged {
		t.Errorf("exit code = %d, want %d", code, ExitStaged)
	}
}

func TestUpdateAll_ContinuesPastFailure(t *testing.T) {
	r := newRig(t)
	// Model switch fails: required client v0.2.0 restart never goes
	// healthy within the budget.
	r.cfg.Timeouts.UpdateSeconds = 0
	r.procs.mu.Lock()
	r.procs.healthy = false
	r.procs.mu.Unlock()

	resp, err := r.o.UpdateAll(context.Background(), true)
	if err != nil {
		t.Fatalf("UpdateAll: %v", err)
	}
	if resp.Failed != 1 {
		t.Fatalf("failed = %d, want 1 (model)", resp.Failed)
	}
	if resp.Results[0].Component != "model" || resp.Results[0].Outcome != ResultFailed {
		t.Fatalf("results[0] = %+v, want failed model", resp.Results[0])
	}
	// The rest still applied.
	var applied []string
	for _, res := range resp.Results[1:] {
		applied = append(applied, res.Component)
	}
	want := []string{"cli", "bootstrap"}
	if len(applied) != len(want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Errorf("applied[%d] = %q, want %q", i, applied[i], want[i])
		}
	}
}

func TestEnsureInference_Adopts(t *testing.T) {
	r := newRig(t)
	r.procs.mu.Lock()
	r.procs.adoptOK = true
	r.procs.mu.Unlock()

	if err := r.o.EnsureInference(context.Background()); err != nil {
		t.Fatalf("EnsureInference: %v", err)
	}
	r.procs.mu.Lock()
	defer r.procs.mu.Unlock()
	if len(r.procs.adopts) != 1 {
		t.Fatalf("adopts = %v, want one", r.procs.adopts)
	}
	if len(r.procs.starts) != 0 {
		t.Errorf("starts = %v, want none after adoption", r.procs.starts)
	}
}

func TestEnsureInference_StartsWhenNothingSurvived(t *testing.T) {
	r := newRig(t)

	if err := r.o.EnsureInference(context.Background()); err != nil {
		t.Fatalf("EnsureInference: %v", err)
	}
	r.procs.mu.Lock()
	defer r.procs.mu.Unlock()
	if len(r.procs.starts) != 1 {
		t.Fatalf("starts = %v, want one", r.procs.starts)
	}
	spec := r.procs.starts[0]
	wantPath := filepath.Join(r.root, "inference-client", "v0.1.0", inferenceBinary)
	if spec.Path != wantPath {
		t.Errorf("spec.Path = %q, want %q", spec.Path, wantPath)
	}
	if len(spec.Args) < 2 || spec.Args[0] != "--model" || spec.Args[1] != "2025-04-14" {
		t.Errorf("spec.Args = %v, want --model 2025-04-14 first", spec.Args)
	}
}

func TestEnsureInference_NoActiveModel(t *testing.T) {
	r := newRig(t)
	r.cfg.ActiveModel = ""

	if err := r.o.EnsureInference(context.Background()); err != nil {
		t.Fatalf("EnsureInference: %v", err)
	}
	r.procs.mu.Lock()
	defer r.procs.mu.Unlock()
	if len(r.procs.starts) != 0 || len(r.procs.adopts) != 0 {
		t.Errorf("starts = %v, adopts = %v, want none", r.procs.starts, r.procs.adopts)
	}
}

func TestReset(t *testing.T) {
	r := newRig(t)

	if err := r.o.Reset(context.Background(), false); !errors.HasCode(err, errors.CodeConfirmRequired) {
		t.Fatalf("unconfirmed reset error = %v, want %s", err, errors.CodeConfirmRequired)
	}

	if err := r.o.Reset(context.Background(), true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := os.Stat(r.root); !os.IsNotExist(err) {
		t.Errorf("app dir still present after reset")
	}
	if code := waitExit(t, r.exits); code != ExitRestart {
		t.Errorf("exit code = %d, want %d", code, ExitRestart)
	}
}

func TestClose_RejectsNewWork(t *testing.T) {
	r := newRig(t)
	r.o.Close()

	if _, err := r.o.RequestUpdate(context.Background(), registry.Bootstrap, true); err == nil {
		t.Fatal("RequestUpdate after Close succeeded")
	}
}
