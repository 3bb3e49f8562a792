package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/registry"
	"github.com/m87-labs/moondream-station/internal/supervisor"
)

// inferenceBinary is the executable name inside an installed inference
// client directory.
const inferenceBinary = "inference"

// apply runs one component update on the worker goroutine. The state
// is re-read here because the manifest may have moved between enqueue
// and execution.
func (o *Orchestrator) apply(ctx context.Context, c registry.Component) (*Result, error) {
	st, _ := o.reg.Get(c)
	if st.Status != registry.StatusUpdateAvailable {
		return &Result{
			Component:   c.String(),
			FromVersion: st.InstalledVersion,
			ToVersion:   st.InstalledVersion,
			Outcome:     ResultUpToDate,
		}, nil
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.apply",
		trace.WithAttributes(
			attribute.String("component", c.String()),
			attribute.String("from", st.InstalledVersion),
			attribute.String("to", st.PendingVersion),
		))
	defer span.End()

	started := time.Now()
	o.beginOp(c, st.PendingVersion)
	o.logger.Info("update started",
		"component", c.String(), "from", st.InstalledVersion, "to", st.PendingVersion)

	var (
		res *Result
		err error
	)
	switch c {
	case registry.Model:
		res, err = o.applyModel(ctx, st)
	case registry.CLI:
		res, err = o.applyCLI(ctx, st)
	case registry.InferenceClient:
		res, err = o.applyInferenceClient(ctx, st)
	case registry.Hypervisor:
		res, err = o.applyHypervisor(ctx, st)
	case registry.Bootstrap:
		res, err = o.applyBootstrap(ctx, st)
	default:
		err = errors.New(errors.CodeUnknownComponent).
			WithDetail("component %q is not updatable", c.String())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	o.finishOp(ctx, c, st.InstalledVersion, st.PendingVersion, started, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// beginOp marks a component mid-operation and announces it.
func (o *Orchestrator) beginOp(c registry.Component, toVersion string) {
	o.setPhase(c, PhaseApplying)
	o.reg.SetStatus(c, registry.StatusUpdating)
	o.hub.UpdateState(c.String(), string(PhaseApplying), toVersion)
}

// finishOp records the terminal bookkeeping of one operation: registry
// status, phase, event, history row, and measurements. Staged outcomes
// skip the completion record because the successor process writes it
// after the restart.
func (o *Orchestrator) finishOp(ctx context.Context, c registry.Component, from, to string, started time.Time, res *Result, err error) {
	elapsed := time.Since(started)
	if err != nil {
		o.reg.SetStatus(c, registry.StatusFailed)
		o.setPhase(c, PhaseIdle)
		o.hub.UpdateFailed(c.String(), to, err.Error())
		o.appendHistory(ctx, history.Entry{
			Component:   c.String(),
			FromVersion: from,
			ToVersion:   to,
			Outcome:     history.OutcomeFailed,
			Detail:      err.Error(),
			DurationMS:  elapsed.Milliseconds(),
		})
		o.rec.ObserveUpdate(c.String(), ResultFailed, elapsed)
		o.rec.SetUpToDate(c.String(), false)
		o.logger.Error("update failed", "component", c.String(), "to", to, "error", err)
		return
	}

	res.DurationMS = elapsed.Milliseconds()
	switch res.Outcome {
	case ResultRestarting, ResultStaged:
		o.rec.ObserveUpdate(c.String(), res.Outcome, elapsed)
		o.logger.Info("update staged, daemon exit scheduled",
			"component", c.String(), "to", res.ToVersion, "outcome", res.Outcome)
	default:
		o.setPhase(c, PhaseIdle)
		o.hub.UpdateComplete(c.String(), res.ToVersion, res.Detail)
		o.appendHistory(ctx, history.Entry{
			Component:   c.String(),
			FromVersion: res.FromVersion,
			ToVersion:   res.ToVersion,
			Outcome:     history.OutcomeSuccess,
			Detail:      res.Detail,
			DurationMS:  elapsed.Milliseconds(),
		})
		o.rec.ObserveUpdate(c.String(), res.Outcome, elapsed)
		o.rec.SetUpToDate(c.String(), true)
		o.logger.Info("update complete",
			"component", c.String(), "to", res.ToVersion, "elapsed", elapsed)
	}
}

// applyCLI unpacks the new CLI version next to the old one. The
// running CLI picks it up on its next start; no process is restarted
// here.
func (o *Orchestrator) applyCLI(ctx context.Context, st registry.State) (*Result, error) {
	dir, err := o.install(ctx, registry.CLI, st.PendingVersion, st.PendingURL, st.PendingSHA256)
	if err != nil {
		return nil, err
	}
	o.setPhase(registry.CLI, PhaseVerifying)
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.New(errors.CodeArchiveExtract).WithComponent("cli").Wrap(err)
	}
	if err := o.reg.RecordInstalled(registry.CLI, st.PendingVersion, st.PendingURL); err != nil {
		return nil, err
	}
	return &Result{
		Component:   "cli",
		FromVersion: st.InstalledVersion,
		ToVersion:   st.PendingVersion,
		Outcome:     ResultUpdated,
	}, nil
}

// applyInferenceClient installs the new client binary and swaps the
// running process onto it, keeping the active model. With no model
// bound there is nothing to run, so the install alone completes the
// update.
func (o *Orchestrator) applyInferenceClient(ctx context.Context, st registry.State) (*Result, error) {
	if _, err := o.install(ctx, registry.InferenceClient, st.PendingVersion, st.PendingURL, st.PendingSHA256); err != nil {
		return nil, err
	}
	if model := o.cfg.Active("model"); model != "" {
		deadline := time.Now().Add(o.cfg.Timeouts.Update())
		if err := o.swapInference(ctx, registry.InferenceClient, st.PendingVersion, model, st.PendingVersion, deadline); err != nil {
			return nil, err
		}
	}
	if err := o.reg.RecordInstalled(registry.InferenceClient, st.PendingVersion, st.PendingURL); err != nil {
		return nil, err
	}
	return &Result{
		Component:   "inference-client",
		FromVersion: st.InstalledVersion,
		ToVersion:   st.PendingVersion,
		Outcome:     ResultUpdated,
	}, nil
}

// applyModel updates to the latest catalog model for the default size.
func (o *Orchestrator) applyModel(ctx context.Context, st registry.State) (*Result, error) {
	m := o.repo.Current()
	if m == nil {
		return nil, errors.New(errors.CodeManifestFetch).WithDetail("no manifest snapshot loaded")
	}
	res, ok := manifest.LatestModel(m, manifest.DefaultModelSize)
	if !ok {
		return nil, errors.New(errors.CodeUnknownModel).
			WithDetail("manifest lists no %s models", manifest.DefaultModelSize)
	}
	return o.switchModel(ctx, res, st.InstalledVersion)
}

// applyHypervisor installs the new daemon binary, records the swap for
// the successor to complete, and schedules a plain exit. The launcher
// respawns the hypervisor from the updated install; the inference
// subprocess keeps running and is re-adopted on the way back up.
func (o *Orchestrator) applyHypervisor(ctx context.Context, st registry.State) (*Result, error) {
	if _, err := o.install(ctx, registry.Hypervisor, st.PendingVersion, st.PendingURL, st.PendingSHA256); err != nil {
		return nil, err
	}
	if err := o.stagePending(pendingUpdate{
		Component:   "hypervisor",
		FromVersion: st.InstalledVersion,
		ToVersion:   st.PendingVersion,
		URL:         st.PendingURL,
		StagedAt:    time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	o.setPhase(registry.Hypervisor, PhaseRestarting)
	o.hub.UpdateState("hypervisor", string(PhaseRestarting), st.PendingVersion)
	o.scheduleExit(ExitRestart)
	return &Result{
		Component:   "hypervisor",
		FromVersion: st.InstalledVersion,
		ToVersion:   st.PendingVersion,
		Outcome:     ResultRestarting,
		Detail:      "daemon restarting to finish the update",
	}, nil
}

// applyBootstrap stages a replacement launcher and exits with the
// staged code so the launcher installs it over itself and re-execs.
// The inference subprocess is stopped first; the fresh launcher chain
// brings it back.
func (o *Orchestrator) applyBootstrap(ctx context.Context, st registry.State) (*Result, error) {
	o.sup.Stop(registry.InferenceClient)

	staging := o.stagingDir()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, errors.New(errors.CodeArtifactFetch).WithComponent("bootstrap").Wrap(err)
	}
	archive := filepath.Join(staging, fmt.Sprintf("bootstrap-%s.tar.gz", st.PendingVersion))
	if err := o.fetcher.Download(ctx, st.PendingURL, archive, st.PendingSHA256); err != nil {
		return nil, err
	}
	defer os.Remove(archive)

	dest := filepath.Join(staging, "bootstrap")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, errors.New(errors.CodeArchiveExtract).WithComponent("bootstrap").Wrap(err)
	}
	if err := o.extract(archive, dest); err != nil {
		return nil, err
	}

	if err := o.stagePending(pendingUpdate{
		Component:   "bootstrap",
		FromVersion: st.InstalledVersion,
		ToVersion:   st.PendingVersion,
		URL:         st.PendingURL,
		StagedAt:    time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	o.setPhase(registry.Bootstrap, PhaseRestarting)
	o.hub.UpdateState("bootstrap", string(PhaseRestarting), st.PendingVersion)
	o.scheduleExit(ExitStaged)
	return &Result{
		Component:   "bootstrap",
		FromVersion: st.InstalledVersion,
		ToVersion:   st.PendingVersion,
		Outcome:     ResultStaged,
		Detail:      "launcher will replace itself and restart",
	}, nil
}

// install downloads a release archive into staging and unpacks it into
// the component's versioned directory, returning that directory.
func (o *Orchestrator) install(ctx context.Context, c registry.Component, version, url, sum string) (string, error) {
	if url == "" {
		return "", errors.New(errors.CodeArtifactFetch).WithComponent(c.String()).
			WithDetail("release %s has no artifact url", version)
	}
	staging := o.stagingDir()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", errors.New(errors.CodeArtifactFetch).WithComponent(c.String()).Wrap(err)
	}
	archive := filepath.Join(staging, fmt.Sprintf("%s-%s.tar.gz", c.String(), version))
	if err := o.fetcher.Download(ctx, url, archive, sum); err != nil {
		return "", err
	}
	defer os.Remove(archive)

	dest := o.componentDir(c, version)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", errors.New(errors.CodeArchiveExtract).WithComponent(c.String()).Wrap(err)
	}
	if err := o.extract(archive, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (o *Orchestrator) componentDir(c registry.Component, version string) string {
	return filepath.Join(o.root, c.String(), version)
}

func (o *Orchestrator) stagingDir() string {
	return filepath.Join(o.root, "staging")
}

func (o *Orchestrator) removeRoot() error {
	if err := os.RemoveAll(o.root); err != nil {
		return errors.Newf(errors.CategoryStorage, "could not remove %s", o.root).Wrap(err)
	}
	return nil
}

// ensureClientInstalled makes sure a client version's binary is on
// disk, downloading it from the catalog when missing. It returns the
// url it installed from, or "" when the binary was already present.
func (o *Orchestrator) ensureClientInstalled(ctx context.Context, version string) (string, error) {
	bin := filepath.Join(o.componentDir(registry.InferenceClient, version), inferenceBinary)
	if _, err := os.Stat(bin); err == nil {
		return "", nil
	}
	m := o.repo.Current()
	if m == nil {
		return "", errors.New(errors.CodeManifestFetch).WithDetail("no manifest snapshot loaded")
	}
	rel, ok := m.InferenceClients[version]
	if !ok {
		return "", errors.New(errors.CodeManifestInvariant).
			WithDetail("inference client %s is not in the catalog", version)
	}
	if _, err := o.install(ctx, registry.InferenceClient, version, rel.URL, rel.SHA256); err != nil {
		return "", err
	}
	return rel.URL, nil
}

// inferenceSpec builds the supervisor spec for one client version and
// model revision pairing.
func (o *Orchestrator) inferenceSpec(clientVersion, modelRevision string) supervisor.Spec {
	dir := o.componentDir(registry.InferenceClient, clientVersion)
	return supervisor.Spec{
		Path:           filepath.Join(dir, inferenceBinary),
		Args:           []string{"--model", modelRevision, "--port", strconv.Itoa(o.cfg.InferencePort)},
		Dir:            dir,
		Port:           o.cfg.InferencePort,
		PIDFile:        filepath.Join(o.root, "data", "inference.pid"),
		StartupTimeout: o.cfg.Timeouts.Startup(),
	}
}

// swapInference restarts the inference client on a new binary or model
// and waits for the port to answer. On any failure it brings back the
// previous pairing so a known-good process keeps serving.
func (o *Orchestrator) swapInference(ctx context.Context, c registry.Component, clientVersion, modelRevision, eventVersion string, deadline time.Time) error {
	spec := o.inferenceSpec(clientVersion, modelRevision)

	o.setPhase(c, PhaseRestarting)
	o.hub.UpdateState(c.String(), string(PhaseRestarting), eventVersion)
	if _, err := o.sup.Restart(ctx, registry.InferenceClient, spec); err != nil {
		o.revertInference(ctx)
		return err
	}

	o.setPhase(c, PhaseVerifying)
	o.hub.UpdateState(c.String(), string(PhaseVerifying), eventVersion)
	if err := o.verifyReady(ctx, deadline); err != nil {
		o.revertInference(ctx)
		return err
	}
	return nil
}

// revertInference restarts the last recorded client and model pairing
// after a failed swap. Best effort: with no previous pairing the
// process is simply stopped.
func (o *Orchestrator) revertInference(ctx context.Context) {
	client, model := o.cfg.Active("inference-client"), o.cfg.Active("model")
	if client == "" || model == "" {
		o.sup.Stop(registry.InferenceClient)
		return
	}
	o.logger.Warn("reverting inference client after failed swap", "client", client, "model", model)
	if _, err := o.sup.Restart(ctx, registry.InferenceClient, o.inferenceSpec(client, model)); err != nil {
		o.logger.Error("revert failed, inference client left stopped", "error", err)
		o.sup.Stop(registry.InferenceClient)
	}
}

// verifyReady polls the inference health probe until it answers or the
// deadline passes.
func (o *Orchestrator) verifyReady(ctx context.Context, deadline time.Time) error {
	t := time.NewTicker(o.verifyEvery)
	defer t.Stop()
	for {
		if o.sup.Health(registry.InferenceClient) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New(errors.CodeUpdateTimeout).
				WithComponent("inference-client").
				WithDetail("no readiness within the update budget")
		}
		select {
		case <-ctx.Done():
			return errors.New(errors.CodeUpdateTimeout).
				WithComponent("inference-client").Wrap(ctx.Err())
		case <-t.C:
		}
	}
}

// scheduleExit records the exit code the daemon should terminate with.
// The exit fires after the current task batch finishes, so a staged
// hypervisor swap does not cut off a bootstrap download queued behind
// it. A staged launcher replacement outranks a plain restart.
func (o *Orchestrator) scheduleExit(code int) {
	o.mu.Lock()
	if !o.exitSet || (code == ExitStaged && o.exitCode != ExitStaged) {
		o.exitCode = code
	}
	o.exitSet = true
	o.mu.Unlock()
}

// fireExitIfStaged runs on the worker after each task and triggers the
// recorded exit once, delayed slightly so in-flight admin responses
// can flush.
func (o *Orchestrator) fireExitIfStaged() {
	o.mu.Lock()
	if !o.exitSet || o.exitFired {
		o.mu.Unlock()
		return
	}
	o.exitFired = true
	code := o.exitCode
	o.mu.Unlock()

	go func() {
		time.Sleep(o.exitDelay)
		o.logger.Info("daemon exit requested", "code", code)
		o.requestExit(code)
	}()
}
