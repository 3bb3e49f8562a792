// Package registry tracks the installed state of every station
// component and reconciles it against manifest snapshots.
//
// The registry is the single writer of component state. Status is
// recomputed on Refresh from the manifest; installed versions change
// only through RecordInstalled after an update has verified, and the
// active versions are persisted to the station config so the next boot
// starts from the same baseline.
package registry

import (
	"log/slog"
	"sync"

	"github.com/m87-labs/moondream-station/internal/config"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/version"
)

// State is the registry's record for one component.
type State struct {
	Name             string `json:"name"`
	InstalledVersion string `json:"installed_version"`
	InstalledURL     string `json:"installed_url"`
	Status           Status `json:"status"`

	// PendingVersion is the manifest's resolved latest when it differs
	// from the installed version.
	PendingVersion string `json:"pending_version,omitempty"`

	// PendingURL is the artifact URL for the pending version.
	PendingURL string `json:"pending_url,omitempty"`

	// PendingSHA256 is the optional artifact digest for the pending
	// version.
	PendingSHA256 string `json:"-"`
}

// Registry owns per-component state.
type Registry struct {
	cfg    *config.Config
	logger *slog.Logger

	mu     sync.RWMutex
	states map[Component]*State
}

// New creates a Registry seeded from the persisted config. Components
// with no recorded version start with an unknown baseline.
func New(cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	states := make(map[Component]*State, len(All()))
	for _, c := range All() {
		states[c] = &State{
			Name:             c.String(),
			InstalledVersion: cfg.Active(c.String()),
			Status:           StatusUnknown,
		}
	}
	return &Registry{cfg: cfg, logger: logger, states: states}
}

// Refresh recomputes every component's status against a manifest
// snapshot. Components mid-operation keep StatusUpdating until the
// operation's outcome records it; a Failed component is recomputed on
// the next cycle like any other.
func (r *Registry) Refresh(m *manifest.Manifest) {
	if m == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range All() {
		state := r.states[c]
		if state.Status == StatusUpdating {
			continue
		}

		latest, url, sum, ok := latestFor(c, m)
		if !ok {
			state.Status = StatusUnknown
			state.PendingVersion = ""
			state.PendingURL = ""
			state.PendingSHA256 = ""
			continue
		}

		state.Status = r.statusAgainst(c, state.InstalledVersion, latest)
		if state.Status == StatusUpdateAvailable {
			state.PendingVersion = latest
			state.PendingURL = url
			state.PendingSHA256 = sum
		} else {
			state.PendingVersion = ""
			state.PendingURL = ""
			state.PendingSHA256 = ""
		}
	}
}

// statusAgainst compares one installed version against the manifest's
// resolved latest. An empty installed version is a fresh install. Model
// revisions compare by identity; component versions compare numerically,
// and any difference from the manifest is out of date (the manifest is
// authoritative, so a manifest rollback also surfaces as an update).
// Unparseable versions are incomparable and leave the status unknown.
func (r *Registry) statusAgainst(c Component, installed, latest string) Status {
	if installed == "" {
		return StatusUpdateAvailable
	}
	if c == Model {
		if installed == latest {
			return StatusUpToDate
		}
		return StatusUpdateAvailable
	}

	ord, err := version.Compare(installed, latest)
	if err != nil {
		r.logger.Warn("incomparable version", "component", c.String(),
			"installed", installed, "latest", latest, "error", err)
		return StatusUnknown
	}
	if ord == version.Equal {
		return StatusUpToDate
	}
	return StatusUpdateAvailable
}

// latestFor resolves the manifest's latest version, artifact URL, and
// optional digest for a component.
func latestFor(c Component, m *manifest.Manifest) (latest, url, sum string, ok bool) {
	switch c {
	case Bootstrap, Hypervisor, CLI:
		rel, found := m.Current(c.String())
		if !found || rel.Version == "" {
			return "", "", "", false
		}
		return rel.Version, rel.URL, rel.SHA256, true
	case InferenceClient:
		res, err := manifest.LatestInferenceClient(m)
		if err != nil {
			return "", "", "", false
		}
		return res.Version, res.Client.URL, res.Client.SHA256, true
	case Model:
		res, found := manifest.LatestModel(m, manifest.DefaultModelSize)
		if !found {
			return "", "", "", false
		}
		return res.Revision, "", "", true
	}
	return "", "", "", false
}

// Snapshot returns an immutable copy of every component state.
func (r *Registry) Snapshot() map[Component]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Component]State, len(r.states))
	for c, state := range r.states {
		out[c] = *state
	}
	return out
}

// Get returns a copy of one component's state.
func (r *Registry) Get(c Component) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[c]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// SetStatus marks a component's operational status. Used by the update
// orchestrator for the Updating and Failed transitions.
func (r *Registry) SetStatus(c Component, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[c]; ok {
		state.Status = s
	}
}

// RecordInstalled records a verified installation. It is the only
// mutator of installed fields and persists the active version so the
// next boot starts from it.
func (r *Registry) RecordInstalled(c Component, installedVersion, url string) error {
	r.mu.Lock()
	state, ok := r.states[c]
	if ok {
		state.InstalledVersion = installedVersion
		state.InstalledURL = url
		state.Status = StatusUpToDate
		state.PendingVersion = ""
		state.PendingURL = ""
		state.PendingSHA256 = ""
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := r.cfg.SetActive(c.String(), installedVersion); err != nil {
		return err
	}
	r.logger.Info("component recorded installed",
		"component", c.String(), "version", installedVersion)
	return nil
}
