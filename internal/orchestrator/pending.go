package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/registry"
)

// pendingUpdate is one staged swap recorded for the successor process
// to complete after a restart. The marker holds a list because an
// update-all run can stage the hypervisor and the launcher together.
type pendingUpdate struct {
	Component   string    `json:"component"`
	FromVersion string    `json:"from_version"`
	ToVersion   string    `json:"to_version"`
	URL         string    `json:"url,omitempty"`
	StagedAt    time.Time `json:"staged_at"`
}

func (o *Orchestrator) pendingPath() string {
	return filepath.Join(o.root, "data", "pending_update.json")
}

func (o *Orchestrator) readPending() ([]pendingUpdate, error) {
	data, err := os.ReadFile(o.pendingPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Newf(errors.CategoryStorage, "could not read pending update marker").Wrap(err)
	}
	var pending []pendingUpdate
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, errors.Newf(errors.CategoryStorage, "pending update marker is corrupt").Wrap(err)
	}
	return pending, nil
}

// stagePending appends one staged swap to the marker file.
func (o *Orchestrator) stagePending(p pendingUpdate) error {
	pending, err := o.readPending()
	if err != nil {
		return err
	}
	pending = append(pending, p)

	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return errors.Newf(errors.CategoryStorage, "could not encode pending update marker").Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(o.pendingPath()), 0o755); err != nil {
		return errors.Newf(errors.CategoryStorage, "could not create data directory").Wrap(err)
	}
	if err := os.WriteFile(o.pendingPath(), data, 0o644); err != nil {
		return errors.Newf(errors.CategoryStorage, "could not write pending update marker").Wrap(err)
	}
	return nil
}

// StagedVersion reports the version a staged swap recorded for one
// component. The launcher uses it to spawn the successor build before
// the registry has recorded the install.
func StagedVersion(root, component string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(root, "data", "pending_update.json"))
	if err != nil {
		return "", false
	}
	var pending []pendingUpdate
	if err := json.Unmarshal(data, &pending); err != nil {
		return "", false
	}
	for _, p := range pending {
		if p.Component == component && p.ToVersion != "" {
			return p.ToVersion, true
		}
	}
	return "", false
}

// CompletePending finishes swaps staged by a predecessor process. The
// daemon calls it once at start, before the admin surface comes up:
// reaching this point means the restarted binaries came up, which is
// the verification the staged flow defers. Returns nil results when
// nothing was staged.
func (o *Orchestrator) CompletePending(ctx context.Context) ([]Result, error) {
	pending, err := o.readPending()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(pending))
	for _, p := range pending {
		c, err := registry.ParseComponent(p.Component)
		if err != nil {
			o.logger.Warn("dropping unrecognized pending update", "component", p.Component)
			continue
		}
		if err := o.reg.RecordInstalled(c, p.ToVersion, p.URL); err != nil {
			return results, err
		}
		elapsed := time.Since(p.StagedAt)
		o.appendHistory(ctx, history.Entry{
			Component:   p.Component,
			FromVersion: p.FromVersion,
			ToVersion:   p.ToVersion,
			Outcome:     history.OutcomeSuccess,
			Detail:      "completed after restart",
			DurationMS:  elapsed.Milliseconds(),
		})
		o.hub.UpdateComplete(p.Component, p.ToVersion, "completed after restart")
		o.rec.ObserveUpdate(p.Component, ResultUpdated, elapsed)
		o.rec.SetUpToDate(p.Component, true)
		o.logger.Info("pending update completed",
			"component", p.Component, "from", p.FromVersion, "to", p.ToVersion)
		results = append(results, Result{
			Component:   p.Component,
			FromVersion: p.FromVersion,
			ToVersion:   p.ToVersion,
			Outcome:     ResultUpdated,
			Detail:      "completed after restart",
			DurationMS:  elapsed.Milliseconds(),
		})
	}

	if err := os.Remove(o.pendingPath()); err != nil && !os.IsNotExist(err) {
		return results, errors.Newf(errors.CategoryStorage, "could not clear pending update marker").Wrap(err)
	}
	return results, nil
}
