// Package manifest defines the release manifest document and the
// repository that fetches, caches, and persists it.
//
// The manifest is the authoritative description of what is current: the
// released version and download URL of every station component, the
// available inference clients, and the model catalog. Snapshots are
// immutable; each successful fetch replaces the previous snapshot
// wholesale and a failed fetch never discards the last good one.
package manifest

import (
	"fmt"
	"sort"
)

// DefaultModelSize is the model size category the station serves.
const DefaultModelSize = "2b"

// Manifest is one immutable snapshot of the release manifest document.
// Callers must not mutate a snapshot after receiving it.
type Manifest struct {
	ManifestVersion string `json:"manifest_version"`
	ManifestDate    string `json:"manifest_date"`

	CurrentBootstrap  ComponentRelease `json:"current_bootstrap"`
	CurrentHypervisor ComponentRelease `json:"current_hypervisor"`
	CurrentCLI        ComponentRelease `json:"current_cli"`

	// InferenceClients maps client version to its release info.
	InferenceClients map[string]InferenceClient `json:"inference_clients"`

	// Models maps size category to model id to catalog entry.
	Models map[string]map[string]ModelEntry `json:"models"`

	Notes []string `json:"notes"`
}

// ComponentRelease is the released version of one station component.
type ComponentRelease struct {
	Version string `json:"version"`
	URL     string `json:"url"`

	// SHA256 is an optional hex digest of the artifact; verified when
	// present.
	SHA256 string `json:"sha256,omitempty"`
}

// InferenceClient is one released inference client version.
type InferenceClient struct {
	Date   string `json:"date"`
	URL    string `json:"url"`
	SHA256 string `json:"sha256,omitempty"`
}

// ModelEntry is one model catalog entry.
type ModelEntry struct {
	RevisionID      string `json:"revision_id"`
	InferenceClient string `json:"inference_client"`
	Size            string `json:"size"`
	ReleaseDate     string `json:"release_date"`
	Notes           string `json:"notes"`
}

// Current returns the release for a component name of the fixed trio
// carried in the manifest document.
func (m *Manifest) Current(name string) (ComponentRelease, bool) {
	switch name {
	case "bootstrap":
		return m.CurrentBootstrap, true
	case "hypervisor":
		return m.CurrentHypervisor, true
	case "cli":
		return m.CurrentCLI, true
	}
	return ComponentRelease{}, false
}

// ModelsBySize returns the catalog for one size category.
func (m *Manifest) ModelsBySize(size string) map[string]ModelEntry {
	if m.Models == nil {
		return nil
	}
	return m.Models[size]
}

// ModelIDs returns the catalog keys for a size category in sorted order.
func (m *Manifest) ModelIDs(size string) []string {
	models := m.ModelsBySize(size)
	ids := make([]string, 0, len(models))
	for id := range models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ModelResolution pairs a catalog entry with its id and revision.
type ModelResolution struct {
	ID       string
	Revision string
	Model    ModelEntry
}

// FindModel looks a model up by catalog id or revision identifier within
// a size category. Revision matches scan ids in sorted order so the
// result is stable when several entries share a revision.
func (m *Manifest) FindModel(size, idOrRevision string) (ModelResolution, bool) {
	models := m.ModelsBySize(size)
	if entry, ok := models[idOrRevision]; ok {
		return ModelResolution{ID: idOrRevision, Revision: entry.RevisionID, Model: entry}, true
	}
	for _, id := range m.ModelIDs(size) {
		if models[id].RevisionID == idOrRevision {
			return ModelResolution{ID: id, Revision: idOrRevision, Model: models[id]}, true
		}
	}
	return ModelResolution{}, false
}

// Validate reports invariant violations in the snapshot. Every model's
// inference_client must exist as a key of inference_clients; violations
// are reported rather than dropped so the manifest publisher can fix
// them.
func (m *Manifest) Validate() []string {
	var violations []string
	for _, size := range sortedKeys(m.Models) {
		models := m.Models[size]
		for _, id := range sortedKeys(models) {
			entry := models[id]
			if entry.InferenceClient == "" {
				violations = append(violations,
					fmt.Sprintf("model %s/%s declares no inference_client", size, id))
				continue
			}
			if _, ok := m.InferenceClients[entry.InferenceClient]; !ok {
				violations = append(violations,
					fmt.Sprintf("model %s/%s references unknown inference_client %q", size, id, entry.InferenceClient))
			}
		}
	}
	return violations
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
