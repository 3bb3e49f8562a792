package manifest

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/m87-labs/moondream-station/internal/errors"
)

// Getter retrieves the raw bytes of a manifest source. It is satisfied
// by fetch.Fetcher and covers http(s) URLs, s3:// URLs, and local paths.
type Getter interface {
	Get(ctx context.Context, source string) ([]byte, error)
}

// Repository owns the current manifest snapshot. Once a snapshot has
// been loaded the repository never leaves itself without one: a failed
// refresh surfaces an error and retains the previous snapshot.
type Repository struct {
	source string
	path   string
	getter Getter
	logger *slog.Logger

	mu         sync.RWMutex
	current    *Manifest
	violations []string
}

// NewRepository creates a Repository reading from source and persisting
// snapshots at path.
func NewRepository(source, path string, getter Getter, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		source: source,
		path:   path,
		getter: getter,
		logger: logger,
	}
}

// Fetch refreshes the snapshot from the configured source.
func (r *Repository) Fetch(ctx context.Context) (*Manifest, error) {
	return r.FetchFrom(ctx, r.source)
}

// FetchFrom refreshes the snapshot from an explicit source. On any
// fetch or parse failure the previous snapshot is retained and a
// manifest fetch error is returned.
func (r *Repository) FetchFrom(ctx context.Context, source string) (*Manifest, error) {
	data, err := r.getter.Get(ctx, source)
	if err != nil {
		r.logger.Warn("manifest fetch failed, keeping previous snapshot",
			"source", source, "error", err)
		return nil, errors.New(errors.CodeManifestFetch).
			WithDetail("could not retrieve %s", source).
			Wrap(err)
	}

	m, violations, err := parse(data)
	if err != nil {
		r.logger.Warn("manifest parse failed, keeping previous snapshot",
			"source", source, "error", err)
		return nil, err
	}
	for _, v := range violations {
		r.logger.Warn("manifest invariant violated", "violation", v)
	}

	r.mu.Lock()
	r.current = m
	r.violations = violations
	r.mu.Unlock()

	if r.path != "" {
		if err := r.Save(r.path); err != nil {
			r.logger.Warn("could not persist manifest snapshot", "path", r.path, "error", err)
		}
	}

	r.logger.Info("manifest refreshed",
		"source", source,
		"manifest_version", m.ManifestVersion,
		"manifest_date", m.ManifestDate)
	return m, nil
}

// Current returns the latest good snapshot, or nil when none has been
// loaded yet. The snapshot must be treated as read-only.
func (r *Repository) Current() *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Violations returns the invariant violations of the current snapshot.
func (r *Repository) Violations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.violations))
	copy(out, r.violations)
	return out
}

// Save persists the current snapshot for offline or crash-recovery
// start.
func (r *Repository) Save(path string) error {
	r.mu.RLock()
	m := r.current
	r.mu.RUnlock()
	if m == nil {
		return errors.Newf(errors.CategoryManifest, "no manifest snapshot to save")
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.New(errors.CodeManifestFetch).Wrap(err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.New(errors.CodeManifestFetch).Wrap(err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadLocal boots the repository from the persisted snapshot at its
// configured path. Missing files are not an error; the caller falls
// back to Fetch.
func (r *Repository) LoadLocal() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.CodeManifestFetch).Wrap(err)
	}

	m, violations, err := parse(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.current = m
	r.violations = violations
	r.mu.Unlock()

	r.logger.Info("manifest loaded from disk", "path", r.path,
		"manifest_version", m.ManifestVersion)
	return nil
}

func parse(data []byte) (*Manifest, []string, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, errors.New(errors.CodeManifestFetch).
			WithDetail("manifest is not valid JSON").
			Wrap(err)
	}
	return &m, m.Validate(), nil
}
