package manifest

import (
	"sort"
	"strings"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/version"
)

// LatestModel resolves the newest model in a size category.
//
// Revision identifiers are grouped by their numeric revision number (all
// digit runs concatenated); the numerically highest group wins. Within
// that group the tie-break prefers, in order: a revision containing
// "4bit" (the quantized variant), then a revision composed only of
// digits and hyphens (the canonical date form), then the first
// candidate. Candidates are scanned in lexicographic order at every
// stage, so the result is independent of map iteration order. Returns
// false when the category has no models with revisions.
func LatestModel(m *Manifest, size string) (ModelResolution, bool) {
	models := m.ModelsBySize(size)
	if len(models) == 0 {
		return ModelResolution{}, false
	}

	var revisions []string
	seen := make(map[string]bool)
	for _, entry := range models {
		rev := entry.RevisionID
		if rev == "" || seen[rev] {
			continue
		}
		seen[rev] = true
		revisions = append(revisions, rev)
	}
	if len(revisions) == 0 {
		return ModelResolution{}, false
	}
	sort.Strings(revisions)

	grouped := make(map[int64][]string)
	var latest int64
	for i, rev := range revisions {
		n := version.ParseRevision(rev)
		grouped[n] = append(grouped[n], rev)
		if i == 0 || n > latest {
			latest = n
		}
	}
	candidates := grouped[latest]

	chosen := ""
	for _, rev := range candidates {
		if strings.Contains(rev, "4bit") {
			chosen = rev
			break
		}
	}
	if chosen == "" {
		for _, rev := range candidates {
			if isDigitsAndHyphens(rev) {
				chosen = rev
				break
			}
		}
	}
	if chosen == "" {
		chosen = candidates[0]
	}

	return m.FindModel(size, chosen)
}

func isDigitsAndHyphens(s string) bool {
	for _, r := range s {
		if r != '-' && (r < '0' || r > '9') {
			return false
		}
	}
	return s != ""
}

// ClientResolution is the newest inference client release.
type ClientResolution struct {
	Version string
	Client  InferenceClient

	// Skipped lists client versions that could not be parsed and were
	// excluded from the comparison.
	Skipped []string
}

// LatestInferenceClient resolves the maximum inference client version
// under numeric tuple comparison. Unparseable version keys are skipped
// and reported in the resolution; the error is only returned when no key
// parses at all.
func LatestInferenceClient(m *Manifest) (ClientResolution, error) {
	if len(m.InferenceClients) == 0 {
		return ClientResolution{}, errors.Newf(errors.CategoryManifest, "manifest lists no inference clients")
	}

	var res ClientResolution
	best := ""
	for _, v := range sortedKeys(m.InferenceClients) {
		if _, err := version.Parse(v); err != nil {
			res.Skipped = append(res.Skipped, v)
			continue
		}
		if best == "" {
			best = v
			continue
		}
		ord, err := version.Compare(v, best)
		if err != nil {
			res.Skipped = append(res.Skipped, v)
			continue
		}
		if ord == version.Greater {
			best = v
		}
	}

	if best == "" {
		return res, errors.New(errors.CodeVersionParse).
			WithDetail("no inference client version could be parsed")
	}

	res.Version = best
	res.Client = m.InferenceClients[best]
	return res, nil
}
