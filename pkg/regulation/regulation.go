// Package regulation resolves dated, versioned regulation configuration:
// which law was in force at a given instant, and which configuration applies
// to a given tax year. Regulation rows are append-only — a new law version is
// a new row with a later effective-from; old rows are superseded, never
// mutated.
package regulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrNotFound is returned when no regulation version matches a lookup.
	ErrNotFound = errors.New("regulation: no matching version")
)

// Version is one append-only regulation configuration row.
type Version struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"` // e.g. "RENTAL_TAX"
	Version       string                 `json:"version"`
	EffectiveFrom time.Time              `json:"effective_from"`
	EffectiveTo   *time.Time             `json:"effective_to"` // nil = still active
	ContentHash   string                 `json:"content_hash"`
	Configuration map[string]interface{} `json:"configuration"`
	DeletedAt     *time.Time             `json:"deleted_at,omitempty"`
}

// Ref is the compact regulation reference embedded in snapshots.
type Ref struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// ActiveAt reports whether the version's effective window contains ts. Both
// bounds are inclusive: a version whose effective-to is the instant ts is
// still in force at ts. Soft-deleted rows are never active.
func (v Version) ActiveAt(ts time.Time) bool {
	if v.DeletedAt != nil {
		return false
	}
	if ts.Before(v.EffectiveFrom) {
		return false
	}
	if v.EffectiveTo != nil && ts.After(*v.EffectiveTo) {
		return false
	}
	return true
}

// Store is the persistence boundary for regulation versions.
type Store interface {
	// ActiveAt returns every non-deleted version whose effective window
	// contains ts; multiple types may be simultaneously active.
	ActiveAt(ctx context.Context, ts time.Time) ([]Version, error)
	// ByType returns all non-deleted versions of one regulation type.
	ByType(ctx context.Context, regType string) ([]Version, error)
	// All returns every non-deleted version.
	All(ctx context.Context) ([]Version, error)
}

// Resolver performs point-in-time and year-window regulation lookups.
// When a year lookup finds nothing it falls back to a configured default and
// logs a warning — an explicit, visible policy gap rather than a silent one.
type Resolver struct {
	store    Store
	defaults map[string]map[string]interface{} // type → fallback configuration
	logger   *slog.Logger
}

// NewResolver creates a Resolver. defaults maps regulation type to the
// fallback configuration used when no version covers a requested year; it may
// be nil, in which case missing years return ErrNotFound.
func NewResolver(store Store, defaults map[string]map[string]interface{}) *Resolver {
	return &Resolver{
		store:    store,
		defaults: defaults,
		logger:   slog.Default().With("component", "regulation"),
	}
}

// ActiveRegulations returns the reference set of every regulation type active
// at ts, for embedding into a snapshot.
func (r *Resolver) ActiveRegulations(ctx context.Context, ts time.Time) ([]Ref, error) {
	versions, err := r.store.ActiveAt(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("regulation: active lookup failed: %w", err)
	}

	refs := make([]Ref, 0, len(versions))
	for _, v := range versions {
		refs = append(refs, Ref{Type: v.Type, Version: v.Version, Hash: v.ContentHash})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Type < refs[j].Type })
	return refs, nil
}

// EffectiveRegulation returns the configuration of the most recent version of
// regType whose effective window overlaps the given calendar year. If none
// exists, the configured default is returned and a warning logged.
func (r *Resolver) EffectiveRegulation(ctx context.Context, regType string, year int) (map[string]interface{}, error) {
	versions, err := r.store.ByType(ctx, regType)
	if err != nil {
		return nil, fmt.Errorf("regulation: lookup failed for %s: %w", regType, err)
	}

	yearStart := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	yearEnd := time.Date(year, 12, 31, 23, 59, 59, 0, time.UTC)

	var candidates []Version
	for _, v := range versions {
		if v.EffectiveFrom.After(yearEnd) {
			continue
		}
		if v.EffectiveTo != nil && v.EffectiveTo.Before(yearStart) {
			continue
		}
		candidates = append(candidates, v)
	}

	if len(candidates) == 0 {
		if def, ok := r.defaults[regType]; ok {
			r.logger.Warn("no regulation version covers year, using configured default",
				"type", regType, "year", year)
			return def, nil
		}
		return nil, fmt.Errorf("%w: type %s, year %d", ErrNotFound, regType, year)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].EffectiveFrom.Equal(candidates[j].EffectiveFrom) {
			return candidates[i].EffectiveFrom.Before(candidates[j].EffectiveFrom)
		}
		return versionLess(candidates[i].Version, candidates[j].Version)
	})

	return candidates[len(candidates)-1].Configuration, nil
}

// versionLess orders version strings semantically where possible, falling
// back to lexical order for non-semver labels.
func versionLess(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.LessThan(vb)
	}
	return a < b
}

// ExpiryReport summarizes regulation windows approaching or past expiry.
type ExpiryReport struct {
	ExpiringSoon []Version `json:"expiring_soon"`
	Expired      []Version `json:"expired"`
}

// CheckExpiring reports versions whose effective-to falls within the window
// from now, and versions already expired without a successor row. Scheduled
// daily; detection only, it changes nothing.
func (r *Resolver) CheckExpiring(ctx context.Context, now time.Time, window time.Duration) (*ExpiryReport, error) {
	versions, err := r.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("regulation: expiry scan failed: %w", err)
	}

	report := &ExpiryReport{}
	horizon := now.Add(window)

	for _, v := range versions {
		if v.EffectiveTo == nil {
			continue
		}
		switch {
		case v.EffectiveTo.Before(now):
			if !hasSuccessor(versions, v) {
				report.Expired = append(report.Expired, v)
				r.logger.Error("regulation version expired without replacement",
					"type", v.Type, "version", v.Version, "effective_to", v.EffectiveTo)
			}
		case !v.EffectiveTo.After(horizon):
			report.ExpiringSoon = append(report.ExpiringSoon, v)
			days := int(v.EffectiveTo.Sub(now).Hours() / 24)
			r.logger.Warn("regulation version expiring soon",
				"type", v.Type, "version", v.Version, "days_remaining", days)
		}
	}

	return report, nil
}

// hasSuccessor reports whether a newer version of the same type exists.
func hasSuccessor(versions []Version, v Version) bool {
	for _, other := range versions {
		if other.Type == v.Type && other.ID != v.ID && other.EffectiveFrom.After(v.EffectiveFrom) {
			return true
		}
	}
	return false
}
