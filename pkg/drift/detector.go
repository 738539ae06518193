// Package drift compares observed resources with their accepted desired state
// and emits classified drift events.
package drift

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Options configures a Detector.
type Options struct {
	// SeverityMap maps attribute paths to the severity of a change on them.
	// Lookups try the exact path first, then each parent path.
	SeverityMap map[string]engine.Severity

	// DefaultSeverity applies to changed paths absent from SeverityMap.
	DefaultSeverity engine.Severity

	// UnmanagedSeverity applies to observed resources without desired state.
	UnmanagedSeverity engine.Severity

	// DeletedSeverity applies to desired resources that are no longer observed.
	DeletedSeverity engine.Severity

	// FloatTolerance is the absolute tolerance for fractional numbers.
	FloatTolerance float64

	// OrderedPaths lists list-valued paths compared element by element.
	// Every other list is compared as a set.
	OrderedPaths []string

	// Comparators overrides the equality policy for specific paths.
	Comparators map[string]Comparator

	// Clock stamps DetectedAt.
	Clock engine.Clock
}

// DefaultOptions returns the default detector options.
func DefaultOptions() Options {
	return Options{
		SeverityMap: map[string]engine.Severity{
			"instanceType": engine.SeverityWarning,
			"public":       engine.SeverityCritical,
			"encryption":   engine.SeverityCritical,
			"iamPolicy":    engine.SeverityCritical,
			"tags":         engine.SeverityInfo,
		},
		DefaultSeverity:   engine.SeverityWarning,
		UnmanagedSeverity: engine.SeverityWarning,
		DeletedSeverity:   engine.SeverityCritical,
		FloatTolerance:    1e-9,
	}
}

// Detector computes drift events. It is pure: Detect never blocks and never
// mutates its inputs.
type Detector struct {
	opts    Options
	ordered map[string]bool
	logger  zerolog.Logger
}

// NewDetector creates a detector, filling unset options with defaults.
func NewDetector(opts Options, logger zerolog.Logger) *Detector {
	def := DefaultOptions()
	if opts.SeverityMap == nil {
		opts.SeverityMap = def.SeverityMap
	}
	if opts.DefaultSeverity == "" {
		opts.DefaultSeverity = def.DefaultSeverity
	}
	if opts.UnmanagedSeverity == "" {
		opts.UnmanagedSeverity = def.UnmanagedSeverity
	}
	if opts.DeletedSeverity == "" {
		opts.DeletedSeverity = def.DeletedSeverity
	}
	if opts.FloatTolerance <= 0 {
		opts.FloatTolerance = def.FloatTolerance
	}
	if opts.Clock == nil {
		opts.Clock = engine.SystemClock
	}

	ordered := make(map[string]bool, len(opts.OrderedPaths))
	for _, p := range opts.OrderedPaths {
		ordered[p] = true
	}

	return &Detector{
		opts:    opts,
		ordered: ordered,
		logger:  logger.With().Str("component", "drift-detector").Logger(),
	}
}

// Run detects drift for one scope and reports systemic failures.
// An empty observation for a scope whose previous pass observed resources is
// a ReconciliationError, never an "everything was deleted" finding.
func (d *Detector) Run(scope engine.Scope, observed []engine.ObservedResource, desired map[engine.ResourceIdentity]engine.DesiredState, previousCount int) ([]engine.DriftEvent, error) {
	if len(observed) == 0 && previousCount > 0 {
		return nil, engine.NewReconciliationError(scope, engine.ReasonEmptyObservation,
			fmt.Sprintf("adapter returned no resources, previous pass observed %d", previousCount), nil)
	}
	return d.Detect(observed, desired), nil
}

// Detect diffs observed resources against desired state. Output is sorted by
// severity (descending), then identity, then kind.
func (d *Detector) Detect(observed []engine.ObservedResource, desired map[engine.ResourceIdentity]engine.DesiredState) []engine.DriftEvent {
	now := d.opts.Clock.Now()
	seen := make(map[engine.ResourceIdentity]bool, len(observed))
	var events []engine.DriftEvent

	for i := range observed {
		res := &observed[i]
		seen[res.Identity] = true

		want, ok := desired[res.Identity]
		if !ok {
			events = append(events, engine.DriftEvent{
				ID:           uuid.NewString(),
				Identity:     res.Identity,
				Kind:         engine.DriftKindUnmanaged,
				Severity:     d.opts.UnmanagedSeverity,
				DetectedAt:   now,
				ObservedHash: res.Hash,
			})
			continue
		}

		diffs, unparseable := d.Compare(res.Attributes, want.Attributes)
		if len(diffs) > 0 {
			events = append(events, engine.DriftEvent{
				ID:           uuid.NewString(),
				Identity:     res.Identity,
				Kind:         engine.DriftKindModified,
				FieldDiffs:   diffs,
				Severity:     d.severityOf(diffs),
				DetectedAt:   now,
				ObservedHash: res.Hash,
			})
		}
		if len(unparseable) > 0 {
			d.logger.Debug().
				Str("resource", res.Identity.String()).
				Int("fields", len(unparseable)).
				Msg("Unparseable attributes skipped")
			events = append(events, engine.DriftEvent{
				ID:           uuid.NewString(),
				Identity:     res.Identity,
				Kind:         engine.DriftKindUnparseable,
				FieldDiffs:   unparseable,
				Severity:     engine.SeverityInfo,
				DetectedAt:   now,
				ObservedHash: res.Hash,
			})
		}
	}

	for id := range desired {
		if seen[id] {
			continue
		}
		events = append(events, engine.DriftEvent{
			ID:         uuid.NewString(),
			Identity:   id,
			Kind:       engine.DriftKindDeleted,
			Severity:   d.opts.DeletedSeverity,
			DetectedAt: now,
		})
	}

	SortEvents(events)
	return events
}

// Compare returns the differing paths of two attribute maps, and separately
// the paths whose values could not be compared.
func (d *Detector) Compare(observed, desired map[string]any) (diffs []engine.FieldDiff, unparseable []engine.FieldDiff) {
	d.compareMaps("", observed, desired, &diffs, &unparseable)
	return diffs, unparseable
}

func (d *Detector) compareMaps(prefix string, observed, desired map[string]any, diffs, unparseable *[]engine.FieldDiff) {
	keys := make(map[string]struct{}, len(observed)+len(desired))
	for k := range observed {
		keys[k] = struct{}{}
	}
	for k := range desired {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		d.compareValue(path, observed[k], desired[k], diffs, unparseable)
	}
}

func (d *Detector) compareValue(path string, observed, desired any, diffs, unparseable *[]engine.FieldDiff) {
	if _, custom := d.opts.Comparators[path]; !custom {
		om, oIsMap := toMap(observed)
		dm, dIsMap := toMap(desired)
		if oIsMap && dIsMap {
			d.compareMaps(path, om, dm, diffs, unparseable)
			return
		}
	}

	if err := engine.CanonicalValue(observed); err != nil {
		*unparseable = append(*unparseable, engine.FieldDiff{Path: path, Observed: fmt.Sprintf("%v", observed), Desired: nil})
		return
	}
	if err := engine.CanonicalValue(desired); err != nil {
		*unparseable = append(*unparseable, engine.FieldDiff{Path: path, Observed: nil, Desired: fmt.Sprintf("%v", desired)})
		return
	}

	if cmp, ok := d.opts.Comparators[path]; ok {
		if !cmp(observed, desired) {
			*diffs = append(*diffs, engine.FieldDiff{Path: path, Observed: observed, Desired: desired})
		}
		return
	}

	if !d.equal(path, observed, desired) {
		*diffs = append(*diffs, engine.FieldDiff{Path: path, Observed: observed, Desired: desired})
	}
}

func (d *Detector) equal(path string, observed, desired any) bool {
	if _, ok := toList(observed); ok {
		if d.ordered[path] {
			return Ordered(Tolerance(d.opts.FloatTolerance))(observed, desired)
		}
		return SetEqual(observed, desired)
	}
	if isFractional(observed) || isFractional(desired) {
		return Tolerance(d.opts.FloatTolerance)(observed, desired)
	}
	return Exact(observed, desired)
}

// severityOf returns the highest severity across the changed paths.
func (d *Detector) severityOf(diffs []engine.FieldDiff) engine.Severity {
	var sev engine.Severity
	for _, diff := range diffs {
		sev = engine.MaxSeverity(sev, d.SeverityFor(diff.Path))
	}
	return sev
}

// SeverityFor resolves the configured severity of a path.
func (d *Detector) SeverityFor(path string) engine.Severity {
	for p := path; p != ""; {
		if sev, ok := d.opts.SeverityMap[p]; ok {
			return sev
		}
		idx := strings.LastIndex(p, ".")
		if idx < 0 {
			break
		}
		p = p[:idx]
	}
	return d.opts.DefaultSeverity
}

// SortEvents orders events by severity (descending), identity, then kind.
func SortEvents(events []engine.DriftEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Identity != b.Identity {
			return a.Identity.Less(b.Identity)
		}
		return a.Kind < b.Kind
	})
}

// IndexByIdentity returns the modified or unparseable drift per identity,
// the form the policy engine consumes.
func IndexByIdentity(events []engine.DriftEvent) map[engine.ResourceIdentity]*engine.DriftEvent {
	idx := make(map[engine.ResourceIdentity]*engine.DriftEvent, len(events))
	for i := range events {
		ev := &events[i]
		if existing, ok := idx[ev.Identity]; ok && existing.Kind == engine.DriftKindModified {
			continue
		}
		idx[ev.Identity] = ev
	}
	return idx
}
