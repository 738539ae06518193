package drift

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDetector(mutate func(*Options)) *Detector {
	opts := DefaultOptions()
	opts.Clock = engine.ClockFunc(func() time.Time { return fixedNow })
	if mutate != nil {
		mutate(&opts)
	}
	return NewDetector(opts, zerolog.Nop())
}

func ident(id string) engine.ResourceIdentity {
	return engine.ResourceIdentity{Provider: "aws", Account: "111111111111", Region: "us-east-1", ResourceType: "ec2.instance", NativeID: id}
}

func observedOf(id string, attrs map[string]any) engine.ObservedResource {
	r := engine.ObservedResource{Identity: ident(id), Attributes: attrs, ObservedAt: fixedNow}
	r.EnsureHash()
	return r
}

func desiredOf(id string, attrs map[string]any) map[engine.ResourceIdentity]engine.DesiredState {
	return map[engine.ResourceIdentity]engine.DesiredState{
		ident(id): {Identity: ident(id), Attributes: attrs},
	}
}

func TestDetect_InstanceTypeChange(t *testing.T) {
	d := newTestDetector(nil)

	events := d.Detect(
		[]engine.ObservedResource{observedOf("i-1", map[string]any{"instanceType": "t2.large"})},
		desiredOf("i-1", map[string]any{"instanceType": "t2.micro"}),
	)

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, engine.DriftKindModified, ev.Kind)
	assert.Equal(t, engine.SeverityWarning, ev.Severity)
	assert.Equal(t, fixedNow, ev.DetectedAt)
	assert.Equal(t, []engine.FieldDiff{{Path: "instanceType", Observed: "t2.large", Desired: "t2.micro"}}, ev.FieldDiffs)
}

func TestDetect_IdenticalUnderEqualityPolicyHasNoDrift(t *testing.T) {
	d := newTestDetector(nil)

	tests := []struct {
		name     string
		observed map[string]any
		desired  map[string]any
	}{
		{"identical scalars", map[string]any{"a": "x", "b": true, "c": 3}, map[string]any{"a": "x", "b": true, "c": 3}},
		{"int vs float", map[string]any{"size": 2}, map[string]any{"size": 2.0}},
		{"float noise", map[string]any{"cpu": 0.1 + 0.2}, map[string]any{"cpu": 0.3}},
		{"tag list order", map[string]any{"sg": []any{"sg-2", "sg-1"}}, map[string]any{"sg": []any{"sg-1", "sg-2"}}},
		{"nested map order", map[string]any{"tags": map[string]any{"b": "2", "a": "1"}}, map[string]any{"tags": map[string]string{"a": "1", "b": "2"}}},
		{"list of maps", map[string]any{"rules": []any{map[string]any{"port": 443}, map[string]any{"port": 80}}}, map[string]any{"rules": []any{map[string]any{"port": 80}, map[string]any{"port": 443}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := d.Detect([]engine.ObservedResource{observedOf("i-1", tt.observed)}, desiredOf("i-1", tt.desired))
			assert.Empty(t, events)
		})
	}
}

func TestDetect_OrderedPaths(t *testing.T) {
	d := newTestDetector(func(o *Options) { o.OrderedPaths = []string{"routes"} })

	events := d.Detect(
		[]engine.ObservedResource{observedOf("i-1", map[string]any{"routes": []any{"b", "a"}})},
		desiredOf("i-1", map[string]any{"routes": []any{"a", "b"}}),
	)
	require.Len(t, events, 1)
	assert.Equal(t, "routes", events[0].FieldDiffs[0].Path)
}

func TestDetect_CustomComparator(t *testing.T) {
	caseInsensitive := func(o, d any) bool {
		os, _ := o.(string)
		ds, _ := d.(string)
		return strings.EqualFold(os, ds)
	}
	d := newTestDetector(func(o *Options) { o.Comparators = map[string]Comparator{"name": caseInsensitive} })

	events := d.Detect(
		[]engine.ObservedResource{observedOf("i-1", map[string]any{"name": "WEB"})},
		desiredOf("i-1", map[string]any{"name": "web"}),
	)
	assert.Empty(t, events)
}

func TestDetect_NestedPathSeverity(t *testing.T) {
	d := newTestDetector(func(o *Options) {
		o.SeverityMap = map[string]engine.Severity{"tags": engine.SeverityInfo, "tags.owner": engine.SeverityCritical}
	})

	events := d.Detect(
		[]engine.ObservedResource{observedOf("i-1", map[string]any{"tags": map[string]any{"env": "dev", "owner": "bob"}})},
		desiredOf("i-1", map[string]any{"tags": map[string]any{"env": "prod", "owner": "alice"}}),
	)

	require.Len(t, events, 1)
	assert.Equal(t, engine.SeverityCritical, events[0].Severity)
	require.Len(t, events[0].FieldDiffs, 2)
	assert.Equal(t, "tags.env", events[0].FieldDiffs[0].Path)
	assert.Equal(t, "tags.owner", events[0].FieldDiffs[1].Path)
	assert.Equal(t, engine.SeverityInfo, d.SeverityFor("tags.env"))
}

func TestDetect_UnmanagedAndDeleted(t *testing.T) {
	d := newTestDetector(nil)

	desired := desiredOf("i-gone", map[string]any{"instanceType": "t3.small"})
	events := d.Detect([]engine.ObservedResource{observedOf("i-new", map[string]any{"instanceType": "t3.small"})}, desired)

	require.Len(t, events, 2)
	// critical deleted sorts before warning unmanaged
	assert.Equal(t, engine.DriftKindDeleted, events[0].Kind)
	assert.Equal(t, engine.SeverityCritical, events[0].Severity)
	assert.Equal(t, ident("i-gone"), events[0].Identity)
	assert.Equal(t, engine.DriftKindUnmanaged, events[1].Kind)
	assert.Equal(t, engine.SeverityWarning, events[1].Severity)
}

func TestDetect_UnparseableFieldDoesNotAbort(t *testing.T) {
	d := newTestDetector(nil)

	events := d.Detect(
		[]engine.ObservedResource{{Identity: ident("i-1"), Attributes: map[string]any{"cpu": math.NaN(), "instanceType": "t2.large"}}},
		desiredOf("i-1", map[string]any{"cpu": 1.0, "instanceType": "t2.micro"}),
	)

	require.Len(t, events, 2)
	assert.Equal(t, engine.DriftKindModified, events[0].Kind)
	assert.Equal(t, "instanceType", events[0].FieldDiffs[0].Path)
	assert.Equal(t, engine.DriftKindUnparseable, events[1].Kind)
	assert.Equal(t, engine.SeverityInfo, events[1].Severity)
	assert.Equal(t, "cpu", events[1].FieldDiffs[0].Path)
}

func TestDetect_DeterministicOrdering(t *testing.T) {
	d := newTestDetector(nil)

	observed := []engine.ObservedResource{
		observedOf("i-c", map[string]any{"instanceType": "b"}),
		observedOf("i-a", map[string]any{"instanceType": "b"}),
		observedOf("i-b", map[string]any{"public": true}),
	}
	desired := map[engine.ResourceIdentity]engine.DesiredState{
		ident("i-a"): {Identity: ident("i-a"), Attributes: map[string]any{"instanceType": "a"}},
		ident("i-b"): {Identity: ident("i-b"), Attributes: map[string]any{"public": false}},
		ident("i-c"): {Identity: ident("i-c"), Attributes: map[string]any{"instanceType": "a"}},
	}

	events := d.Detect(observed, desired)
	require.Len(t, events, 3)
	assert.Equal(t, ident("i-b"), events[0].Identity)
	assert.Equal(t, ident("i-a"), events[1].Identity)
	assert.Equal(t, ident("i-c"), events[2].Identity)
}

func TestRun_EmptyObservationAfterNonEmptyPass(t *testing.T) {
	d := newTestDetector(nil)
	scope := engine.Scope{Provider: "aws", Account: "111111111111", Region: "us-east-1"}

	_, err := d.Run(scope, nil, desiredOf("i-1", map[string]any{}), 4)
	require.Error(t, err)

	var re *engine.ReconciliationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, engine.ReasonEmptyObservation, re.Reason)

	// first pass of a new scope is allowed to be empty
	events, err := d.Run(scope, nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIndexByIdentity_PrefersModified(t *testing.T) {
	events := []engine.DriftEvent{
		{Identity: ident("i-1"), Kind: engine.DriftKindModified},
		{Identity: ident("i-1"), Kind: engine.DriftKindUnparseable},
	}
	idx := IndexByIdentity(events)
	require.Contains(t, idx, ident("i-1"))
	assert.Equal(t, engine.DriftKindModified, idx[ident("i-1")].Kind)
}
