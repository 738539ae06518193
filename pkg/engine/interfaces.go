package engine

import (
	"context"
	"time"
)

// CloudAdapter is the per-provider capability the engine reconciles through.
// The engine never branches on provider identity; AWS, Azure, GCP and plugin
// providers are all variants of this interface.
type CloudAdapter interface {
	// Name returns the provider name the adapter serves (e.g., "aws").
	Name() string

	// ListResources enumerates every resource in the scope.
	// Errors should be *AdapterError so callers can classify them.
	ListResources(ctx context.Context, scope Scope) ([]ObservedResource, error)

	// ApplyAction performs a corrective action. Repeating a call with the
	// same parameters and no intervening state change must not compound
	// effects.
	ApplyAction(ctx context.Context, action Action) (ActionResult, error)
}

// ResourceDescriber is an optional adapter capability used by the
// remediation safety gate to re-read a single resource before acting.
type ResourceDescriber interface {
	// DescribeResource returns the current state of one resource.
	DescribeResource(ctx context.Context, id ResourceIdentity) (*ObservedResource, error)
}

// EventPublisher delivers engine events to subscribers.
type EventPublisher interface {
	// Publish emits an event. Implementations must not block on slow subscribers.
	Publish(ctx context.Context, event *Event) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns wall-clock time in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, *Event) error { return nil }
