package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity grades drift events, violations and anomalies.
type Severity string

const (
	// SeverityInfo is informational and never urgent.
	SeverityInfo Severity = "info"

	// SeverityWarning needs attention.
	SeverityWarning Severity = "warning"

	// SeverityCritical needs immediate attention.
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable weight; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Escalate raises the severity by n levels, capped at critical.
func (s Severity) Escalate(n int) Severity {
	levels := []Severity{SeverityInfo, SeverityWarning, SeverityCritical}
	idx := s.Rank() - 1
	if idx < 0 {
		idx = 0
	}
	idx += n
	if idx >= len(levels) {
		idx = len(levels) - 1
	}
	return levels[idx]
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// ParseSeverity parses a severity case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Validate()
}

// MarshalJSON implements json.Marshaler with validation.
func (s Severity) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*s = ""
		return nil
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DriftKind classifies a drift event.
type DriftKind string

const (
	// DriftKindModified indicates attributes differ from desired state.
	DriftKindModified DriftKind = "modified"

	// DriftKindUnmanaged indicates an observed resource with no desired state.
	DriftKindUnmanaged DriftKind = "unmanaged"

	// DriftKindDeleted indicates a desired resource that is no longer observed.
	DriftKindDeleted DriftKind = "deleted"

	// DriftKindUnparseable indicates attributes that could not be compared.
	DriftKindUnparseable DriftKind = "unparseable"
)

// Validate checks if the drift kind is valid.
func (k DriftKind) Validate() error {
	switch k {
	case DriftKindModified, DriftKindUnmanaged, DriftKindDeleted, DriftKindUnparseable:
		return nil
	default:
		return fmt.Errorf("invalid drift kind: %s", k)
	}
}

// ActionKind is the kind of corrective action.
type ActionKind string

const (
	ActionTag       ActionKind = "tag"
	ActionResize    ActionKind = "resize"
	ActionStop      ActionKind = "stop"
	ActionDelete    ActionKind = "delete"
	ActionNotify    ActionKind = "notify"
	ActionConfigure ActionKind = "configure"
)

// IsDestructive returns true if the action removes or halts the resource.
func (k ActionKind) IsDestructive() bool {
	return k == ActionDelete || k == ActionStop
}

// Validate checks if the action kind is valid.
func (k ActionKind) Validate() error {
	switch k {
	case ActionTag, ActionResize, ActionStop, ActionDelete, ActionNotify, ActionConfigure:
		return nil
	default:
		return fmt.Errorf("invalid action kind: %s", k)
	}
}

// ActionResultStatus is the outcome reported by an adapter.
type ActionResultStatus string

const (
	ActionResultSucceeded ActionResultStatus = "succeeded"
	ActionResultFailed    ActionResultStatus = "failed"
	ActionResultNoop      ActionResultStatus = "noop"
)

// RemediationStatus is the state of a remediation record.
type RemediationStatus string

const (
	// RemediationPlanned indicates the action is waiting to be applied.
	RemediationPlanned RemediationStatus = "planned"

	// RemediationApplying indicates the adapter call is in progress.
	RemediationApplying RemediationStatus = "applying"

	// RemediationSucceeded indicates the action was applied.
	RemediationSucceeded RemediationStatus = "succeeded"

	// RemediationFailed indicates a terminal failure.
	RemediationFailed RemediationStatus = "failed"

	// RemediationSkipped indicates the action was not applied.
	RemediationSkipped RemediationStatus = "skipped"
)

// IsTerminal returns true if the record can no longer change.
func (s RemediationStatus) IsTerminal() bool {
	return s == RemediationSucceeded || s == RemediationFailed || s == RemediationSkipped
}

// CanTransition reports whether moving from s to next is allowed.
func (s RemediationStatus) CanTransition(next RemediationStatus) bool {
	switch s {
	case RemediationPlanned:
		return next == RemediationApplying || next == RemediationSkipped
	case RemediationApplying:
		// retryable failures go back to planned
		return next == RemediationSucceeded || next == RemediationFailed || next == RemediationPlanned
	default:
		return false
	}
}

// Validate checks if the remediation status is valid.
func (s RemediationStatus) Validate() error {
	switch s {
	case RemediationPlanned, RemediationApplying, RemediationSucceeded, RemediationFailed, RemediationSkipped:
		return nil
	default:
		return fmt.Errorf("invalid remediation status: %s", s)
	}
}

// SkipReason explains why a record was skipped.
type SkipReason string

const (
	SkipStaleState SkipReason = "stale_state"
	SkipConflict   SkipReason = "conflict"
	SkipInFlight   SkipReason = "in_flight"
	SkipCancelled  SkipReason = "cancelled"
)

// PassTrigger says what started a pass.
type PassTrigger string

const (
	PassTriggerPeriodic PassTrigger = "periodic"
	PassTriggerOnDemand PassTrigger = "on_demand"
)

// PassStatus is the outcome of a reconciliation pass.
type PassStatus string

const (
	// PassStatusRunning indicates the pass is in progress.
	PassStatusRunning PassStatus = "running"

	// PassStatusSucceeded indicates the pass completed.
	PassStatusSucceeded PassStatus = "succeeded"

	// PassStatusFailed indicates a systemic failure; nothing was committed.
	PassStatusFailed PassStatus = "failed"

	// PassStatusTimeout indicates the pass deadline expired.
	PassStatusTimeout PassStatus = "timeout"
)

// IsTerminal returns true if the pass has finished.
func (s PassStatus) IsTerminal() bool {
	return s != PassStatusRunning
}

// AuditOutcome is the outcome recorded in the audit log.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
	AuditPartial AuditOutcome = "partial"
)

// EventType identifies engine notifications.
type EventType string

const (
	EventDriftDetected         EventType = "drift.detected"
	EventViolationRaised       EventType = "policy.violation_raised"
	EventViolationResolved     EventType = "policy.violation_resolved"
	EventPolicyEvaluationError EventType = "policy.evaluation_failed"
	EventRemediationStarted    EventType = "remediation.started"
	EventRemediationSucceeded  EventType = "remediation.succeeded"
	EventRemediationFailed     EventType = "remediation.failed"
	EventManualActionRequired  EventType = "remediation.manual_action_required"
	EventCostAnomalyDetected   EventType = "cost.anomaly_detected"
	EventPassCompleted         EventType = "pass.completed"
	EventPassFailed            EventType = "pass.failed"
)

// Level returns the log level the event should be reported at.
func (e EventType) Level() string {
	switch e {
	case EventRemediationFailed, EventPassFailed, EventPolicyEvaluationError:
		return "error"
	case EventDriftDetected, EventViolationRaised, EventCostAnomalyDetected, EventManualActionRequired:
		return "warning"
	default:
		return "info"
	}
}
