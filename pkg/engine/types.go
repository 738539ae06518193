package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResourceIdentity is the stable key of a cloud resource across snapshots.
// An identity is never reused after the resource it names is deleted.
type ResourceIdentity struct {
	// Provider is the cloud provider name (e.g., "aws", "azure", "gcp").
	Provider string `json:"provider" yaml:"provider"`

	// Account is the provider account, subscription or project.
	Account string `json:"account" yaml:"account"`

	// Region is the provider region, or "global" for regionless resources.
	Region string `json:"region" yaml:"region"`

	// ResourceType is the provider resource type (e.g., "s3.bucket").
	ResourceType string `json:"resource_type" yaml:"resource_type"`

	// NativeID is the identifier assigned by the provider.
	NativeID string `json:"native_id" yaml:"native_id"`
}

// String renders the identity as provider/account/region/type/id.
func (id ResourceIdentity) String() string {
	return strings.Join([]string{id.Provider, id.Account, id.Region, id.ResourceType, id.NativeID}, "/")
}

// Scope returns the reconciliation scope that owns this identity.
func (id ResourceIdentity) Scope() Scope {
	return Scope{Provider: id.Provider, Account: id.Account, Region: id.Region}
}

// Less orders identities lexicographically by their tuple components.
func (id ResourceIdentity) Less(other ResourceIdentity) bool {
	a := [5]string{id.Provider, id.Account, id.Region, id.ResourceType, id.NativeID}
	b := [5]string{other.Provider, other.Account, other.Region, other.ResourceType, other.NativeID}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Validate checks that every identity component is set.
func (id ResourceIdentity) Validate() error {
	if id.Provider == "" || id.Account == "" || id.Region == "" || id.ResourceType == "" || id.NativeID == "" {
		return fmt.Errorf("incomplete resource identity: %q", id.String())
	}
	return nil
}

// ParseIdentity parses the form produced by ResourceIdentity.String.
func ParseIdentity(s string) (ResourceIdentity, error) {
	parts := strings.SplitN(s, "/", 5)
	if len(parts) != 5 {
		return ResourceIdentity{}, fmt.Errorf("invalid resource identity %q: expected provider/account/region/type/id", s)
	}
	id := ResourceIdentity{
		Provider:     parts[0],
		Account:      parts[1],
		Region:       parts[2],
		ResourceType: parts[3],
		NativeID:     parts[4],
	}
	return id, id.Validate()
}

// Scope is a provider/account/region partition reconciled as one unit.
type Scope struct {
	// Provider is the cloud provider name.
	Provider string `json:"provider" yaml:"provider"`

	// Account is the provider account.
	Account string `json:"account" yaml:"account"`

	// Region is the provider region.
	Region string `json:"region" yaml:"region"`
}

// String renders the scope as provider/account/region.
func (s Scope) String() string {
	return s.Provider + "/" + s.Account + "/" + s.Region
}

// Contains reports whether the identity belongs to this scope.
func (s Scope) Contains(id ResourceIdentity) bool {
	return id.Provider == s.Provider && id.Account == s.Account && id.Region == s.Region
}

// Validate checks that every scope component is set.
func (s Scope) Validate() error {
	if s.Provider == "" || s.Account == "" || s.Region == "" {
		return fmt.Errorf("incomplete scope: %q", s.String())
	}
	return nil
}

// ParseScope parses the form produced by Scope.String.
func ParseScope(s string) (Scope, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Scope{}, fmt.Errorf("invalid scope %q: expected provider/account/region", s)
	}
	return Scope{Provider: parts[0], Account: parts[1], Region: parts[2]}, nil
}

// ObservedResource is the state of a resource as reported by a Cloud Adapter
// during one reconciliation pass.
type ObservedResource struct {
	// Identity is the resource key.
	Identity ResourceIdentity `json:"identity" yaml:"identity"`

	// Attributes maps semantic keys to scalars, nested maps or lists.
	Attributes map[string]any `json:"attributes" yaml:"attributes"`

	// ObservedAt is when the adapter observed the resource.
	ObservedAt time.Time `json:"observed_at" yaml:"observed_at"`

	// Hash is the content hash of Attributes, used for cheap equality checks.
	Hash string `json:"hash,omitempty" yaml:"hash,omitempty"`
}

// EnsureHash computes Hash from Attributes when it is not already set.
// Resources whose attributes cannot be canonicalized keep an empty hash.
func (r *ObservedResource) EnsureHash() {
	if r.Hash != "" {
		return
	}
	if h, err := ContentHash(r.Attributes); err == nil {
		r.Hash = h
	}
}

// DesiredState is the last accepted configuration of a resource.
type DesiredState struct {
	// Identity is the resource key.
	Identity ResourceIdentity `json:"identity" yaml:"identity"`

	// Attributes is the accepted attribute map.
	Attributes map[string]any `json:"attributes" yaml:"attributes"`

	// AcceptedAt is when the baseline was accepted.
	AcceptedAt time.Time `json:"accepted_at" yaml:"accepted_at"`

	// AcceptedBy is the actor that accepted the baseline.
	AcceptedBy string `json:"accepted_by,omitempty" yaml:"accepted_by,omitempty"`

	// Source records how the desired state was established (baseline, import).
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// FieldDiff is one differing attribute path.
type FieldDiff struct {
	// Path is the dot-joined attribute path (e.g., "tags.env").
	Path string `json:"path"`

	// Observed is the observed value, nil when absent.
	Observed any `json:"observed"`

	// Desired is the desired value, nil when absent.
	Desired any `json:"desired"`
}

// DriftEvent records a divergence between observed and desired state.
type DriftEvent struct {
	// ID is the unique identifier of this finding.
	ID string `json:"id"`

	// Identity is the drifted resource.
	Identity ResourceIdentity `json:"identity"`

	// Kind classifies the drift.
	Kind DriftKind `json:"kind"`

	// FieldDiffs is the ordered list of differing paths.
	FieldDiffs []FieldDiff `json:"field_diffs,omitempty"`

	// Severity is derived from the changed fields.
	Severity Severity `json:"severity"`

	// DetectedAt is when the drift was detected.
	DetectedAt time.Time `json:"detected_at"`

	// ObservedHash is the content hash of the observed resource, if any.
	ObservedHash string `json:"observed_hash,omitempty"`

	// Resolved is set once a later pass no longer reproduces the drift.
	Resolved bool `json:"resolved"`

	// ResolvedAt is when the drift was marked resolved.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// FindingKey identifies the same drift across passes.
func (d DriftEvent) FindingKey() string {
	return d.Identity.String() + "#" + string(d.Kind)
}

// ActionTemplate describes the corrective action a rule prescribes.
type ActionTemplate struct {
	// Kind is the action kind.
	Kind ActionKind `json:"kind" yaml:"kind"`

	// Parameters are passed to the adapter verbatim.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// PolicyViolation is produced when a rule predicate fires for a resource.
type PolicyViolation struct {
	// ID is the unique identifier of this finding.
	ID string `json:"id"`

	// RuleID is the rule that fired.
	RuleID string `json:"rule_id"`

	// Identity is the violating resource.
	Identity ResourceIdentity `json:"identity"`

	// Severity is the rule's violation severity.
	Severity Severity `json:"severity"`

	// Message is a human-readable description.
	Message string `json:"message,omitempty"`

	// AutoRemediable mirrors the rule's static property.
	AutoRemediable bool `json:"auto_remediable"`

	// Remediation is the rule's action template, if any.
	Remediation *ActionTemplate `json:"remediation,omitempty"`

	// ObservedHash is the hash of the resource state that produced the violation.
	ObservedHash string `json:"observed_hash,omitempty"`

	// DetectedAt is when the violation was raised.
	DetectedAt time.Time `json:"detected_at"`

	// Resolved is set once a later pass no longer reproduces the violation.
	Resolved bool `json:"resolved"`

	// ResolvedAt is when the violation was marked resolved.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// Suppressed violations are recorded but never auto-remediated.
	Suppressed bool `json:"suppressed"`
}

// FindingKey identifies the same violation across passes.
func (v PolicyViolation) FindingKey() string {
	return v.Identity.String() + "#" + v.RuleID
}

// CostScope identifies what a cost series measures.
type CostScope struct {
	// Provider is the cloud provider name.
	Provider string `json:"provider" yaml:"provider"`

	// Account is the billed account.
	Account string `json:"account" yaml:"account"`

	// Service is the billed service, empty for account totals.
	Service string `json:"service,omitempty" yaml:"service,omitempty"`

	// ResourceID is the native resource id for resource-level series.
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
}

// String renders the cost scope.
func (s CostScope) String() string {
	out := s.Provider + "/" + s.Account
	if s.Service != "" {
		out += "/" + s.Service
	}
	if s.ResourceID != "" {
		out += "#" + s.ResourceID
	}
	return out
}

// Range is an inclusive numeric range.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// CostAnomaly is a spend observation outside its expected range.
type CostAnomaly struct {
	// Scope is the series the anomaly belongs to.
	Scope CostScope `json:"scope"`

	// ExpectedRange is mean ± threshold·stddev of the trailing window.
	ExpectedRange Range `json:"expected_range"`

	// Observed is the flagged spend value.
	Observed float64 `json:"observed"`

	// DeviationScore is the z-score of the observation.
	DeviationScore float64 `json:"deviation_score"`

	// VariancePercent is the relative deviation from the mean.
	VariancePercent float64 `json:"variance_percent"`

	// Severity grades the anomaly.
	Severity Severity `json:"severity"`

	// Timestamp is the time of the flagged point.
	Timestamp time.Time `json:"timestamp"`
}

// Action is a corrective operation against one resource.
type Action struct {
	// Identity is the target resource.
	Identity ResourceIdentity `json:"identity"`

	// Kind is the action kind.
	Kind ActionKind `json:"kind"`

	// Parameters are passed to the adapter verbatim.
	Parameters map[string]any `json:"parameters,omitempty"`

	// IdempotencyKey is derived from identity, kind and parameters.
	IdempotencyKey string `json:"idempotency_key"`

	// ExpectedHash is the resource hash the action was planned against.
	ExpectedHash string `json:"expected_hash,omitempty"`

	// RuleID is the rule whose violation produced the action.
	RuleID string `json:"rule_id,omitempty"`

	// Severity is the (possibly escalated) severity of the violation.
	Severity Severity `json:"severity"`
}

// NewAction builds an action and derives its idempotency key.
func NewAction(id ResourceIdentity, kind ActionKind, params map[string]any) (Action, error) {
	key, err := IdempotencyKey(id, kind, params)
	if err != nil {
		return Action{}, err
	}
	return Action{
		Identity:       id,
		Kind:           kind,
		Parameters:     params,
		IdempotencyKey: key,
	}, nil
}

// ActionResult is what an adapter reports for one ApplyAction call.
type ActionResult struct {
	// Status is the outcome.
	Status ActionResultStatus `json:"status"`

	// ProviderMessage is the provider's response message.
	ProviderMessage string `json:"provider_message,omitempty"`

	// ErrorCategory classifies a failure.
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
}

// RemediationRecord is the auditable history of one action.
type RemediationRecord struct {
	// ID is the unique identifier of this record.
	ID string `json:"id"`

	// PassID is the reconciliation pass that planned the action.
	PassID string `json:"pass_id,omitempty"`

	// Action is the planned action.
	Action Action `json:"action"`

	// Status is the current state.
	Status RemediationStatus `json:"status"`

	// Attempts counts Applying transitions.
	Attempts int `json:"attempts"`

	// LastError is the most recent failure message.
	LastError string `json:"last_error,omitempty"`

	// SkipReason explains a Skipped record.
	SkipReason SkipReason `json:"skip_reason,omitempty"`

	// CreatedAt is when the record was planned.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// AppliedAt is when the action succeeded.
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// IsFinal reports whether the record may no longer change.
func (r *RemediationRecord) IsFinal() bool {
	return r.Status.IsTerminal()
}

// PassCounts summarizes one reconciliation pass.
type PassCounts struct {
	Resources        int `json:"resources"`
	Drifts           int `json:"drifts"`
	Violations       int `json:"violations"`
	Resolved         int `json:"resolved"`
	Anomalies        int `json:"anomalies"`
	ActionsPlanned   int `json:"actions_planned"`
	ActionsSucceeded int `json:"actions_succeeded"`
	ActionsFailed    int `json:"actions_failed"`
	ActionsSkipped   int `json:"actions_skipped"`
	ManualActions    int `json:"manual_actions"`
	RuleErrors       int `json:"rule_errors"`
}

// PassRecord is the metadata of one reconciliation pass.
type PassRecord struct {
	// ID is the unique identifier of the pass.
	ID string `json:"id"`

	// Scope is the reconciled scope.
	Scope Scope `json:"scope"`

	// Trigger says what started the pass.
	Trigger PassTrigger `json:"trigger"`

	// Status is the pass outcome.
	Status PassStatus `json:"status"`

	// StartedAt is when the pass started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the pass finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the wall time of the pass.
	Duration time.Duration `json:"duration"`

	// Counts summarizes the pass.
	Counts PassCounts `json:"counts"`

	// Errors lists every error reported during the pass.
	Errors []string `json:"errors,omitempty"`
}

// AuditEntry is an append-only audit log record.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	ResourceID string         `json:"resource_id,omitempty"`
	Outcome    AuditOutcome   `json:"outcome"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Event is a notification emitted by the engine for external subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// PassID is the associated pass, if any.
	PassID string `json:"pass_id,omitempty"`

	// Scope is the associated scope, if any.
	Scope string `json:"scope,omitempty"`

	// ResourceID is the associated resource, if any.
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Payload is the entity the event is about.
	Payload any `json:"payload,omitempty"`
}

// SortIdentities sorts identities in place.
func SortIdentities(ids []ResourceIdentity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
