package stores

import (
	"context"
	"errors"
	"time"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRecordImmutable is returned when updating a remediation record that
	// already reached a terminal status.
	ErrRecordImmutable = errors.New("remediation record is immutable")
)

// PassCommit is everything one pass persists atomically for its scope.
type PassCommit struct {
	Scope      engine.Scope
	PassID     string
	Observed   []engine.ObservedResource
	Drifts     []engine.DriftEvent
	Violations []engine.PolicyViolation
	At         time.Time
}

// CommitResult describes how the committed findings relate to the open
// findings before the pass.
type CommitResult struct {
	// Drifts are the open drift findings after the commit.
	Drifts []engine.DriftEvent

	// Violations are the open violations after the commit, carrying their
	// persisted IDs and suppression flags.
	Violations []engine.PolicyViolation

	// RaisedViolations were not open before this pass.
	RaisedViolations []engine.PolicyViolation

	// ResolvedDrifts and ResolvedViolations were open before this pass and
	// not reproduced by it.
	ResolvedDrifts     []engine.DriftEvent
	ResolvedViolations []engine.PolicyViolation
}

// RecordFilter selects remediation records. Zero fields match everything.
type RecordFilter struct {
	PassID         string
	IdempotencyKey string
	Status         engine.RemediationStatus
	Limit          int
	Offset         int
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Observed snapshot
	LoadSnapshot(ctx context.Context, scope engine.Scope) ([]engine.ObservedResource, error)
	GetObserved(ctx context.Context, id engine.ResourceIdentity) (*engine.ObservedResource, error)

	// Desired state
	LoadDesired(ctx context.Context, scope engine.Scope) (map[engine.ResourceIdentity]engine.DesiredState, error)
	PutDesired(ctx context.Context, states []engine.DesiredState) error
	// ReplaceDesired makes states the complete desired set of scope.
	ReplaceDesired(ctx context.Context, scope engine.Scope, states []engine.DesiredState) error
	// DeleteDesired retires the desired state of ids. Unknown ids are ignored.
	DeleteDesired(ctx context.Context, ids []engine.ResourceIdentity) error

	// Pass commit: replaces the scope's snapshot and reconciles findings in
	// one transaction.
	CommitPass(ctx context.Context, commit *PassCommit) (*CommitResult, error)

	// Findings
	OpenDrifts(ctx context.Context, scope engine.Scope) ([]engine.DriftEvent, error)
	OpenViolations(ctx context.Context, scope engine.Scope) ([]engine.PolicyViolation, error)
	SetViolationSuppressed(ctx context.Context, id string, suppressed bool) error

	// Remediation records
	SaveRecord(ctx context.Context, record *engine.RemediationRecord) error
	GetRecord(ctx context.Context, id string) (*engine.RemediationRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*engine.RemediationRecord, error)
	CountSucceeded(ctx context.Context, idempotencyKey string) (int, error)

	// Pass records
	SavePass(ctx context.Context, pass *engine.PassRecord) error
	ListPasses(ctx context.Context, scope *engine.Scope, limit, offset int) ([]*engine.PassRecord, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*engine.AuditEntry, error)

	// Event operations
	AppendEvent(ctx context.Context, event *engine.Event) error
	ListEvents(ctx context.Context, passID *string, limit, offset int) ([]*engine.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
