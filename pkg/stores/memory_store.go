package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// MemoryStore implements Store in process memory. Values are deep-copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	observed   map[engine.ResourceIdentity]engine.ObservedResource
	desired    map[engine.ResourceIdentity]engine.DesiredState
	drifts     map[string]engine.DriftEvent
	violations map[string]engine.PolicyViolation
	records    map[string]engine.RemediationRecord
	recordSeq  []string
	passes     []engine.PassRecord
	audit      []engine.AuditEntry
	events     []engine.Event
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		observed:   make(map[engine.ResourceIdentity]engine.ObservedResource),
		desired:    make(map[engine.ResourceIdentity]engine.DesiredState),
		drifts:     make(map[string]engine.DriftEvent),
		violations: make(map[string]engine.PolicyViolation),
		records:    make(map[string]engine.RemediationRecord),
	}
}

// Init implements Store.
func (s *MemoryStore) Init(context.Context) error { return nil }

// Migrate implements Store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// LoadSnapshot implements Store.
func (s *MemoryStore) LoadSnapshot(_ context.Context, scope engine.Scope) ([]engine.ObservedResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.ObservedResource
	for id, r := range s.observed {
		if scope.Contains(id) {
			out = append(out, copyObserved(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Less(out[j].Identity) })
	return out, nil
}

// GetObserved implements Store.
func (s *MemoryStore) GetObserved(_ context.Context, id engine.ResourceIdentity) (*engine.ObservedResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.observed[id]
	if !ok {
		return nil, fmt.Errorf("observed resource %s: %w", id, ErrNotFound)
	}
	cp := copyObserved(r)
	return &cp, nil
}

// LoadDesired implements Store.
func (s *MemoryStore) LoadDesired(_ context.Context, scope engine.Scope) (map[engine.ResourceIdentity]engine.DesiredState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[engine.ResourceIdentity]engine.DesiredState)
	for id, d := range s.desired {
		if scope.Contains(id) {
			d.Attributes = copyAttributes(d.Attributes)
			out[id] = d
		}
	}
	return out, nil
}

// PutDesired implements Store.
func (s *MemoryStore) PutDesired(_ context.Context, states []engine.DesiredState) error {
	for _, d := range states {
		if err := d.Identity.Validate(); err != nil {
			return fmt.Errorf("failed to put desired state: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range states {
		d.Attributes = copyAttributes(d.Attributes)
		s.desired[d.Identity] = d
	}
	return nil
}

// ReplaceDesired implements Store.
func (s *MemoryStore) ReplaceDesired(_ context.Context, scope engine.Scope, states []engine.DesiredState) error {
	for _, d := range states {
		if err := d.Identity.Validate(); err != nil {
			return fmt.Errorf("failed to replace desired state: %w", err)
		}
		if !scope.Contains(d.Identity) {
			return fmt.Errorf("failed to replace desired state: %s is outside scope %s", d.Identity, scope)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.desired {
		if scope.Contains(id) {
			delete(s.desired, id)
		}
	}
	for _, d := range states {
		d.Attributes = copyAttributes(d.Attributes)
		s.desired[d.Identity] = d
	}
	return nil
}

// DeleteDesired implements Store.
func (s *MemoryStore) DeleteDesired(_ context.Context, ids []engine.ResourceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.desired, id)
	}
	return nil
}

// CommitPass implements Store.
func (s *MemoryStore) CommitPass(_ context.Context, commit *PassCommit) (*CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.observed {
		if commit.Scope.Contains(id) {
			delete(s.observed, id)
		}
	}
	for _, r := range commit.Observed {
		s.observed[r.Identity] = copyObserved(r)
	}

	result := &CommitResult{}

	keptDrifts, resolvedDrifts := mergeDrifts(s.openDriftsLocked(commit.Scope), commit.Drifts, commit.At)
	for _, d := range append(keptDrifts, resolvedDrifts...) {
		s.drifts[d.ID] = d
	}
	result.Drifts = keptDrifts
	result.ResolvedDrifts = resolvedDrifts

	kept, raised, resolved := mergeViolations(s.openViolationsLocked(commit.Scope), commit.Violations, commit.At)
	for _, v := range append(kept, resolved...) {
		s.violations[v.ID] = v
	}
	result.Violations = kept
	result.RaisedViolations = raised
	result.ResolvedViolations = resolved

	return result, nil
}

// OpenDrifts implements Store.
func (s *MemoryStore) OpenDrifts(_ context.Context, scope engine.Scope) ([]engine.DriftEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openDriftsLocked(scope), nil
}

func (s *MemoryStore) openDriftsLocked(scope engine.Scope) []engine.DriftEvent {
	var out []engine.DriftEvent
	for _, d := range s.drifts {
		if !d.Resolved && scope.Contains(d.Identity) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FindingKey() < out[j].FindingKey() })
	return out
}

// OpenViolations implements Store.
func (s *MemoryStore) OpenViolations(_ context.Context, scope engine.Scope) ([]engine.PolicyViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openViolationsLocked(scope), nil
}

func (s *MemoryStore) openViolationsLocked(scope engine.Scope) []engine.PolicyViolation {
	var out []engine.PolicyViolation
	for _, v := range s.violations {
		if !v.Resolved && scope.Contains(v.Identity) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FindingKey() < out[j].FindingKey() })
	return out
}

// SetViolationSuppressed implements Store.
func (s *MemoryStore) SetViolationSuppressed(_ context.Context, id string, suppressed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations[id]
	if !ok {
		return fmt.Errorf("violation %s: %w", id, ErrNotFound)
	}
	v.Suppressed = suppressed
	s.violations[id] = v
	return nil
}

// SaveRecord implements Store.
func (s *MemoryStore) SaveRecord(_ context.Context, record *engine.RemediationRecord) error {
	if record.ID == "" {
		return fmt.Errorf("remediation record ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.ID]; ok {
		if existing.IsFinal() {
			return fmt.Errorf("record %s is %s: %w", record.ID, existing.Status, ErrRecordImmutable)
		}
	} else {
		s.recordSeq = append(s.recordSeq, record.ID)
	}
	s.records[record.ID] = copyRecord(*record)
	return nil
}

// GetRecord implements Store.
func (s *MemoryStore) GetRecord(_ context.Context, id string) (*engine.RemediationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("remediation record %s: %w", id, ErrNotFound)
	}
	cp := copyRecord(r)
	return &cp, nil
}

// ListRecords implements Store. Records are returned in creation order.
func (s *MemoryStore) ListRecords(_ context.Context, filter RecordFilter) ([]*engine.RemediationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*engine.RemediationRecord
	for _, id := range s.recordSeq {
		r := s.records[id]
		if filter.PassID != "" && r.PassID != filter.PassID {
			continue
		}
		if filter.IdempotencyKey != "" && r.Action.IdempotencyKey != filter.IdempotencyKey {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		cp := copyRecord(r)
		matched = append(matched, &cp)
	}
	return paginate(matched, filter.Limit, filter.Offset), nil
}

// CountSucceeded implements Store.
func (s *MemoryStore) CountSucceeded(_ context.Context, idempotencyKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if r.Action.IdempotencyKey == idempotencyKey && r.Status == engine.RemediationSucceeded {
			n++
		}
	}
	return n, nil
}

// SavePass implements Store. Saving a pass with a known ID replaces it.
func (s *MemoryStore) SavePass(_ context.Context, pass *engine.PassRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *pass
	cp.Errors = append([]string(nil), pass.Errors...)
	for i := range s.passes {
		if s.passes[i].ID == pass.ID {
			s.passes[i] = cp
			return nil
		}
	}
	s.passes = append(s.passes, cp)
	return nil
}

// ListPasses implements Store. Passes are returned newest first.
func (s *MemoryStore) ListPasses(_ context.Context, scope *engine.Scope, limit, offset int) ([]*engine.PassRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*engine.PassRecord
	for i := len(s.passes) - 1; i >= 0; i-- {
		p := s.passes[i]
		if scope != nil && p.Scope != *scope {
			continue
		}
		matched = append(matched, &p)
	}
	return paginate(matched, limit, offset), nil
}

// CreateAuditEntry implements Store.
func (s *MemoryStore) CreateAuditEntry(_ context.Context, entry *engine.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

// ListAuditEntries implements Store. Entries are returned newest first.
func (s *MemoryStore) ListAuditEntries(_ context.Context, action *string, actor *string, limit, offset int) ([]*engine.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*engine.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if action != nil && e.Action != *action {
			continue
		}
		if actor != nil && e.Actor != *actor {
			continue
		}
		matched = append(matched, &e)
	}
	return paginate(matched, limit, offset), nil
}

// AppendEvent implements Store.
func (s *MemoryStore) AppendEvent(_ context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// ListEvents implements Store. Events are returned oldest first.
func (s *MemoryStore) ListEvents(_ context.Context, passID *string, limit, offset int) ([]*engine.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*engine.Event
	for i := range s.events {
		e := s.events[i]
		if passID != nil && e.PassID != *passID {
			continue
		}
		matched = append(matched, &e)
	}
	return paginate(matched, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copyObserved(r engine.ObservedResource) engine.ObservedResource {
	r.Attributes = copyAttributes(r.Attributes)
	return r
}

func copyRecord(r engine.RemediationRecord) engine.RemediationRecord {
	r.Action.Parameters = copyAttributes(r.Action.Parameters)
	if r.AppliedAt != nil {
		t := *r.AppliedAt
		r.AppliedAt = &t
	}
	return r
}

// copyAttributes deep-copies an attribute map through its JSON form, the
// same representation the SQLite store persists.
func copyAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return attrs
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return attrs
	}
	return out
}
