package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/cloudops-central/reconciler/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to ":memory:" opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSnapshot returns the observed resources last committed for the scope.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, scope engine.Scope) ([]engine.ObservedResource, error) {
	query := `
		SELECT provider, account, region, resource_type, native_id, attributes, hash, observed_at
		FROM observed_resources
		WHERE provider = ? AND account = ? AND region = ?
		ORDER BY resource_type, native_id
	`

	rows, err := s.db.QueryContext(ctx, query, scope.Provider, scope.Account, scope.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer rows.Close()

	resources := []engine.ObservedResource{}
	for rows.Next() {
		r, err := scanObserved(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot: %w", err)
	}

	return resources, nil
}

// GetObserved retrieves one observed resource.
func (s *SQLiteStore) GetObserved(ctx context.Context, id engine.ResourceIdentity) (*engine.ObservedResource, error) {
	query := `
		SELECT provider, account, region, resource_type, native_id, attributes, hash, observed_at
		FROM observed_resources
		WHERE provider = ? AND account = ? AND region = ? AND resource_type = ? AND native_id = ?
	`

	r, err := scanObserved(s.db.QueryRowContext(ctx, query, identityArgs(id)...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observed resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LoadDesired returns the accepted desired states of the scope.
func (s *SQLiteStore) LoadDesired(ctx context.Context, scope engine.Scope) (map[engine.ResourceIdentity]engine.DesiredState, error) {
	query := `
		SELECT provider, account, region, resource_type, native_id, attributes, accepted_at, accepted_by, source
		FROM desired_states
		WHERE provider = ? AND account = ? AND region = ?
	`

	rows, err := s.db.QueryContext(ctx, query, scope.Provider, scope.Account, scope.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to load desired states: %w", err)
	}
	defer rows.Close()

	states := make(map[engine.ResourceIdentity]engine.DesiredState)
	for rows.Next() {
		var d engine.DesiredState
		var attrs string
		err := rows.Scan(
			&d.Identity.Provider,
			&d.Identity.Account,
			&d.Identity.Region,
			&d.Identity.ResourceType,
			&d.Identity.NativeID,
			&attrs,
			&d.AcceptedAt,
			&d.AcceptedBy,
			&d.Source,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan desired state: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &d.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode desired attributes of %s: %w", d.Identity, err)
		}
		states[d.Identity] = d
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating desired states: %w", err)
	}

	return states, nil
}

// PutDesired upserts desired states.
func (s *SQLiteStore) PutDesired(ctx context.Context, states []engine.DesiredState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putDesired(ctx, tx, states)
	})
}

// ReplaceDesired deletes the scope's desired states and writes states in
// their place, in one transaction.
func (s *SQLiteStore) ReplaceDesired(ctx context.Context, scope engine.Scope, states []engine.DesiredState) error {
	for _, d := range states {
		if !scope.Contains(d.Identity) {
			return fmt.Errorf("failed to replace desired state: %s is outside scope %s", d.Identity, scope)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM desired_states WHERE provider = ? AND account = ? AND region = ?`,
			scope.Provider, scope.Account, scope.Region,
		); err != nil {
			return fmt.Errorf("failed to clear desired states: %w", err)
		}
		return putDesired(ctx, tx, states)
	})
}

// DeleteDesired retires the desired states of ids.
func (s *SQLiteStore) DeleteDesired(ctx context.Context, ids []engine.ResourceIdentity) error {
	query := `
		DELETE FROM desired_states
		WHERE provider = ? AND account = ? AND region = ? AND resource_type = ? AND native_id = ?
	`

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, query, identityArgs(id)...); err != nil {
				return fmt.Errorf("failed to delete desired state of %s: %w", id, err)
			}
		}
		return nil
	})
}

func putDesired(ctx context.Context, tx *sql.Tx, states []engine.DesiredState) error {
	query := `
		INSERT INTO desired_states (provider, account, region, resource_type, native_id, attributes, accepted_at, accepted_by, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, account, region, resource_type, native_id) DO UPDATE SET
			attributes = excluded.attributes,
			accepted_at = excluded.accepted_at,
			accepted_by = excluded.accepted_by,
			source = excluded.source
	`

	for _, d := range states {
		if err := d.Identity.Validate(); err != nil {
			return fmt.Errorf("failed to put desired state: %w", err)
		}
		attrs, err := marshalJSON(d.Attributes, "{}")
		if err != nil {
			return fmt.Errorf("failed to encode desired attributes of %s: %w", d.Identity, err)
		}
		args := append(identityArgs(d.Identity), attrs, d.AcceptedAt.UTC(), d.AcceptedBy, d.Source)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to put desired state: %w", err)
		}
	}
	return nil
}

// CommitPass replaces the scope's snapshot and reconciles its findings in a
// single transaction.
func (s *SQLiteStore) CommitPass(ctx context.Context, commit *PassCommit) (*CommitResult, error) {
	result := &CommitResult{}
	scope := commit.Scope

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM observed_resources WHERE provider = ? AND account = ? AND region = ?`,
			scope.Provider, scope.Account, scope.Region,
		); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}

		insert := `
			INSERT INTO observed_resources (provider, account, region, resource_type, native_id, attributes, hash, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		for _, r := range commit.Observed {
			attrs, err := marshalJSON(r.Attributes, "{}")
			if err != nil {
				return fmt.Errorf("failed to encode attributes of %s: %w", r.Identity, err)
			}
			args := append(identityArgs(r.Identity), attrs, r.Hash, r.ObservedAt.UTC())
			if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
				return fmt.Errorf("failed to insert observed resource %s: %w", r.Identity, err)
			}
		}

		openDrifts, err := s.openDrifts(ctx, tx, scope)
		if err != nil {
			return err
		}
		kept, resolvedDrifts := mergeDrifts(openDrifts, commit.Drifts, commit.At)
		for i := range kept {
			if err := upsertDrift(ctx, tx, &kept[i]); err != nil {
				return err
			}
		}
		for i := range resolvedDrifts {
			if err := upsertDrift(ctx, tx, &resolvedDrifts[i]); err != nil {
				return err
			}
		}
		result.Drifts = kept
		result.ResolvedDrifts = resolvedDrifts

		openViolations, err := s.openViolations(ctx, tx, scope)
		if err != nil {
			return err
		}
		keptV, raised, resolvedV := mergeViolations(openViolations, commit.Violations, commit.At)
		for i := range keptV {
			if err := upsertViolation(ctx, tx, &keptV[i]); err != nil {
				return err
			}
		}
		for i := range resolvedV {
			if err := upsertViolation(ctx, tx, &resolvedV[i]); err != nil {
				return err
			}
		}
		result.Violations = keptV
		result.RaisedViolations = raised
		result.ResolvedViolations = resolvedV
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit pass %s: %w", commit.PassID, err)
	}

	return result, nil
}

// OpenDrifts lists unresolved drift findings of the scope.
func (s *SQLiteStore) OpenDrifts(ctx context.Context, scope engine.Scope) ([]engine.DriftEvent, error) {
	return s.openDrifts(ctx, s.db, scope)
}

func (s *SQLiteStore) openDrifts(ctx context.Context, q querier, scope engine.Scope) ([]engine.DriftEvent, error) {
	query := `
		SELECT id, provider, account, region, resource_type, native_id, kind, field_diffs,
			   severity, detected_at, observed_hash, resolved, resolved_at
		FROM drift_events
		WHERE provider = ? AND account = ? AND region = ? AND resolved = 0
		ORDER BY finding_key
	`

	rows, err := q.QueryContext(ctx, query, scope.Provider, scope.Account, scope.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift events: %w", err)
	}
	defer rows.Close()

	events := []engine.DriftEvent{}
	for rows.Next() {
		var d engine.DriftEvent
		var diffs string
		var resolvedAt sql.NullTime
		err := rows.Scan(
			&d.ID,
			&d.Identity.Provider,
			&d.Identity.Account,
			&d.Identity.Region,
			&d.Identity.ResourceType,
			&d.Identity.NativeID,
			&d.Kind,
			&diffs,
			&d.Severity,
			&d.DetectedAt,
			&d.ObservedHash,
			&d.Resolved,
			&resolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift event: %w", err)
		}
		if err := json.Unmarshal([]byte(diffs), &d.FieldDiffs); err != nil {
			return nil, fmt.Errorf("failed to decode field diffs of %s: %w", d.ID, err)
		}
		d.ResolvedAt = timePtr(resolvedAt)
		events = append(events, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drift events: %w", err)
	}

	return events, nil
}

func upsertDrift(ctx context.Context, tx *sql.Tx, d *engine.DriftEvent) error {
	query := `
		INSERT INTO drift_events (
			id, finding_key, provider, account, region, resource_type, native_id, kind,
			field_diffs, severity, detected_at, observed_hash, resolved, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			field_diffs = excluded.field_diffs,
			severity = excluded.severity,
			observed_hash = excluded.observed_hash,
			resolved = excluded.resolved,
			resolved_at = excluded.resolved_at
	`

	diffs, err := marshalJSON(d.FieldDiffs, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode field diffs of %s: %w", d.Identity, err)
	}

	args := []any{d.ID, d.FindingKey()}
	args = append(args, identityArgs(d.Identity)...)
	args = append(args, d.Kind, diffs, d.Severity, d.DetectedAt.UTC(), d.ObservedHash, d.Resolved, nullTime(d.ResolvedAt))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save drift event %s: %w", d.ID, err)
	}
	return nil
}

// OpenViolations lists unresolved violations of the scope.
func (s *SQLiteStore) OpenViolations(ctx context.Context, scope engine.Scope) ([]engine.PolicyViolation, error) {
	return s.openViolations(ctx, s.db, scope)
}

func (s *SQLiteStore) openViolations(ctx context.Context, q querier, scope engine.Scope) ([]engine.PolicyViolation, error) {
	query := `
		SELECT id, rule_id, provider, account, region, resource_type, native_id, severity, message,
			   auto_remediable, remediation, observed_hash, detected_at, resolved, resolved_at, suppressed
		FROM policy_violations
		WHERE provider = ? AND account = ? AND region = ? AND resolved = 0
		ORDER BY finding_key
	`

	rows, err := q.QueryContext(ctx, query, scope.Provider, scope.Account, scope.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	violations := []engine.PolicyViolation{}
	for rows.Next() {
		var v engine.PolicyViolation
		var remediation sql.NullString
		var resolvedAt sql.NullTime
		err := rows.Scan(
			&v.ID,
			&v.RuleID,
			&v.Identity.Provider,
			&v.Identity.Account,
			&v.Identity.Region,
			&v.Identity.ResourceType,
			&v.Identity.NativeID,
			&v.Severity,
			&v.Message,
			&v.AutoRemediable,
			&remediation,
			&v.ObservedHash,
			&v.DetectedAt,
			&v.Resolved,
			&resolvedAt,
			&v.Suppressed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		if remediation.Valid {
			v.Remediation = &engine.ActionTemplate{}
			if err := json.Unmarshal([]byte(remediation.String), v.Remediation); err != nil {
				return nil, fmt.Errorf("failed to decode remediation of %s: %w", v.ID, err)
			}
		}
		v.ResolvedAt = timePtr(resolvedAt)
		violations = append(violations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating violations: %w", err)
	}

	return violations, nil
}

func upsertViolation(ctx context.Context, tx *sql.Tx, v *engine.PolicyViolation) error {
	query := `
		INSERT INTO policy_violations (
			id, finding_key, rule_id, provider, account, region, resource_type, native_id, severity, message,
			auto_remediable, remediation, observed_hash, detected_at, resolved, resolved_at, suppressed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			severity = excluded.severity,
			message = excluded.message,
			auto_remediable = excluded.auto_remediable,
			remediation = excluded.remediation,
			observed_hash = excluded.observed_hash,
			resolved = excluded.resolved,
			resolved_at = excluded.resolved_at
	`

	var remediation any
	if v.Remediation != nil {
		data, err := json.Marshal(v.Remediation)
		if err != nil {
			return fmt.Errorf("failed to encode remediation of %s: %w", v.Identity, err)
		}
		remediation = string(data)
	}

	args := []any{v.ID, v.FindingKey(), v.RuleID}
	args = append(args, identityArgs(v.Identity)...)
	args = append(args, v.Severity, v.Message, v.AutoRemediable, remediation, v.ObservedHash,
		v.DetectedAt.UTC(), v.Resolved, nullTime(v.ResolvedAt), v.Suppressed)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save violation %s: %w", v.ID, err)
	}
	return nil
}

// SetViolationSuppressed flags a violation so it is never auto-remediated.
func (s *SQLiteStore) SetViolationSuppressed(ctx context.Context, id string, suppressed bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE policy_violations SET suppressed = ? WHERE id = ?`, suppressed, id)
	if err != nil {
		return fmt.Errorf("failed to update violation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("violation %s: %w", id, ErrNotFound)
	}

	return nil
}

// SaveRecord inserts or updates a remediation record. Records in a terminal
// status are never rewritten.
func (s *SQLiteStore) SaveRecord(ctx context.Context, record *engine.RemediationRecord) error {
	if record.ID == "" {
		return fmt.Errorf("remediation record ID is required")
	}

	action, err := json.Marshal(record.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status engine.RemediationStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM remediation_records WHERE id = ?`, record.ID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read remediation record: %w", err)
		case status.IsTerminal():
			return fmt.Errorf("record %s is %s: %w", record.ID, status, ErrRecordImmutable)
		}

		query := `
			INSERT INTO remediation_records (
				id, pass_id, idempotency_key, action, status, attempts, last_error, skip_reason,
				created_at, updated_at, applied_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				attempts = excluded.attempts,
				last_error = excluded.last_error,
				skip_reason = excluded.skip_reason,
				updated_at = excluded.updated_at,
				applied_at = excluded.applied_at
		`

		_, err = tx.ExecContext(ctx, query,
			record.ID,
			record.PassID,
			record.Action.IdempotencyKey,
			string(action),
			record.Status,
			record.Attempts,
			record.LastError,
			record.SkipReason,
			record.CreatedAt.UTC(),
			record.UpdatedAt.UTC(),
			nullTime(record.AppliedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save remediation record: %w", err)
		}
		return nil
	})
}

const recordColumns = `id, pass_id, action, status, attempts, last_error, skip_reason, created_at, updated_at, applied_at`

// GetRecord retrieves a remediation record by ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*engine.RemediationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM remediation_records WHERE id = ?`

	r, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("remediation record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRecords lists remediation records in creation order.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*engine.RemediationRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM remediation_records
		WHERE (? = '' OR pass_id = ?)
		  AND (? = '' OR idempotency_key = ?)
		  AND (? = '' OR status = ?)
		ORDER BY seq
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.PassID, filter.PassID,
		filter.IdempotencyKey, filter.IdempotencyKey,
		filter.Status, filter.Status,
		sqlLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list remediation records: %w", err)
	}
	defer rows.Close()

	records := []*engine.RemediationRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating remediation records: %w", err)
	}

	return records, nil
}

// CountSucceeded counts succeeded records sharing an idempotency key.
func (s *SQLiteStore) CountSucceeded(ctx context.Context, idempotencyKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM remediation_records WHERE idempotency_key = ? AND status = ?`,
		idempotencyKey, engine.RemediationSucceeded,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count remediation records: %w", err)
	}
	return n, nil
}

// SavePass inserts or updates a pass record.
func (s *SQLiteStore) SavePass(ctx context.Context, pass *engine.PassRecord) error {
	query := `
		INSERT INTO passes (id, provider, account, region, trigger_kind, status, started_at, completed_at, duration_ns, counts, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ns = excluded.duration_ns,
			counts = excluded.counts,
			errors = excluded.errors
	`

	counts, err := json.Marshal(pass.Counts)
	if err != nil {
		return fmt.Errorf("failed to encode pass counts: %w", err)
	}
	passErrors, err := marshalJSON(pass.Errors, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode pass errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		pass.ID,
		pass.Scope.Provider,
		pass.Scope.Account,
		pass.Scope.Region,
		pass.Trigger,
		pass.Status,
		pass.StartedAt.UTC(),
		nullTime(pass.CompletedAt),
		int64(pass.Duration),
		string(counts),
		passErrors,
	)
	if err != nil {
		return fmt.Errorf("failed to save pass: %w", err)
	}

	return nil
}

// ListPasses lists passes newest first, optionally restricted to a scope.
func (s *SQLiteStore) ListPasses(ctx context.Context, scope *engine.Scope, limit, offset int) ([]*engine.PassRecord, error) {
	query := `
		SELECT id, provider, account, region, trigger_kind, status, started_at, completed_at, duration_ns, counts, errors
		FROM passes
		WHERE (? = 0 OR (provider = ? AND account = ? AND region = ?))
		ORDER BY seq DESC
		LIMIT ? OFFSET ?
	`

	filtered := 0
	var sc engine.Scope
	if scope != nil {
		filtered = 1
		sc = *scope
	}

	rows, err := s.db.QueryContext(ctx, query, filtered, sc.Provider, sc.Account, sc.Region, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}
	defer rows.Close()

	passes := []*engine.PassRecord{}
	for rows.Next() {
		p := &engine.PassRecord{}
		var completedAt sql.NullTime
		var duration int64
		var counts, passErrors string
		err := rows.Scan(
			&p.ID,
			&p.Scope.Provider,
			&p.Scope.Account,
			&p.Scope.Region,
			&p.Trigger,
			&p.Status,
			&p.StartedAt,
			&completedAt,
			&duration,
			&counts,
			&passErrors,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pass: %w", err)
		}
		p.CompletedAt = timePtr(completedAt)
		p.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(counts), &p.Counts); err != nil {
			return nil, fmt.Errorf("failed to decode pass counts: %w", err)
		}
		if err := json.Unmarshal([]byte(passErrors), &p.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode pass errors: %w", err)
		}
		passes = append(passes, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating passes: %w", err)
	}

	return passes, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error {
	query := `
		INSERT INTO audit_log (id, action, actor, resource_id, outcome, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	var details any
	if entry.Details != nil {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = string(data)
	}

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Action,
		entry.Actor,
		entry.ResourceID,
		entry.Outcome,
		details,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*engine.AuditEntry, error) {
	query := `
		SELECT id, action, actor, resource_id, outcome, details, created_at
		FROM audit_log
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY seq DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		var details sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.ResourceID,
			&entry.Outcome,
			&details,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// AppendEvent stores an engine event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, type, pass_id, scope, resource_id, message, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	var payload any
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = string(data)
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.PassID,
		event.Scope,
		event.ResourceID,
		event.Message,
		payload,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents lists events oldest first. Payloads are decoded as generic JSON.
func (s *SQLiteStore) ListEvents(ctx context.Context, passID *string, limit, offset int) ([]*engine.Event, error) {
	query := `
		SELECT id, type, pass_id, scope, resource_id, message, payload, timestamp
		FROM events
		WHERE (? IS NULL OR pass_id = ?)
		ORDER BY seq
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, passID, passID, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		e := &engine.Event{}
		var payload sql.NullString
		err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.PassID,
			&e.Scope,
			&e.ResourceID,
			&e.Message,
			&payload,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid {
			var decoded any
			if err := json.Unmarshal([]byte(payload.String), &decoded); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
			e.Payload = decoded
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObserved(row scanner) (*engine.ObservedResource, error) {
	r := &engine.ObservedResource{}
	var attrs string
	err := row.Scan(
		&r.Identity.Provider,
		&r.Identity.Account,
		&r.Identity.Region,
		&r.Identity.ResourceType,
		&r.Identity.NativeID,
		&attrs,
		&r.Hash,
		&r.ObservedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan observed resource: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of %s: %w", r.Identity, err)
	}
	return r, nil
}

func scanRecord(row scanner) (*engine.RemediationRecord, error) {
	r := &engine.RemediationRecord{}
	var action string
	var appliedAt sql.NullTime
	err := row.Scan(
		&r.ID,
		&r.PassID,
		&action,
		&r.Status,
		&r.Attempts,
		&r.LastError,
		&r.SkipReason,
		&r.CreatedAt,
		&r.UpdatedAt,
		&appliedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan remediation record: %w", err)
	}
	if err := json.Unmarshal([]byte(action), &r.Action); err != nil {
		return nil, fmt.Errorf("failed to decode action of %s: %w", r.ID, err)
	}
	r.AppliedAt = timePtr(appliedAt)
	return r, nil
}

func identityArgs(id engine.ResourceIdentity) []any {
	return []any{id.Provider, id.Account, id.Region, id.ResourceType, id.NativeID}
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
