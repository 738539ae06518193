package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies an adapter failure for retry decisions.
type ErrorCategory string

const (
	// ErrorCategoryRateLimited indicates provider throttling or quota exhaustion.
	// Retried with exponential backoff.
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"

	// ErrorCategoryTransient indicates a temporary network or service failure.
	ErrorCategoryTransient ErrorCategory = "transient"

	// ErrorCategoryPermissionDenied indicates missing credentials or permissions.
	ErrorCategoryPermissionDenied ErrorCategory = "permission_denied"

	// ErrorCategoryNotFound indicates the target resource no longer exists.
	ErrorCategoryNotFound ErrorCategory = "not_found"

	// ErrorCategoryInvalid indicates the provider rejected the request.
	ErrorCategoryInvalid ErrorCategory = "invalid"

	// ErrorCategoryUnknown is used when the adapter could not classify the failure.
	ErrorCategoryUnknown ErrorCategory = "unknown"
)

// IsRetryable returns true for rate-limited and transient failures.
func (c ErrorCategory) IsRetryable() bool {
	return c == ErrorCategoryRateLimited || c == ErrorCategoryTransient
}

// AdapterError is returned by Cloud Adapters.
type AdapterError struct {
	// Category is the failure classification.
	Category ErrorCategory `json:"category"`

	// Provider is the adapter that failed.
	Provider string `json:"provider,omitempty"`

	// Operation is the adapter operation (list_resources, apply_action, ...).
	Operation string `json:"operation,omitempty"`

	// Message is the human-readable message.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// NewAdapterError creates an adapter error of the given category.
func NewAdapterError(category ErrorCategory, message string, err error) *AdapterError {
	return &AdapterError{Category: category, Message: message, Err: err}
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	prefix := fmt.Sprintf("adapter error [%s]", e.Category)
	if e.Provider != "" {
		prefix += " " + e.Provider
	}
	if e.Operation != "" {
		prefix += "." + e.Operation
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on retry.
func (e *AdapterError) Retryable() bool {
	return e.Category.IsRetryable()
}

// WithProvider sets the provider name.
func (e *AdapterError) WithProvider(provider string) *AdapterError {
	e.Provider = provider
	return e
}

// WithOperation sets the operation name.
func (e *AdapterError) WithOperation(op string) *AdapterError {
	e.Operation = op
	return e
}

// ClassifyError returns the adapter category of err.
// Context cancellation and deadline errors are transient; anything that is
// not an AdapterError is unknown.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTransient
	}
	return ErrorCategoryUnknown
}

// IsRetryable returns true if err is a retryable adapter error.
func IsRetryable(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// ReconciliationReason names the cause of a systemic pass failure.
type ReconciliationReason string

const (
	ReasonEmptyObservation   ReconciliationReason = "empty_observation"
	ReasonAdapterUnavailable ReconciliationReason = "adapter_unavailable"
	ReasonTimeout            ReconciliationReason = "timeout"
	ReasonStore              ReconciliationReason = "store"
)

// ReconciliationError is a systemic failure that aborts one scope's pass.
type ReconciliationError struct {
	Scope   Scope
	Reason  ReconciliationReason
	Message string
	Err     error
}

// NewReconciliationError creates a reconciliation error.
func NewReconciliationError(scope Scope, reason ReconciliationReason, message string, err error) *ReconciliationError {
	return &ReconciliationError{Scope: scope, Reason: reason, Message: message, Err: err}
}

// Error implements the error interface.
func (e *ReconciliationError) Error() string {
	msg := fmt.Sprintf("reconciliation of %s failed (%s): %s", e.Scope, e.Reason, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// PolicyEvaluationError is a per-rule failure; it never aborts a pass.
type PolicyEvaluationError struct {
	RuleID   string
	Identity ResourceIdentity
	Err      error
}

// Error implements the error interface.
func (e *PolicyEvaluationError) Error() string {
	return fmt.Sprintf("policy rule %s failed on %s: %v", e.RuleID, e.Identity, e.Err)
}

// Unwrap returns the underlying error.
func (e *PolicyEvaluationError) Unwrap() error {
	return e.Err
}

// RemediationError is a terminal remediation failure.
type RemediationError struct {
	IdempotencyKey string
	Identity       ResourceIdentity
	Kind           ActionKind
	Attempts       int
	Category       ErrorCategory
	Err            error
}

// Error implements the error interface.
func (e *RemediationError) Error() string {
	return fmt.Sprintf("remediation %s on %s failed after %d attempt(s) [%s]: %v",
		e.Kind, e.Identity, e.Attempts, e.Category, e.Err)
}

// Unwrap returns the underlying error.
func (e *RemediationError) Unwrap() error {
	return e.Err
}
