// Package faults defines the error kinds shared by the orchestration core.
//
// Every error surfaced by the orchestrator, the human gate service and the tool
// execution gateway is (or wraps) a *Error carrying a Kind. Callers branch on
// the kind with errors.Is against the sentinel values, or extract the full
// error with errors.As.
package faults

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for propagation and retry policy.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindDependency        Kind = "dependency_not_satisfied"
	KindAttestation       Kind = "attestation_required"
	KindCriticalIssue     Kind = "critical_issue_blocking"
	KindActionExpired     Kind = "action_expired"
	KindAuthorization     Kind = "authorization_error"
	KindToolExecution     Kind = "tool_execution_error"
	KindTimeout           Kind = "timeout_error"
	KindServiceDegraded   Kind = "service_degraded"
	KindInvalidTransition Kind = "invalid_transition"
)

// Sentinels for errors.Is comparisons. Matching is by kind only.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrDependency        = &Error{Kind: KindDependency}
	ErrAttestation       = &Error{Kind: KindAttestation}
	ErrCriticalIssue     = &Error{Kind: KindCriticalIssue}
	ErrActionExpired     = &Error{Kind: KindActionExpired}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrToolExecution     = &Error{Kind: KindToolExecution}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrServiceDegraded   = &Error{Kind: KindServiceDegraded}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
)

// Error is a categorized error.
type Error struct {
	Kind      Kind   // What went wrong
	Op        string // The operation that failed (e.g. "humangate.decide")
	Message   string // Human-readable detail
	Code      string // Optional machine code from a remote backend
	Retryable bool   // Whether a caller may safely re-trigger the operation
	Err       error  // Underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that errors.Is(err, faults.ErrNotFound) works
// for any *Error of that kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a categorized error.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind.Transient(),
	}
}

// Wrap categorizes an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Retryable: kind.Transient(),
		Err:       err,
	}
}

// Validation returns a ValidationError.
func Validation(op, format string, args ...interface{}) *Error {
	return New(KindValidation, op, format, args...)
}

// NotFound returns a NotFoundError for the given entity.
func NotFound(op, entity, id string) *Error {
	return New(KindNotFound, op, "%s %q not found", entity, id)
}

// Authorization returns an AuthorizationError.
func Authorization(op, format string, args ...interface{}) *Error {
	return New(KindAuthorization, op, format, args...)
}

// ToolExecution returns a retryable ToolExecutionError.
func ToolExecution(op, code string, err error) *Error {
	return &Error{
		Kind:      KindToolExecution,
		Op:        op,
		Code:      code,
		Retryable: true,
		Err:       err,
	}
}

// Transient reports whether errors of this kind may succeed on retry.
func (k Kind) Transient() bool {
	return k == KindToolExecution || k == KindTimeout
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
