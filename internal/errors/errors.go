// Package errors provides structured error types for aof.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for aof.
const (
	// Initialization errors
	CodeNotInitialized     Code = "AOF_NOT_INITIALIZED"
	CodeAlreadyInitialized Code = "AOF_ALREADY_INITIALIZED"

	// Task errors
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeInvalidTransition Code = "TASK_INVALID_TRANSITION"
	CodeCycleDetected     Code = "TASK_CYCLE_DETECTED"
	CodeValidationFailed  Code = "TASK_VALIDATION_FAILED"

	// Lease errors
	CodeLeaseHeld         Code = "LEASE_HELD"
	CodeNotLeaseholder    Code = "LEASE_NOT_HOLDER"
	CodeRenewalsExhausted Code = "LEASE_RENEWALS_EXHAUSTED"

	// Gate errors
	CodeGateUnauthorized    Code = "GATE_UNAUTHORIZED"
	CodeRejectionNotAllowed Code = "GATE_REJECTION_NOT_ALLOWED"
	CodeInvalidGate         Code = "GATE_INVALID"
	CodeWorkflowNotFound    Code = "WORKFLOW_NOT_FOUND"

	// Authorization errors
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// Project errors
	CodeProjectNotFound Code = "PROJECT_NOT_FOUND"
	CodeProjectExists   Code = "PROJECT_EXISTS"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"

	// Infrastructure errors
	CodeIO       Code = "IO_ERROR"
	CodeTimeout  Code = "TIMEOUT"
	CodeInternal Code = "INTERNAL"
)

// Category groups error codes for HTTP status and exit code mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryForbidden
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeNotInitialized:      CategoryBadRequest,
	CodeAlreadyInitialized:  CategoryConflict,
	CodeTaskNotFound:        CategoryNotFound,
	CodeInvalidTransition:   CategoryBadRequest,
	CodeCycleDetected:       CategoryBadRequest,
	CodeValidationFailed:    CategoryBadRequest,
	CodeLeaseHeld:           CategoryConflict,
	CodeNotLeaseholder:      CategoryForbidden,
	CodeRenewalsExhausted:   CategoryConflict,
	CodeGateUnauthorized:    CategoryForbidden,
	CodeRejectionNotAllowed: CategoryForbidden,
	CodeInvalidGate:         CategoryBadRequest,
	CodeWorkflowNotFound:    CategoryNotFound,
	CodePermissionDenied:    CategoryForbidden,
	CodeProjectNotFound:     CategoryNotFound,
	CodeProjectExists:       CategoryConflict,
	CodeConfigInvalid:       CategoryBadRequest,
	CodeIO:                  CategoryInternal,
	CodeTimeout:             CategoryTimeout,
	CodeInternal:            CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryForbidden:
		return 403
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// ExitCode returns the process exit code for a category. User-visible
// failures exit 1, internal failures exit 2.
func (c Category) ExitCode() int {
	switch c {
	case CategoryNotFound, CategoryBadRequest, CategoryConflict, CategoryForbidden:
		return 1
	default:
		return 2
	}
}

// AOFError is the structured error type for aof.
type AOFError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *AOFError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *AOFError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *AOFError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *AOFError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *AOFError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// ExitCode returns the process exit code for this error.
func (e *AOFError) ExitCode() int {
	return e.Category().ExitCode()
}

// MarshalJSON implements json.Marshaler.
func (e *AOFError) MarshalJSON() ([]byte, error) {
	type alias AOFError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an AOFError with the same code.
func (e *AOFError) Is(target error) bool {
	t, ok := target.(*AOFError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *AOFError) WithCause(err error) *AOFError {
	return &AOFError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// --- Error constructors ---

// ErrNotInitialized returns an error for an uninitialized vault root.
func ErrNotInitialized(root string) *AOFError {
	return &AOFError{
		Code:    CodeNotInitialized,
		What:    "aof is not initialized at this root",
		Why:     fmt.Sprintf("No Projects/ directory found under %s", root),
		Fix:     "Run 'aof init' to create a vault, or pass --root",
		DocsURL: "https://github.com/randalmurphal/aof#quick-start",
	}
}

// ErrAlreadyInitialized returns an error when a project already exists.
func ErrAlreadyInitialized(path string) *AOFError {
	return &AOFError{
		Code:    CodeAlreadyInitialized,
		What:    "project is already initialized",
		Why:     fmt.Sprintf("Found existing project directory at %s", path),
		Fix:     "Use a different project id, or remove the directory manually",
		DocsURL: "https://github.com/randalmurphal/aof#initialization",
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *AOFError {
	return &AOFError{
		Code:    CodeTaskNotFound,
		What:    fmt.Sprintf("task %s not found", id),
		Why:     "No task with this ID exists in any status directory",
		Fix:     "Run 'aof board' to list known tasks",
		DocsURL: "https://github.com/randalmurphal/aof#tasks",
	}
}

// ErrInvalidTransition returns an error for an illegal status move.
func ErrInvalidTransition(id, from, to string) *AOFError {
	return &AOFError{
		Code:    CodeInvalidTransition,
		What:    fmt.Sprintf("cannot move task %s from %s to %s", id, from, to),
		Why:     "The status graph does not allow this transition",
		Fix:     "Completion goes through review; use 'aof task complete' for the full path",
		DocsURL: "https://github.com/randalmurphal/aof#task-states",
	}
}

// ErrCycleDetected returns an error for a dependency cycle.
func ErrCycleDetected(id string, path []string) *AOFError {
	return &AOFError{
		Code: CodeCycleDetected,
		What: fmt.Sprintf("dependency cycle involving task %s", id),
		Why:  fmt.Sprintf("Cycle: %s", strings.Join(path, " -> ")),
		Fix:  "Remove one of the dependencies in the cycle",
	}
}

// ErrValidationFailed returns an error for a corrupt or invalid task file.
func ErrValidationFailed(path, reason string) *AOFError {
	return &AOFError{
		Code: CodeValidationFailed,
		What: fmt.Sprintf("task file %s failed validation", path),
		Why:  reason,
		Fix:  "Fix the front-matter by hand, then run 'aof lint'",
	}
}

// ErrLeaseHeld returns an error when a lease is already held.
func ErrLeaseHeld(id, holder string) *AOFError {
	return &AOFError{
		Code: CodeLeaseHeld,
		What: fmt.Sprintf("task %s is already leased", id),
		Why:  fmt.Sprintf("Agent %s holds an active lease", holder),
		Fix:  "Wait for the lease to expire or for the holder to release it",
	}
}

// ErrNotLeaseholder returns an error when the caller does not hold the lease.
func ErrNotLeaseholder(id, agent, holder string) *AOFError {
	return &AOFError{
		Code: CodeNotLeaseholder,
		What: fmt.Sprintf("agent %s does not hold the lease on task %s", agent, id),
		Why:  fmt.Sprintf("Current leaseholder is %s", holder),
	}
}

// ErrRenewalsExhausted returns an error when a lease hits its renewal cap.
func ErrRenewalsExhausted(id string, max int) *AOFError {
	return &AOFError{
		Code: CodeRenewalsExhausted,
		What: fmt.Sprintf("lease on task %s cannot be renewed", id),
		Why:  fmt.Sprintf("Renewal count exceeded the maximum of %d", max),
		Fix:  "Release the lease and re-acquire, or raise lease.maxRenewals in aof.yaml",
	}
}

// ErrGateUnauthorized returns an error for a role mismatch at a gate.
func ErrGateUnauthorized(gateID, want, got string) *AOFError {
	return &AOFError{
		Code: CodeGateUnauthorized,
		What: fmt.Sprintf("role %s may not act on gate %s", got, gateID),
		Why:  fmt.Sprintf("Gate %s requires role %s", gateID, want),
	}
}

// ErrRejectionNotAllowed returns an error when a gate forbids rejection.
func ErrRejectionNotAllowed(gateID string) *AOFError {
	return &AOFError{
		Code: CodeRejectionNotAllowed,
		What: fmt.Sprintf("gate %s does not allow rejection", gateID),
		Why:  "The gate is configured with canReject: false",
	}
}

// ErrInvalidGate returns an error for an unknown gate id.
func ErrInvalidGate(gateID, workflow string) *AOFError {
	return &AOFError{
		Code: CodeInvalidGate,
		What: fmt.Sprintf("gate %s is not part of workflow %s", gateID, workflow),
		Fix:  "Check the workflow definition under workflows/",
	}
}

// ErrWorkflowNotFound returns an error for an unknown workflow name.
func ErrWorkflowNotFound(name string) *AOFError {
	return &AOFError{
		Code:    CodeWorkflowNotFound,
		What:    fmt.Sprintf("workflow %s not found", name),
		Fix:     "Define it under workflows/ or use one of the built-in workflows",
		DocsURL: "https://github.com/randalmurphal/aof#workflows",
	}
}

// ErrPermissionDenied returns an error for a guarded store operation.
func ErrPermissionDenied(role, op string) *AOFError {
	return &AOFError{
		Code: CodePermissionDenied,
		What: fmt.Sprintf("role %s may not perform %s", role, op),
		Why:  "The operation is outside the role's allow list",
	}
}

// ErrProjectNotFound returns an error for a missing project.
func ErrProjectNotFound(id string) *AOFError {
	return &AOFError{
		Code: CodeProjectNotFound,
		What: fmt.Sprintf("project %s not found", id),
		Fix:  "Run 'aof projects list' to see registered projects",
	}
}

// ErrProjectExists returns an error when a project id is taken.
func ErrProjectExists(id string) *AOFError {
	return &AOFError{
		Code: CodeProjectExists,
		What: fmt.Sprintf("project %s already exists", id),
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *AOFError {
	return &AOFError{
		Code:    CodeConfigInvalid,
		What:    fmt.Sprintf("invalid configuration: %s", field),
		Why:     reason,
		Fix:     "Check aof.yaml at the vault root and fix the invalid field",
		DocsURL: "https://github.com/randalmurphal/aof#configuration",
	}
}

// ErrIO wraps a filesystem error.
func ErrIO(what string, cause error) *AOFError {
	return &AOFError{
		Code:  CodeIO,
		What:  what,
		Cause: cause,
	}
}

// ErrTimeout returns an error for an exceeded deadline.
func ErrTimeout(what string) *AOFError {
	return &AOFError{
		Code: CodeTimeout,
		What: what,
		Why:  "The operation exceeded its deadline",
	}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(what string, cause error) *AOFError {
	return &AOFError{
		Code:  CodeInternal,
		What:  what,
		Cause: cause,
	}
}

// AsAOFError attempts to convert an error to an AOFError.
// Returns nil if the error is not an AOFError.
func AsAOFError(err error) *AOFError {
	var aofErr *AOFError
	if As(err, &aofErr) {
		return aofErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if aofErr, ok := err.(*AOFError); ok {
		if t, ok := target.(**AOFError); ok {
			*t = aofErr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into an AOFError with unknown code.
func Wrap(err error, what string) *AOFError {
	return &AOFError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
