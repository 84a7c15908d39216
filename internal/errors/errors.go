// Package errors provides structured error types for the harness.
// Every error carries a category, a code, the step and node it belongs to,
// and any captured external output needed to diagnose it.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by how the failure was detected.
type ErrorCategory string

const (
	// ErrCategoryInvocation: an external command could not start or exited non-zero.
	ErrCategoryInvocation ErrorCategory = "INVOCATION"
	// ErrCategoryAssertion: expected text or values were absent from otherwise successful output.
	ErrCategoryAssertion ErrorCategory = "ASSERTION"
	// ErrCategoryState: on-disk or catalog state does not match the expected condition.
	ErrCategoryState ErrorCategory = "STATE"
	// ErrCategoryBestEffort: an optional step failed; logged, never propagated.
	ErrCategoryBestEffort ErrorCategory = "BEST_EFFORT"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Invocation codes
	CodeSpawnFailed    = "SPAWN_FAILED"
	CodeNonZeroExit    = "NON_ZERO_EXIT"
	CodeSessionFailed  = "SESSION_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"

	// Assertion codes
	CodeModuleMissing       = "MODULE_MISSING"
	CodeVersionMismatch     = "VERSION_MISMATCH"
	CodeConfirmationMissing = "CONFIRMATION_MISSING"
	CodeSnowflakeInvariant  = "SNOWFLAKE_INVARIANT"

	// State codes
	CodeBrokenInstall        = "BROKEN_INSTALL"
	CodeModuleStillInstalled = "MODULE_STILL_INSTALLED"
	CodeConversionNotApplied = "CONVERSION_NOT_APPLIED"
	CodeUnexpectedDefault    = "UNEXPECTED_DEFAULT"
	CodeStagingMissing       = "STAGING_MISSING"
	CodeTeardownIncomplete   = "TEARDOWN_INCOMPLETE"

	// Best-effort codes
	CodeOptionalStepFailed = "OPTIONAL_STEP_FAILED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the harness.
type Error struct {
	Category ErrorCategory
	Code     string
	Message  string
	// Step names the pipeline step, e.g. "setup" or "sequence-convert".
	Step string
	// Node is the 1-based node index, 0 when the error is not node specific.
	Node    int
	Details map[string]interface{}
	Cause   error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s:%s]", e.Category, e.Code)
	if e.Step != "" {
		prefix += " " + e.Step
	}
	if e.Node > 0 {
		prefix += fmt.Sprintf(" (node %d)", e.Node)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// At returns a copy of the error attributed to a step and node.
func (e *Error) At(step string, node int) *Error {
	cp := *e
	cp.Step = step
	cp.Node = node
	return &cp
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// Locate attributes err to a step and node. Harness errors are copied with
// the location filled in; anything else is wrapped as an internal error.
func Locate(err error, step string, node int) error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return he.At(step, node)
	}
	return NewInternalError(err.Error(), err).At(step, node)
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var he *Error
	if errors.As(err, &he) {
		return he.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// GetNode extracts the node index from an error chain.
func GetNode(err error) int {
	var he *Error
	if errors.As(err, &he) {
		return he.Node
	}
	return 0
}

// GetStep extracts the step name from an error chain.
func GetStep(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Step
	}
	return ""
}

// IsBestEffort reports whether the error only describes an ignored optional step.
func IsBestEffort(err error) bool {
	return GetCategory(err) == ErrCategoryBestEffort
}

// Convenience constructors for common errors.

func NewInvocationError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryInvocation, code, message, cause)
}

func NewAssertionError(code, message string) *Error {
	return New(ErrCategoryAssertion, code, message)
}

func NewStateError(code, message string) *Error {
	return New(ErrCategoryState, code, message)
}

func NewBestEffortError(message string, cause error) *Error {
	return Wrap(ErrCategoryBestEffort, CodeOptionalStepFailed, message, cause)
}

func NewConfigError(message string) *Error {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
