package billing

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution failures for retry filtering and reporting.
type ErrorKind string

const (
	// ErrKindValidation marks malformed configuration. Validation errors are
	// itemized and rejected before activation, never partially applied.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindTransient marks network or timeout failures during an action.
	// Transient errors are retried per policy, then dead-lettered.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindPermanent marks unsupported action types or bad parameters.
	// Permanent errors fail immediately without retry.
	ErrKindPermanent ErrorKind = "permanent"
	// ErrKindScheduling marks invalid cron expressions. The affected trigger
	// is disabled; the scheduler itself keeps running.
	ErrKindScheduling ErrorKind = "scheduling"
	// ErrKindEscalationExhausted marks a violation that reached its maximum
	// escalation level without resolution. Terminal, not retryable.
	ErrKindEscalationExhausted ErrorKind = "escalation_exhausted"
	// ErrKindRateLimited marks a delivery deferred by rate limiting.
	ErrKindRateLimited ErrorKind = "rate_limited"
)

func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrKindValidation, ErrKindTransient, ErrKindPermanent,
		ErrKindScheduling, ErrKindEscalationExhausted, ErrKindRateLimited:
		return true
	}
	return false
}

// ExecError carries an error kind alongside the wrapped cause so the retry
// executor can filter on it.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// NewExecError wraps err with the given kind.
func NewExecError(kind ErrorKind, err error) *ExecError {
	return &ExecError{Kind: kind, Err: err}
}

// Transientf builds a transient execution error.
func Transientf(format string, args ...interface{}) *ExecError {
	return &ExecError{Kind: ErrKindTransient, Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a permanent execution error.
func Permanentf(format string, args ...interface{}) *ExecError {
	return &ExecError{Kind: ErrKindPermanent, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind from err. Unclassified errors are treated
// as transient so that external I/O failures stay retryable by default.
func KindOf(err error) ErrorKind {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return ErrKindTransient
}

// TemplateError reports a template variable that was referenced but not
// supplied at render time.
type TemplateError struct {
	Template string
	Variable string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q references undefined variable %q", e.Template, e.Variable)
}

// ValidationErrors is the complete, itemized list of configuration problems
// found during a save attempt. The configuration is never partially applied.
type ValidationErrors struct {
	Errors []string `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("configuration invalid: %d errors", len(v.Errors))
}

// Add appends an itemized error message.
func (v *ValidationErrors) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// HasErrors reports whether any validation error was recorded.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}
