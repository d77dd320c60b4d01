package svid

import (
	"errors"
	"fmt"
	"strings"
)

// IdentityErrorType represents different categories of identity errors.
type IdentityErrorType string

const (
	// Contract violations: caller bugs, never retried.
	ErrorTypeContractViolation IdentityErrorType = "contract_violation"
	ErrorTypeNotImplemented    IdentityErrorType = "not_implemented"

	// Transport/process failures: caught at component boundaries.
	ErrorTypeTransportFailure IdentityErrorType = "transport_failure"
	ErrorTypeProcessFailure   IdentityErrorType = "process_failure"
	ErrorTypeKeyMaterial      IdentityErrorType = "key_material"

	// Enforcement violations: security policy breaches, distinct from
	// routine validation failures.
	ErrorTypeTLSEnforcement IdentityErrorType = "tls_enforcement"

	// Controller state errors.
	ErrorTypeNotInitialized IdentityErrorType = "not_initialized"
)

// IdentityError is a structured error with a category and context fields.
// Routine validation failures (expired, revoked, unpinned, wrong trust
// domain) are NOT errors; they are returned as Result values. IdentityError
// is reserved for contract violations, enforcement breaches, and
// unrecoverable transport or process faults.
type IdentityError struct {
	Type    IdentityErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *IdentityError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", string(e.Type)))
	parts = append(parts, e.Message)

	if len(e.Context) > 0 {
		var contextParts []string
		for key, value := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, value))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping.
func (e *IdentityError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *IdentityError) WithContext(key string, value interface{}) *IdentityError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewIdentityError creates a new identity error with the specified type and message.
func NewIdentityError(errorType IdentityErrorType, message string) *IdentityError {
	return &IdentityError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewIdentityErrorWithCause creates a new identity error with an underlying cause.
func NewIdentityErrorWithCause(errorType IdentityErrorType, message string, cause error) *IdentityError {
	return &IdentityError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewContractViolation reports a caller bug such as a missing required
// parameter or an empty certificate chain.
func NewContractViolation(message string) *IdentityError {
	return NewIdentityError(ErrorTypeContractViolation, message)
}

// NewNotImplemented reports an attestation strategy without an implementation.
func NewNotImplemented(what string) *IdentityError {
	return NewIdentityError(ErrorTypeNotImplemented, fmt.Sprintf("%s is not implemented", what)).
		WithContext("requested", what)
}

// IsContractViolation reports whether err is a caller contract violation.
func IsContractViolation(err error) bool {
	var identityErr *IdentityError
	if errors.As(err, &identityErr) {
		return identityErr.Type == ErrorTypeContractViolation
	}
	return false
}

// IsEnforcementViolation reports whether err indicates a TLS policy breach.
func IsEnforcementViolation(err error) bool {
	var identityErr *IdentityError
	if errors.As(err, &identityErr) {
		return identityErr.Type == ErrorTypeTLSEnforcement
	}
	return false
}

// IsTransportFailure reports whether err is a transport or process fault.
func IsTransportFailure(err error) bool {
	var identityErr *IdentityError
	if errors.As(err, &identityErr) {
		return identityErr.Type == ErrorTypeTransportFailure ||
			identityErr.Type == ErrorTypeProcessFailure
	}
	return false
}
