package lifecycle

import (
	"errors"
	"fmt"
)

// ErrorKind classifies lifecycle errors for callers and the HTTP layer.
type ErrorKind string

const (
	// KindNotFound means the model does not exist or has been deleted.
	KindNotFound ErrorKind = "not_found"

	// KindValidation means the request was rejected before touching state.
	KindValidation ErrorKind = "validation"

	// KindInvalidTransition means the event is not allowed from the current state.
	KindInvalidTransition ErrorKind = "invalid_transition"

	// KindConcurrentModification means a compare-and-swap lost against another writer.
	KindConcurrentModification ErrorKind = "concurrent_modification"

	// KindConflict means the operation cannot proceed right now, for example
	// deleting a model while a job is running or exhausting CAS retries.
	KindConflict ErrorKind = "conflict"

	// KindExecutorTimeout means a job did not report completion in time.
	KindExecutorTimeout ErrorKind = "executor_timeout"

	// KindUnsupported means the configured collaborators cannot serve the request.
	KindUnsupported ErrorKind = "unsupported"
)

// Error is a classified lifecycle error with context.
type Error struct {
	Kind      ErrorKind              `json:"kind"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	ModelID   string                 `json:"model_id,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Err       error                  `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.ModelID != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (model=%s, operation=%s)", msg, e.ModelID, e.Operation)
	} else if e.ModelID != "" {
		msg = fmt.Sprintf("%s (model=%s)", msg, e.ModelID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// Sentinels for errors.Is. Do not call With* on them.
var (
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "model not found"}
	ErrValidation             = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification, Message: "concurrent modification"}
	ErrConflict               = &Error{Kind: KindConflict, Message: "conflict"}
	ErrExecutorTimeout        = &Error{Kind: KindExecutorTimeout, Message: "executor timeout"}
	ErrUnsupported            = &Error{Kind: KindUnsupported, Message: "unsupported"}
)

// NewNotFoundError creates a not-found error for a model id.
func NewNotFoundError(id string) *Error {
	return &Error{Kind: KindNotFound, Message: "model not found", ModelID: id, Code: ErrCodeNotFound}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Code: ErrCodeValidation}
}

// NewInvalidTransitionError creates an error for an event not allowed in state.
func NewInvalidTransitionError(from State, event Event) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("event %q is not allowed in state %q", event, from),
		Code:    ErrCodeInvalidTransition,
		Details: map[string]interface{}{"state": string(from), "event": string(event)},
	}
}

// NewConcurrentModificationError creates an error for a lost compare-and-swap.
func NewConcurrentModificationError(id string, expected int64) *Error {
	return &Error{
		Kind:    KindConcurrentModification,
		Message: fmt.Sprintf("state version %d is stale", expected),
		ModelID: id,
		Code:    ErrCodeConcurrentModification,
	}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Code: ErrCodeConflict, Err: err}
}

// NewExecutorTimeoutError creates the error used when a job exceeds its timeout.
func NewExecutorTimeoutError(jobID string) *Error {
	return &Error{
		Kind:    KindExecutorTimeout,
		Message: "job did not complete in time",
		Code:    ErrCodeTimeout,
		Details: map[string]interface{}{"job_id": jobID},
	}
}

// NewUnsupportedError creates an unsupported-operation error.
func NewUnsupportedError(message string) *Error {
	return &Error{Kind: KindUnsupported, Message: message, Code: ErrCodeUnsupported}
}

// WithModel adds the model id to the error.
func (e *Error) WithModel(id string) *Error {
	e.ModelID = id
	return e
}

// WithOperation adds the operation name to the error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the wrapped error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsInvalidTransition reports whether err is an invalid transition.
func IsInvalidTransition(err error) bool { return KindOf(err) == KindInvalidTransition }

// IsConcurrentModification reports whether err is a lost compare-and-swap.
func IsConcurrentModification(err error) bool {
	return KindOf(err) == KindConcurrentModification
}

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsExecutorTimeout reports whether err is a job timeout.
func IsExecutorTimeout(err error) bool { return KindOf(err) == KindExecutorTimeout }

// Error codes.
const (
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeJobInFlight            = "JOB_IN_FLIGHT"
	ErrCodeRetriesExhausted       = "RETRIES_EXHAUSTED"
	ErrCodeTimeout                = "TIMEOUT"
	ErrCodePolicyDenied           = "POLICY_DENIED"
	ErrCodeUnsupported            = "UNSUPPORTED"
)
