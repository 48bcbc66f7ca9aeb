package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Task store errors
	ErrTaskNotFound       = errors.New("task not found")
	ErrDuplicateTask      = errors.New("task already exists")
	ErrIllegalTransition  = errors.New("illegal task state transition")
	ErrTaskNotCancellable = errors.New("task not cancellable")

	// Discovery and routing errors
	ErrModelNotFound         = errors.New("model not found")
	ErrUnsupportedCapability = errors.New("model does not support requested capability")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrCredentialDisabled    = errors.New("credential disabled")
	ErrModelNotAllowed       = errors.New("credential not allowed for model")

	// Dispatch errors
	ErrCircuitOpen       = errors.New("provider circuit breaker open")
	ErrRetriesExhausted  = errors.New("retry budget exhausted")
	ErrAlreadyRunning    = errors.New("already running")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// ErrorKind is the structured error taxonomy of the dispatch path.
// Retryability is a property of the kind, not of the message text.
type ErrorKind string

const (
	KindValidation            ErrorKind = "validation_error"
	KindAuthorization         ErrorKind = "authorization_error"
	KindModelNotFound         ErrorKind = "model_not_found"
	KindUnsupportedCapability ErrorKind = "unsupported_capability"
	KindProviderUnavailable   ErrorKind = "provider_unavailable"
	KindProviderTransient     ErrorKind = "provider_transient_error"
	KindProviderPermanent     ErrorKind = "provider_permanent_error"
	KindStorageTransient      ErrorKind = "storage_transient_error"
	KindStoragePermanent      ErrorKind = "storage_permanent_error"
	KindCancelled             ErrorKind = "cancelled"
	KindInternal              ErrorKind = "internal_error"
)

// Retryable reports whether a failure of this kind should be rescheduled.
// ProviderUnavailable is retryable: circuit-open and disabled-provider
// conditions are expected to clear.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindProviderTransient, KindStorageTransient, KindProviderUnavailable:
		return true
	}
	return false
}

// GatewayError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type GatewayError struct {
	Op      string    // Operation that failed (e.g., "orchestrator.dispatch")
	Kind    ErrorKind // Structured kind driving retry classification
	TaskID  string    // Optional task involved
	Message string    // Human-readable message
	Err     error     // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *GatewayError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.TaskID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.TaskID, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a structured error wrapping err.
func NewGatewayError(op string, kind ErrorKind, err error) *GatewayError {
	return &GatewayError{Op: op, Kind: kind, Err: err}
}

// transientFragments is the documented fallback for classifying errors
// that carry no structured kind. Matching is case-insensitive.
var transientFragments = []string{
	"timeout",
	"timed out",
	"connection",
	"network",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"rate limit",
}

// Classify maps an arbitrary error onto the taxonomy. Structured kinds
// and sentinels are consulted first; message substring matching is only
// the last resort for opaque provider errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var ge *GatewayError
	if errors.As(err, &ge) && ge.Kind != "" {
		return ge.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindProviderTransient
	case errors.Is(err, ErrModelNotFound):
		return KindModelNotFound
	case errors.Is(err, ErrUnsupportedCapability):
		return KindUnsupportedCapability
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrCircuitOpen):
		return KindProviderUnavailable
	case errors.Is(err, ErrCredentialDisabled), errors.Is(err, ErrModelNotAllowed):
		return KindAuthorization
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return KindProviderTransient
		}
	}

	return KindInternal
}

// IsRetryable reports whether the error should be retried, classifying
// by structured kind first per the dispatch error design.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
