package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStructuredKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"gateway error carries kind", NewGatewayError("dispatch", KindProviderPermanent, errors.New("content policy")), KindProviderPermanent},
		{"wrapped gateway error", fmt.Errorf("outer: %w", NewGatewayError("dispatch", KindValidation, errors.New("bad n"))), KindValidation},
		{"context cancelled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindProviderTransient},
		{"model not found sentinel", fmt.Errorf("resolve: %w", ErrModelNotFound), KindModelNotFound},
		{"capability sentinel", ErrUnsupportedCapability, KindUnsupportedCapability},
		{"circuit open sentinel", ErrCircuitOpen, KindProviderUnavailable},
		{"provider unavailable sentinel", ErrProviderUnavailable, KindProviderUnavailable},
		{"disabled credential", ErrCredentialDisabled, KindAuthorization},
		{"model not allowed", ErrModelNotAllowed, KindAuthorization},
		{"unknown error is internal", errors.New("nil pointer dereference"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

// Substring matching is only the fallback for opaque provider errors.
func TestClassifySubstringFallback(t *testing.T) {
	transient := []string{
		"request Timeout while calling upstream",
		"operation timed out",
		"connection reset by peer",
		"network is unreachable",
		"server Temporarily Unavailable",
		"503 service unavailable",
		"429 Too Many Requests",
		"rate limit exceeded",
	}

	for _, msg := range transient {
		if got := Classify(errors.New(msg)); got != KindProviderTransient {
			t.Errorf("Classify(%q) = %s, want provider_transient_error", msg, got)
		}
	}
}

// A structured kind wins over a misleading message.
func TestClassifyKindBeforeMessage(t *testing.T) {
	err := NewGatewayError("dispatch", KindProviderPermanent, errors.New("upstream timeout during moderation"))
	if got := Classify(err); got != KindProviderPermanent {
		t.Errorf("structured kind must win over substring match, got %s", got)
	}
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{KindProviderTransient, KindStorageTransient, KindProviderUnavailable}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s must be retryable", k)
		}
	}

	nonRetryable := []ErrorKind{
		KindValidation, KindAuthorization, KindModelNotFound,
		KindUnsupportedCapability, KindProviderPermanent,
		KindStoragePermanent, KindCancelled, KindInternal,
	}
	for _, k := range nonRetryable {
		if k.Retryable() {
			t.Errorf("%s must not be retryable", k)
		}
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	inner := ErrModelNotFound
	err := NewGatewayError("resolver.resolve", KindModelNotFound, inner)

	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("errors.Is must see through GatewayError")
	}

	var ge *GatewayError
	if !errors.As(err, &ge) || ge.Kind != KindModelNotFound {
		t.Errorf("errors.As failed to extract GatewayError")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("connection refused")) {
		t.Errorf("transient message must be retryable")
	}
	if IsRetryable(NewGatewayError("x", KindValidation, errors.New("bad request"))) {
		t.Errorf("validation error must not be retryable")
	}
}
