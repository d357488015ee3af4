package agent

import (
	"errors"
	"fmt"
)

// errorSentinel is the rune every terminal, user-visible error string is
// prefixed with, so the tool loop's circuit breaker can recognize an error
// tool-result by its first rune alone (see ErrorMarker).
const errorSentinel = "❌"

// ErrorMarker returns the leading marker every terminal error message and
// error tool-result must start with.
func ErrorMarker() string { return errorSentinel }

// DispatchErrorKind enumerates the dispatcher/provider error taxonomy.
type DispatchErrorKind string

const (
	KindAuth            DispatchErrorKind = "auth"
	KindRateLimit       DispatchErrorKind = "rate_limit"
	KindOverloaded      DispatchErrorKind = "overloaded"
	KindTokenOverflow   DispatchErrorKind = "token_overflow"
	KindTimeout         DispatchErrorKind = "timeout"
	KindNetwork         DispatchErrorKind = "network"
	KindCostCapExceeded DispatchErrorKind = "cost_cap_exceeded"
	KindProviderSchema  DispatchErrorKind = "provider_schema"
	KindCancelled       DispatchErrorKind = "cancelled"
	KindLoopDetected    DispatchErrorKind = "loop_detected"
	KindIterationCap    DispatchErrorKind = "iteration_cap"
)

// userMessages gives each kind its deterministic, U+274C-prefixed
// user-visible string. Messages never embed raw provider error text, which
// may carry secrets (keys, tokens) that must be scrubbed before any
// logging or display.
var userMessages = map[DispatchErrorKind]string{
	KindAuth:            errorSentinel + " authentication failed: check the configured API key",
	KindRateLimit:       errorSentinel + " rate limited by the provider, please retry shortly",
	KindOverloaded:      errorSentinel + " provider is overloaded, please retry shortly",
	KindTokenOverflow:   errorSentinel + " conversation is too long for this model's context window",
	KindTimeout:         errorSentinel + " request timed out",
	KindNetwork:         errorSentinel + " network error reaching the provider",
	KindCostCapExceeded: errorSentinel + " cost cap exceeded, request was not sent",
	KindProviderSchema:  errorSentinel + " provider returned an unexpected response shape",
	KindCancelled:       errorSentinel + " request cancelled",
	KindLoopDetected:    errorSentinel + " tool loop detected and stopped to avoid repeating the same call",
	KindIterationCap:    errorSentinel + " reached the maximum number of tool-use iterations",
}

// DispatchError is the structured error type returned by the dispatcher and
// provider adapters. It always renders a deterministic, sentinel-prefixed
// message via Error(), regardless of the wrapped Cause, so callers can
// display it directly without leaking provider internals.
type DispatchError struct {
	Kind     DispatchErrorKind
	Provider string
	Cause    error
}

func (e *DispatchError) Error() string {
	msg, ok := userMessages[e.Kind]
	if !ok {
		msg = errorSentinel + " " + string(e.Kind)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Provider)
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// NewDispatchError builds a DispatchError of the given kind wrapping cause.
func NewDispatchError(kind DispatchErrorKind, provider string, cause error) *DispatchError {
	return &DispatchError{Kind: kind, Provider: provider, Cause: cause}
}

// IsKind reports whether err is a *DispatchError of the given kind.
func IsKind(err error, kind DispatchErrorKind) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// Sentinel errors for dispatcher-level conditions that do not need a
// provider or cause attached.
var (
	ErrCostCapExceeded = &DispatchError{Kind: KindCostCapExceeded}
	ErrLoopDetected    = &DispatchError{Kind: KindLoopDetected}
	ErrIterationCap    = &DispatchError{Kind: KindIterationCap}
	ErrCancelled       = &DispatchError{Kind: KindCancelled}
)

// IsRetryableKind reports whether the dispatcher's retry policy should
// retry an error of this kind before falling over to another provider.
func IsRetryableKind(kind DispatchErrorKind) bool {
	switch kind {
	case KindRateLimit, KindOverloaded, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// IsFailoverEligible reports whether the dispatcher should attempt a
// cross-provider hop after retries under this kind are exhausted. Auth,
// cost-cap, and token-overflow never fail over; they propagate immediately
// per the dispatcher's error-propagation policy.
func IsFailoverEligible(kind DispatchErrorKind) bool {
	switch kind {
	case KindAuth, KindCostCapExceeded, KindTokenOverflow, KindCancelled:
		return false
	default:
		return true
	}
}
