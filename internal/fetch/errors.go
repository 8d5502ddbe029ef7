package fetch

import (
	"errors"
	"fmt"
)

// FailureType classifies why a strategy attempt failed.
type FailureType string

// Failure classes reported by strategy clients. All of them count toward
// the circuit breaker's consecutive-failure threshold; content-shape errors
// from extraction never do.
const (
	FailureTimeout      FailureType = "timeout"
	FailureBlocked      FailureType = "blocked"
	FailureNon2xx       FailureType = "non_2xx"
	FailureRenderFailed FailureType = "render_failed"
	FailureUnavailable  FailureType = "unavailable"
)

// StrategyError is the typed failure returned by strategy clients.
type StrategyError struct {
	Strategy StrategyKind
	Type     FailureType
	Err      error
}

// Error implements error.
func (e *StrategyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s strategy: %s", e.Strategy, e.Type)
	}
	return fmt.Sprintf("%s strategy: %s: %v", e.Strategy, e.Type, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *StrategyError) Unwrap() error {
	return e.Err
}

// NewStrategyError wraps a cause with its strategy and failure class.
func NewStrategyError(strategy StrategyKind, typ FailureType, err error) *StrategyError {
	return &StrategyError{Strategy: strategy, Type: typ, Err: err}
}

// AllFailedError is returned by the orchestrator when every strategy in the
// chain failed. It carries the last concrete error.
type AllFailedError struct {
	Last error
}

// Error implements error.
func (e *AllFailedError) Error() string {
	if e.Last == nil {
		return "all strategies failed"
	}
	return fmt.Sprintf("all strategies failed: last error: %v", e.Last)
}

// Unwrap exposes the last concrete failure.
func (e *AllFailedError) Unwrap() error {
	return e.Last
}

// IsAllFailed reports whether err is an AllFailedError.
func IsAllFailed(err error) bool {
	var afe *AllFailedError
	return errors.As(err, &afe)
}

// FailureTypeOf extracts the failure class from an error chain, or "" when
// the error is not a strategy failure.
func FailureTypeOf(err error) FailureType {
	var se *StrategyError
	if errors.As(err, &se) {
		return se.Type
	}
	return ""
}
