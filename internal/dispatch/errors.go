package dispatch

import (
	"context"
	"errors"

	"courierdispatch/internal/matrix"
	"courierdispatch/internal/solver"
	"courierdispatch/internal/store"
)

var (
	// ErrOptimizationInProgress rejects a second optimize for the same driver.
	ErrOptimizationInProgress = errors.New("optimization in progress")
	ErrEmptyQueue             = errors.New("empty queue")
	ErrNoActiveStop           = errors.New("no active stop")
	ErrValidation             = errors.New("validation error")
	ErrNotCancellable         = errors.New("pickup cannot be cancelled")
	// ErrConflict means the entity changed under the request; the caller may retry.
	ErrConflict = errors.New("conflict")
)

// Retryable reports whether the same request may succeed if sent again.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrOptimizationInProgress),
		errors.Is(err, ErrConflict),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, matrix.ErrUpstreamUnavailable),
		errors.Is(err, matrix.ErrUpstreamTimeout),
		errors.Is(err, solver.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// outcome labels an optimize result for metrics and logs.
func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrOptimizationInProgress):
		return "in_progress"
	case errors.Is(err, store.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, matrix.ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, matrix.ErrUpstreamUnavailable), errors.Is(err, matrix.ErrInvalidInput):
		return "upstream_error"
	case errors.Is(err, solver.ErrTimeout):
		return "solver_timeout"
	case errors.Is(err, solver.ErrSolver):
		return "solver_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}
