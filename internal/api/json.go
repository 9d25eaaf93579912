package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"courierdispatch/internal/dispatch"
	"courierdispatch/internal/matrix"
	"courierdispatch/internal/registry"
	"courierdispatch/internal/solver"
	"courierdispatch/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps a dispatch failure to a problem response. admission is
// set on POST /pickups, where an unknown zone is a bad request rather than
// a missing resource.
func writeError(w http.ResponseWriter, r *http.Request, err error, admission bool) {
	status, title := classify(err, admission)
	if status >= 500 {
		log.Printf("api: %s %s failed status=%d err=%v", r.Method, r.URL.Path, status, err)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:      "about:blank",
		Title:     title,
		Status:    status,
		Detail:    err.Error(),
		Instance:  r.URL.Path,
		Retryable: dispatch.Retryable(err),
	})
}

func classify(err error, admission bool) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, matrix.ErrInvalidInput):
		return http.StatusBadRequest, "Validation Error"
	case errors.Is(err, registry.ErrUnknownZone):
		if admission {
			return http.StatusBadRequest, "Unknown Zone"
		}
		return http.StatusNotFound, "Unknown Zone"
	case errors.Is(err, registry.ErrUnknownDriver):
		return http.StatusNotFound, "Unknown Driver"
	case errors.Is(err, dispatch.ErrEmptyQueue):
		return http.StatusNotFound, "Empty Queue"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, dispatch.ErrOptimizationInProgress):
		return http.StatusConflict, "Optimization In Progress"
	case errors.Is(err, dispatch.ErrNoActiveStop):
		return http.StatusConflict, "No Active Stop"
	case errors.Is(err, dispatch.ErrNotCancellable):
		return http.StatusConflict, "Not Cancellable"
	case errors.Is(err, dispatch.ErrConflict), errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, matrix.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "Upstream Timeout"
	case errors.Is(err, matrix.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "Upstream Unavailable"
	case errors.Is(err, solver.ErrTimeout):
		return http.StatusGatewayTimeout, "Solver Timeout"
	case errors.Is(err, solver.ErrSolver):
		return http.StatusBadGateway, "Solver Error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	case errors.Is(err, context.Canceled):
		// client went away
		return 499, "Client Closed Request"
	}
	return http.StatusInternalServerError, "Internal Error"
}
