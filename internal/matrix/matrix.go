// Package matrix provides directed travel-time matrices for a list of points.
package matrix

import (
	"context"
	"errors"
	"fmt"

	"courierdispatch/internal/geo"
	"courierdispatch/internal/model"
)

var (
	// ErrUpstreamUnavailable is returned when the routing engine cannot serve the request.
	ErrUpstreamUnavailable = errors.New("routing engine unavailable")
	// ErrUpstreamTimeout is returned when the routing engine did not answer in time.
	ErrUpstreamTimeout = errors.New("routing engine timeout")
	// ErrInvalidInput is returned for requests that would never succeed on retry.
	ErrInvalidInput = errors.New("invalid matrix input")
)

// NoRoutePenalty is the cost assigned to a cell the engine could not route,
// large enough that a solver avoids the edge.
const NoRoutePenalty = 9999999.0

// Matrix holds directed costs between points, indexed in input order.
type Matrix struct {
	Durations [][]float64 `json:"durations"`           // seconds
	Distances [][]float64 `json:"distances,omitempty"` // kilometers
}

func (m *Matrix) Size() int {
	if m == nil {
		return 0
	}
	return len(m.Durations)
}

// Clone returns a deep copy so callers may not alias cached rows.
func (m *Matrix) Clone() *Matrix {
	if m == nil {
		return nil
	}
	return &Matrix{Durations: cloneRows(m.Durations), Distances: cloneRows(m.Distances)}
}

func cloneRows(in [][]float64) [][]float64 {
	if in == nil {
		return nil
	}
	out := make([][]float64, len(in))
	for i, row := range in {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Check verifies m is an n x n duration matrix with a zero diagonal.
func (m *Matrix) Check(n int) error {
	if m.Size() != n {
		return fmt.Errorf("%w: matrix has %d rows, want %d", ErrUpstreamUnavailable, m.Size(), n)
	}
	for i, row := range m.Durations {
		if len(row) != n {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrUpstreamUnavailable, i, len(row), n)
		}
		if row[i] != 0 {
			return fmt.Errorf("%w: non-zero diagonal at %d", ErrUpstreamUnavailable, i)
		}
	}
	return nil
}

// Provider computes a travel-time matrix for an ordered point list (at least two points).
type Provider interface {
	GetMatrix(ctx context.Context, points []model.GeoPoint) (*Matrix, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, points []model.GeoPoint) (*Matrix, error)

func (f ProviderFunc) GetMatrix(ctx context.Context, points []model.GeoPoint) (*Matrix, error) {
	return f(ctx, points)
}

func validatePoints(points []model.GeoPoint) error {
	if len(points) < 2 {
		return fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidInput, len(points))
	}
	for i, p := range points {
		if !geo.Valid(p) {
			return fmt.Errorf("%w: point %d (%v,%v) out of range", ErrInvalidInput, i, p.Lat, p.Lng)
		}
	}
	return nil
}

// contextError maps an expired caller context to ErrUpstreamTimeout while
// keeping the context error in the chain.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return err
}
