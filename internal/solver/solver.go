// Package solver orders stops on a directed cost matrix. Every solver returns
// an open path: the order of all indices except the fixed start, beginning
// right after the start.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"courierdispatch/internal/metrics"
)

var (
	// ErrTimeout is returned when the solver did not finish within its budget.
	ErrTimeout = errors.New("solver timeout")
	// ErrSolver is returned when the solver failed or produced an unusable tour.
	ErrSolver = errors.New("solver error")
	// ErrInvalidMatrix is returned for inputs no solver can accept.
	ErrInvalidMatrix = fmt.Errorf("%w: invalid matrix", ErrSolver)
)

// Solver computes a visiting order. Implementations keep no state between
// calls and are safe for concurrent use.
type Solver interface {
	Solve(ctx context.Context, m [][]float64, start int, budget time.Duration) ([]int, error)
}

// Func adapts a function to Solver.
type Func func(ctx context.Context, m [][]float64, start int, budget time.Duration) ([]int, error)

func (f Func) Solve(ctx context.Context, m [][]float64, start int, budget time.Duration) ([]int, error) {
	return f(ctx, m, start, budget)
}

// ValidateMatrix checks that m is square with finite, non-negative entries.
func ValidateMatrix(m [][]float64, start int) error {
	n := len(m)
	if n == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidMatrix)
	}
	if start < 0 || start >= n {
		return fmt.Errorf("%w: start %d out of range [0,%d)", ErrInvalidMatrix, start, n)
	}
	for i, row := range m {
		if len(row) != n {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidMatrix, i, len(row), n)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("%w: cell [%d][%d] = %v", ErrInvalidMatrix, i, j, v)
			}
		}
	}
	return nil
}

// ValidateOrder checks that order holds every index of an n-point matrix
// except start exactly once.
func ValidateOrder(order []int, n, start int) error {
	if len(order) != n-1 {
		return fmt.Errorf("%w: order has %d entries, want %d", ErrSolver, len(order), n-1)
	}
	seen := make([]bool, n)
	for _, idx := range order {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: index %d out of range", ErrSolver, idx)
		}
		if idx == start {
			return fmt.Errorf("%w: start index %d in order", ErrSolver, idx)
		}
		if seen[idx] {
			return fmt.Errorf("%w: index %d repeated", ErrSolver, idx)
		}
		seen[idx] = true
	}
	return nil
}

// PathCost is the cost of visiting order after start, without returning.
func PathCost(m [][]float64, start int, order []int) float64 {
	total := 0.0
	prev := start
	for _, idx := range order {
		total += m[prev][idx]
		prev = idx
	}
	return total
}

// openWeights converts m to integer weights with a free return to start, so
// the best closed tour is the best open path from start.
func openWeights(m [][]float64, start int) [][]int64 {
	n := len(m)
	out := make([][]int64, n)
	for i := range m {
		out[i] = make([]int64, n)
		for j, v := range m[i] {
			if i == j || j == start {
				continue
			}
			out[i][j] = int64(math.Round(v))
		}
	}
	return out
}

// tourToOrder rotates a closed tour (a permutation of 0..n-1) so that it
// begins at start, and drops the start.
func tourToOrder(tour []int, n, start int) ([]int, error) {
	if len(tour) != n {
		return nil, fmt.Errorf("%w: tour has %d nodes, want %d", ErrSolver, len(tour), n)
	}
	at := -1
	for i, v := range tour {
		if v == start {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, fmt.Errorf("%w: tour does not visit start %d", ErrSolver, start)
	}
	order := make([]int, 0, n-1)
	for k := 1; k < n; k++ {
		order = append(order, tour[(at+k)%n])
	}
	if err := ValidateOrder(order, n, start); err != nil {
		return nil, err
	}
	return order, nil
}

// smallOrder solves instances of at most three points exactly.
func smallOrder(m [][]float64, start int) []int {
	rest := make([]int, 0, 2)
	for i := range m {
		if i != start {
			rest = append(rest, i)
		}
	}
	if len(rest) == 2 && PathCost(m, start, []int{rest[1], rest[0]}) < PathCost(m, start, rest) {
		rest[0], rest[1] = rest[1], rest[0]
	}
	return rest
}

// budgetFor shortens budget so that the run ends before ctx's deadline.
func budgetFor(ctx context.Context, budget time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < budget {
			budget = left
		}
	}
	return budget
}

// runError maps a finished run's context state to a solver error.
func runError(parent, run context.Context, budget time.Duration) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if run.Err() != nil {
		return fmt.Errorf("%w: no result within %s", ErrTimeout, budget)
	}
	return nil
}

func observe(name string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	metrics.SolverRuns.WithLabelValues(name, outcome).Inc()
}
