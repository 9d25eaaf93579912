package solver

import (
	"context"
	"fmt"
	"time"
)

// Local is an in-process solver: nearest-neighbour seed improved by 2-opt and
// single-stop relocation on the directed matrix until no move helps or the
// budget runs out. It always returns the best order found so far.
type Local struct {
	MaxIterations int
}

func (l Local) Solve(ctx context.Context, m [][]float64, start int, budget time.Duration) (order []int, err error) {
	defer func() { observe("local", err) }()
	if err := ValidateMatrix(m, start); err != nil {
		return nil, err
	}
	if len(m) <= 3 {
		return smallOrder(m, start), nil
	}
	budget = budgetFor(ctx, budget)
	if budget <= 0 {
		return nil, fmt.Errorf("%w: no time left", ErrTimeout)
	}
	deadline := time.Now().Add(budget)
	order = nearestNeighbour(m, start)
	order = improve2Opt(ctx, m, start, order, deadline, l.MaxIterations)
	order = improveRelocate(ctx, m, start, order, deadline)
	if ctx.Err() != nil {
		return nil, runError(ctx, ctx, budget)
	}
	return order, nil
}

func nearestNeighbour(m [][]float64, start int) []int {
	n := len(m)
	visited := make([]bool, n)
	visited[start] = true
	order := make([]int, 0, n-1)
	cur := start
	for len(order) < n-1 {
		best := -1
		for j := 0; j < n; j++ {
			if visited[j] {
				continue
			}
			if best < 0 || m[cur][j] < m[cur][best] {
				best = j
			}
		}
		visited[best] = true
		order = append(order, best)
		cur = best
	}
	return order
}

// improve2Opt reverses segments of order while that shortens the open path.
// Reversal changes the direction of inner edges, so the full path is re-costed.
func improve2Opt(ctx context.Context, m [][]float64, start int, order []int, deadline time.Time, iterations int) []int {
	if iterations <= 0 {
		iterations = 50
	}
	best := append([]int(nil), order...)
	bestCost := PathCost(m, start, best)
	n := len(best)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 0; i < n-1; i++ {
			if ctx.Err() != nil || time.Now().After(deadline) {
				return best
			}
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				if c := PathCost(m, start, cand); c+1e-6 < bestCost {
					best = cand
					bestCost = c
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

// improveRelocate moves single stops to the position that shortens the path
// most, repeating while any move helps.
func improveRelocate(ctx context.Context, m [][]float64, start int, order []int, deadline time.Time) []int {
	best := append([]int(nil), order...)
	bestCost := PathCost(m, start, best)
	n := len(best)
	for improved := true; improved; {
		improved = false
		for i := 0; i < n; i++ {
			if ctx.Err() != nil || time.Now().After(deadline) {
				return best
			}
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				cand := relocate(best, i, j)
				if c := PathCost(m, start, cand); c+1e-6 < bestCost {
					best = cand
					bestCost = c
					improved = true
				}
			}
		}
	}
	return best
}

// relocate returns ord with the element at i moved to index j.
func relocate(ord []int, i, j int) []int {
	node := ord[i]
	out := make([]int, 0, len(ord))
	out = append(out, ord[:i]...)
	out = append(out, ord[i+1:]...)
	out = append(out[:j], append([]int{node}, out[j:]...)...)
	return out
}
