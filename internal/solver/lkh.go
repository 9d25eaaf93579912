package solver

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LKH runs the LKH binary as a child process per call. Each call gets its own
// temp directory, removed on every exit path; the process is killed when
// the budget plus Grace runs out.
type LKH struct {
	Bin   string
	Runs  int
	Seed  int
	Grace time.Duration
}

func (l LKH) Solve(ctx context.Context, m [][]float64, start int, budget time.Duration) (order []int, err error) {
	defer func() { observe("lkh", err) }()
	if err := ValidateMatrix(m, start); err != nil {
		return nil, err
	}
	n := len(m)
	if n <= 3 {
		return smallOrder(m, start), nil
	}
	budget = budgetFor(ctx, budget)
	if budget <= 0 {
		return nil, fmt.Errorf("%w: no time left", ErrTimeout)
	}
	grace := l.Grace
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}

	dir, err := os.MkdirTemp("", "lkh-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", ErrSolver, err)
	}
	defer os.RemoveAll(dir)

	problem := filepath.Join(dir, "problem.atsp")
	params := filepath.Join(dir, "params.par")
	tourFile := filepath.Join(dir, "output.tour")
	if err := writeFile(problem, func(f *os.File) error {
		return WriteProblem(f, fmt.Sprintf("pickups_%d", n), openWeights(m, start))
	}); err != nil {
		return nil, err
	}
	if err := writeFile(params, func(f *os.File) error {
		return WriteParams(f, Params{ProblemFile: problem, TourFile: tourFile, Runs: l.Runs, Seed: l.Seed, TimeLimit: budget})
	}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, budget+grace)
	defer cancel()
	cmd := exec.CommandContext(runCtx, l.Bin, params)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if err := runError(ctx, runCtx, budget); err != nil {
		return nil, err
	}
	if runErr != nil {
		log.Printf("solver: lkh failed n=%d err=%v stderr=%q", n, runErr, tail(stderr.String()))
		return nil, fmt.Errorf("%w: lkh: %v", ErrSolver, runErr)
	}

	f, err := os.Open(tourFile)
	if err != nil {
		return nil, fmt.Errorf("%w: lkh wrote no tour: %v", ErrSolver, err)
	}
	defer f.Close()
	tour, err := ParseTour(f)
	if err != nil {
		return nil, err
	}
	return tourToOrder(tour, n, start)
}

func writeFile(path string, fill func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrSolver, filepath.Base(path), err)
	}
	if err := fill(f); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrSolver, filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrSolver, filepath.Base(path), err)
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[len(s)-300:]
	}
	return s
}
