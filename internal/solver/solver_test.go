package solver

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"
)

func randomMatrix(r *rand.Rand, n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := range m[i] {
			if i != j {
				m[i][j] = float64(10 + r.Intn(900))
			}
		}
	}
	return m
}

func TestLocal_ReturnsPermutationOfNonStartIndices(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for n := 1; n <= 14; n++ {
		m := randomMatrix(r, n)
		start := r.Intn(n)
		order, err := Local{}.Solve(context.Background(), m, start, time.Second)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if err := ValidateOrder(order, n, start); err != nil {
			t.Fatalf("n=%d start=%d order=%v: %v", n, start, order, err)
		}
	}
}

func TestLocal_FollowsDirectedCosts(t *testing.T) {
	// Points on a line 0-1-2-3-4; going "backwards" is expensive.
	n := 5
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := range m[i] {
			d := float64(j - i)
			if d < 0 {
				d = -d * 10
			}
			m[i][j] = d * 100
		}
	}
	order, err := Local{}.Solve(context.Background(), m, 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 3, 4}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLocal_NoWorseThanNearestNeighbour(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	m := randomMatrix(r, 12)
	nn := nearestNeighbour(m, 0)
	order, err := Local{}.Solve(context.Background(), m, 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if PathCost(m, 0, order) > PathCost(m, 0, nn) {
		t.Fatalf("2-opt made the path worse")
	}
}

func TestRelocate(t *testing.T) {
	ord := []int{1, 2, 3, 4}
	cases := []struct {
		i, j int
		want []int
	}{
		{0, 3, []int{2, 3, 4, 1}},
		{3, 0, []int{4, 1, 2, 3}},
		{1, 2, []int{1, 3, 2, 4}},
	}
	for _, c := range cases {
		got := relocate(ord, c.i, c.j)
		for k := range c.want {
			if got[k] != c.want[k] {
				t.Fatalf("relocate(%d,%d) = %v, want %v", c.i, c.j, got, c.want)
			}
		}
	}
	if ord[0] != 1 || ord[3] != 4 {
		t.Fatalf("input modified: %v", ord)
	}
}

func TestImproveRelocateFixesMisplacedStop(t *testing.T) {
	// the cheap path is 0 -> 1 -> 2 -> 3; stop 3 starts in front
	m := [][]float64{
		{0, 1, 50, 50},
		{50, 0, 1, 50},
		{50, 50, 0, 1},
		{50, 50, 50, 0},
	}
	got := improveRelocate(context.Background(), m, 0, []int{3, 1, 2}, time.Now().Add(time.Second))
	if PathCost(m, 0, got) != 3 {
		t.Fatalf("order = %v cost %v", got, PathCost(m, 0, got))
	}
}

func TestLocal_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := randomMatrix(rand.New(rand.NewSource(1)), 6)
	if _, err := (Local{}).Solve(ctx, m, 0, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSmallInstances(t *testing.T) {
	m := [][]float64{
		{0, 50, 10},
		{5, 0, 5},
		{40, 30, 0},
	}
	order, err := Local{}.Solve(context.Background(), m, 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	// 0->2->1 costs 40, 0->1->2 costs 55
	if order[0] != 2 || order[1] != 1 {
		t.Fatalf("order = %v", order)
	}
}

func TestValidateMatrix(t *testing.T) {
	if err := ValidateMatrix([][]float64{{0, 1}, {1}}, 0); !errors.Is(err, ErrInvalidMatrix) {
		t.Fatalf("ragged matrix: %v", err)
	}
	if err := ValidateMatrix([][]float64{{0, -1}, {1, 0}}, 0); !errors.Is(err, ErrSolver) {
		t.Fatalf("negative cell should be a solver error: %v", err)
	}
	if err := ValidateMatrix([][]float64{{0, 1}, {1, 0}}, 2); err == nil {
		t.Fatalf("start out of range should fail")
	}
}

func TestValidateOrder(t *testing.T) {
	cases := []struct {
		order []int
		ok    bool
	}{
		{[]int{1, 2, 3}, true},
		{[]int{1, 2}, false},
		{[]int{1, 1, 3}, false},
		{[]int{0, 2, 3}, false},
		{[]int{1, 2, 4}, false},
	}
	for _, c := range cases {
		err := ValidateOrder(c.order, 4, 0)
		if (err == nil) != c.ok {
			t.Fatalf("order %v: err=%v", c.order, err)
		}
	}
}

func TestTourToOrderRotatesAtStart(t *testing.T) {
	order, err := tourToOrder([]int{2, 0, 3, 1}, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if order[0] != 3 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("order = %v", order)
	}
	if _, err := tourToOrder([]int{2, 2, 3, 1}, 4, 0); !errors.Is(err, ErrSolver) {
		t.Fatalf("missing start should fail: %v", err)
	}
}

func TestOpenWeightsFreeReturn(t *testing.T) {
	m := [][]float64{{0, 1.4, 2.6}, {3, 0, 4}, {5, 6.5, 0}}
	w := openWeights(m, 0)
	if w[1][0] != 0 || w[2][0] != 0 {
		t.Fatalf("return to start should be free: %v", w)
	}
	if w[0][1] != 1 || w[0][2] != 3 || w[2][1] != 7 {
		t.Fatalf("weights not rounded: %v", w)
	}
}

func TestWriteProblemAndParseTour(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteProblem(&buf, "p", [][]int64{{0, 1}, {2, 0}}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"TYPE : ATSP", "DIMENSION : 2", "EDGE_WEIGHT_FORMAT : FULL_MATRIX", "0 1\n2 0\nEOF"} {
		if !strings.Contains(out, want) {
			t.Fatalf("problem missing %q:\n%s", want, out)
		}
	}

	tour, err := ParseTour(strings.NewReader("NAME : x\nTYPE : TOUR\nDIMENSION : 3\nTOUR_SECTION\n1\n3\n2\n-1\nEOF\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tour) != 3 || tour[0] != 0 || tour[1] != 2 || tour[2] != 1 {
		t.Fatalf("tour = %v", tour)
	}
	if _, err := ParseTour(strings.NewReader("NAME : x\n")); !errors.Is(err, ErrSolver) {
		t.Fatalf("missing section should be a solver error: %v", err)
	}
	if _, err := ParseTour(strings.NewReader("TOUR_SECTION\n1\nx\n-1\n")); !errors.Is(err, ErrSolver) {
		t.Fatalf("bad node should be a solver error: %v", err)
	}
}

func TestWriteParams(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteParams(&buf, Params{ProblemFile: "/tmp/p", TourFile: "/tmp/t", Runs: 3, Seed: 9, TimeLimit: 1500 * time.Millisecond})
	out := buf.String()
	for _, want := range []string{"PROBLEM_FILE = /tmp/p", "OUTPUT_TOUR_FILE = /tmp/t", "RUNS = 3", "SEED = 9", "TIME_LIMIT = 1.50"} {
		if !strings.Contains(out, want) {
			t.Fatalf("params missing %q:\n%s", want, out)
		}
	}
}
