package solver

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// WriteProblem writes an explicit full-matrix ATSP instance in TSPLIB format.
func WriteProblem(w io.Writer, name string, weights [][]int64) error {
	bw := bufio.NewWriter(w)
	n := len(weights)
	fmt.Fprintf(bw, "NAME : %s\n", name)
	fmt.Fprintf(bw, "TYPE : ATSP\n")
	fmt.Fprintf(bw, "COMMENT : courier pickup path, %d nodes\n", n)
	fmt.Fprintf(bw, "DIMENSION : %d\n", n)
	fmt.Fprintf(bw, "EDGE_WEIGHT_TYPE : EXPLICIT\n")
	fmt.Fprintf(bw, "EDGE_WEIGHT_FORMAT : FULL_MATRIX\n")
	fmt.Fprintf(bw, "EDGE_WEIGHT_SECTION\n")
	for _, row := range weights {
		for j, v := range row {
			if j > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.FormatInt(v, 10))
		}
		bw.WriteByte('\n')
	}
	fmt.Fprintf(bw, "EOF\n")
	return bw.Flush()
}

// Params is an LKH parameter file.
type Params struct {
	ProblemFile string
	TourFile    string
	Runs        int
	Seed        int
	TimeLimit   time.Duration
}

func WriteParams(w io.Writer, p Params) error {
	runs := p.Runs
	if runs <= 0 {
		runs = 1
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "PROBLEM_FILE = %s\n", p.ProblemFile)
	fmt.Fprintf(bw, "OUTPUT_TOUR_FILE = %s\n", p.TourFile)
	fmt.Fprintf(bw, "RUNS = %d\n", runs)
	if p.Seed > 0 {
		fmt.Fprintf(bw, "SEED = %d\n", p.Seed)
	}
	if p.TimeLimit > 0 {
		fmt.Fprintf(bw, "TIME_LIMIT = %.2f\n", p.TimeLimit.Seconds())
	}
	fmt.Fprintf(bw, "TRACE_LEVEL = 0\n")
	return bw.Flush()
}

// ParseTour reads the TOUR_SECTION of a TSPLIB tour file and returns the
// 0-based node sequence.
func ParseTour(r io.Reader) ([]int, error) {
	sc := bufio.NewScanner(r)
	inSection := false
	var tour []int
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !inSection {
			if line == "TOUR_SECTION" {
				inSection = true
			}
			continue
		}
		if line == "" {
			continue
		}
		if line == "-1" || line == "EOF" {
			return tour, nil
		}
		for _, f := range strings.Fields(line) {
			if f == "-1" {
				return tour, nil
			}
			v, err := strconv.Atoi(f)
			if err != nil || v < 1 {
				return nil, fmt.Errorf("%w: bad tour node %q", ErrSolver, f)
			}
			tour = append(tour, v-1)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read tour: %v", ErrSolver, err)
	}
	if !inSection {
		return nil, fmt.Errorf("%w: no TOUR_SECTION", ErrSolver)
	}
	return nil, fmt.Errorf("%w: unterminated TOUR_SECTION", ErrSolver)
}
