package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Service calls a remote LKH wrapper over HTTP.
//
//	POST {URL} {"matrix": [[...]], "time_limit": seconds}
//	200 {"tour": [...], "tour_length": x}
type Service struct {
	URL   string
	HTTP  *http.Client
	Grace time.Duration
}

type serviceRequest struct {
	Matrix    [][]int64 `json:"matrix"`
	TimeLimit float64   `json:"time_limit"`
}

type serviceResponse struct {
	Tour       []int   `json:"tour"`
	TourLength float64 `json:"tour_length"`
	Error      string  `json:"error,omitempty"`
}

func (s Service) Solve(ctx context.Context, m [][]float64, start int, budget time.Duration) (order []int, err error) {
	defer func() { observe("service", err) }()
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
	grace := s.Grace
	if grace <= 0 {
		grace = time.Second
	}
	body, err := json.Marshal(serviceRequest{Matrix: openWeights(m, start), TimeLimit: budget.Seconds()})
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrSolver, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, budget+grace)
	defer cancel()
	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSolver, err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if rerr := runError(ctx, runCtx, budget); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: %v", ErrSolver, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if rerr := runError(ctx, runCtx, budget); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: read: %v", ErrSolver, err)
	}
	var out serviceResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		detail := out.Error
		if decodeErr != nil || detail == "" {
			detail = tail(string(raw))
		}
		return nil, fmt.Errorf("%w: service status %d: %s", ErrSolver, resp.StatusCode, detail)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSolver, decodeErr)
	}
	if len(out.Tour) == 0 {
		return nil, fmt.Errorf("%w: service returned an empty tour", ErrSolver)
	}
	return tourToOrder(out.Tour, n, start)
}
