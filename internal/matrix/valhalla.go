package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"courierdispatch/internal/config"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/model"
)

// Valhalla calls the routing engine's sources_to_targets and route endpoints.
type Valhalla struct {
	Endpoint      string
	RouteEndpoint string
	Costing       string
	Language      string
	Timeout       time.Duration // per attempt
	MaxRetries    int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	HTTP          *http.Client

	limiter *rate.Limiter
}

func NewValhalla(cfg config.MatrixConfig) *Valhalla {
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	costing := cfg.Costing
	if costing == "" {
		costing = "auto"
	}
	return &Valhalla{
		Endpoint:      valhallaEndpoint(cfg.ValhallaURL),
		RouteEndpoint: routeEndpoint(cfg.ValhallaURL),
		Costing:       costing,
		Language:      cfg.Language,
		Timeout:       cfg.Timeout,
		MaxRetries:    cfg.MaxRetries,
		Backoff:       cfg.Backoff,
		MaxBackoff:    cfg.MaxBackoff,
		HTTP:          &http.Client{},
		limiter:       rate.NewLimiter(limit, burst),
	}
}

// valhallaEndpoint accepts either the engine root or a full matrix URL.
func valhallaEndpoint(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/sources_to_targets") || strings.HasSuffix(base, "/matrix") {
		return base
	}
	return base + "/sources_to_targets"
}

// routeEndpoint derives the /route URL from the same setting.
func routeEndpoint(base string) string {
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/sources_to_targets")
	base = strings.TrimSuffix(base, "/matrix")
	return base + "/route"
}

type valhallaLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type valhallaRequest struct {
	Sources []valhallaLocation `json:"sources"`
	Targets []valhallaLocation `json:"targets"`
	Costing string             `json:"costing"`
	Units   string             `json:"units"`
}

type valhallaCell struct {
	Time     *float64 `json:"time"`
	Distance *float64 `json:"distance"`
}

type valhallaResponse struct {
	SourcesToTargets [][]*valhallaCell `json:"sources_to_targets"`
}

// upstreamError classifies one failed attempt.
type upstreamError struct {
	kind   error
	retry  bool
	detail string
}

func (e *upstreamError) Error() string { return e.kind.Error() + ": " + e.detail }
func (e *upstreamError) Unwrap() error { return e.kind }

// GetMatrix requests durations and distances, retrying transient failures
// (network errors, timeouts, 5xx, 429) with exponential backoff.
func (v *Valhalla) GetMatrix(ctx context.Context, points []model.GeoPoint) (*Matrix, error) {
	if err := validatePoints(points); err != nil {
		return nil, err
	}
	body, err := json.Marshal(v.request(points))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var m *Matrix
	err = v.post(ctx, "matrix", v.Endpoint, body, metrics.MatrixRequests, func(raw []byte) error {
		var out valhallaResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return &upstreamError{kind: ErrUpstreamUnavailable, detail: "decode response: " + err.Error()}
		}
		m, err = buildMatrix(out, len(points))
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// post sends body to endpoint until decode accepts a response, the error is
// not retryable, or MaxRetries is used up.
func (v *Valhalla) post(ctx context.Context, op, endpoint string, body []byte, outcomes *prometheus.CounterVec, decode func([]byte) error) error {
	var lastErr error
	for attempt := 0; attempt <= v.MaxRetries; attempt++ {
		if attempt > 0 {
			d := nextBackoff(v.Backoff, v.MaxBackoff, attempt)
			log.Printf("%s: attempt=%d failed err=%v retry_in=%s", op, attempt, lastErr, d)
			outcomes.WithLabelValues("retry").Inc()
			if err := sleepCtx(ctx, d); err != nil {
				return contextError(ctx)
			}
		}
		if err := v.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return contextError(ctx)
			}
			// the limiter refuses waits that would overrun the deadline
			return fmt.Errorf("%w: rate limit wait exceeds deadline", ErrUpstreamTimeout)
		}
		raw, err := v.once(ctx, endpoint, body)
		if err == nil {
			err = decode(raw)
		}
		if err == nil {
			outcomes.WithLabelValues("ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			outcomes.WithLabelValues("cancelled").Inc()
			return contextError(ctx)
		}
		lastErr = err
		var ue *upstreamError
		if !errors.As(err, &ue) || !ue.retry {
			outcomes.WithLabelValues("error").Inc()
			return err
		}
	}
	outcomes.WithLabelValues("exhausted").Inc()
	return lastErr
}

func (v *Valhalla) request(points []model.GeoPoint) valhallaRequest {
	locs := make([]valhallaLocation, len(points))
	for i, p := range points {
		locs[i] = valhallaLocation{Lat: p.Lat, Lon: p.Lng}
	}
	return valhallaRequest{Sources: locs, Targets: locs, Costing: v.Costing, Units: "kilometers"}
}

// once performs a single attempt and returns the body of a 2xx response.
func (v *Valhalla) once(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	callCtx := ctx
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &upstreamError{kind: ErrInvalidInput, detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.HTTP.Do(req)
	if err != nil {
		return nil, v.transportError(callCtx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, v.transportError(callCtx, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &upstreamError{kind: ErrUpstreamUnavailable, retry: true, detail: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &upstreamError{kind: ErrInvalidInput, detail: fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(raw))}
	}
	return raw, nil
}

func (v *Valhalla) transportError(callCtx context.Context, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &upstreamError{kind: ErrUpstreamTimeout, retry: true, detail: fmt.Sprintf("no response within %s", v.Timeout)}
	}
	return &upstreamError{kind: ErrUpstreamUnavailable, retry: true, detail: err.Error()}
}

// buildMatrix fills unroutable cells with NoRoutePenalty; a response without
// a single routable off-diagonal cell is treated as a failure.
func buildMatrix(resp valhallaResponse, n int) (*Matrix, error) {
	if len(resp.SourcesToTargets) != n {
		return nil, &upstreamError{kind: ErrUpstreamUnavailable, detail: fmt.Sprintf("got %d source rows, want %d", len(resp.SourcesToTargets), n)}
	}
	m := &Matrix{Durations: make([][]float64, n), Distances: make([][]float64, n)}
	found := 0
	for i := 0; i < n; i++ {
		m.Durations[i] = make([]float64, n)
		m.Distances[i] = make([]float64, n)
		row := resp.SourcesToTargets[i]
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			var cell *valhallaCell
			if j < len(row) {
				cell = row[j]
			}
			if cell == nil || cell.Time == nil || cell.Distance == nil {
				m.Durations[i][j] = NoRoutePenalty
				m.Distances[i][j] = NoRoutePenalty
				continue
			}
			m.Durations[i][j] = *cell.Time
			m.Distances[i][j] = *cell.Distance
			found++
		}
	}
	if found == 0 {
		return nil, &upstreamError{kind: ErrUpstreamUnavailable, detail: "no routes found between any locations"}
	}
	if found < n*(n-1) {
		log.Printf("matrix: %d of %d cells unroutable, penalized", n*(n-1)-found, n*(n-1))
	}
	return m, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
