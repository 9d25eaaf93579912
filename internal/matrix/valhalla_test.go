package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"courierdispatch/internal/config"
	"courierdispatch/internal/model"
)

var seoul = []model.GeoPoint{
	{Lat: 37.5665, Lng: 126.9780},
	{Lat: 37.5796, Lng: 126.9770},
	{Lat: 37.5512, Lng: 126.9882},
}

func testValhalla(url string) *Valhalla {
	return NewValhalla(config.MatrixConfig{
		ValhallaURL: url,
		Timeout:     200 * time.Millisecond,
		MaxRetries:  2,
		Backoff:     time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
}

func cell(t, d float64) map[string]any { return map[string]any{"time": t, "distance": d} }

func TestValhalla_ParsesMatrixAndPenalizesMissingCells(t *testing.T) {
	var got valhallaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sources_to_targets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sources_to_targets": [][]any{
				{cell(0, 0), cell(120, 1.5), cell(300, 3.1)},
				{cell(130, 1.6), cell(0, 0), nil},
				{cell(310, 3.2), cell(200, 2.0), cell(0, 0)},
			},
		})
	}))
	defer srv.Close()

	m, err := testValhalla(srv.URL).GetMatrix(context.Background(), seoul)
	if err != nil {
		t.Fatalf("GetMatrix: %v", err)
	}
	if got.Costing != "auto" || got.Units != "kilometers" || len(got.Sources) != 3 || got.Sources[0].Lon != 126.9780 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if m.Durations[0][1] != 120 || m.Durations[1][0] != 130 || m.Distances[2][0] != 3.2 {
		t.Fatalf("unexpected durations: %v", m.Durations)
	}
	if m.Durations[1][2] != NoRoutePenalty {
		t.Fatalf("missing cell should be penalized, got %v", m.Durations[1][2])
	}
	if err := m.Check(3); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestValhalla_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sources_to_targets": [][]any{{cell(0, 0), cell(60, 1)}, {cell(70, 1), cell(0, 0)}},
		})
	}))
	defer srv.Close()

	m, err := testValhalla(srv.URL).GetMatrix(context.Background(), seoul[:2])
	if err != nil {
		t.Fatalf("GetMatrix: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 || m.Durations[1][0] != 70 {
		t.Fatalf("expected success on second attempt, calls=%d", calls)
	}
}

func TestValhalla_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testValhalla(srv.URL).GetMatrix(context.Background(), seoul)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestValhalla_NoRetryOnBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"Failed to parse location"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testValhalla(srv.URL).GetMatrix(context.Background(), seoul)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("malformed input must not be retried, got %d calls", n)
	}
}

func TestValhalla_NoRoutesIsUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"sources_to_targets": [][]any{nil, nil}})
	}))
	defer srv.Close()

	_, err := testValhalla(srv.URL).GetMatrix(context.Background(), seoul[:2])
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("empty result should not be retried, got %d calls", n)
	}
}

func TestValhalla_PerCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	v := testValhalla(srv.URL)
	v.Timeout = 20 * time.Millisecond
	v.MaxRetries = 1
	start := time.Now()
	_, err := v.GetMatrix(context.Background(), seoul)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestValhalla_CallerDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the server only notices the client going away once the body is read
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	v := testValhalla(srv.URL)
	v.Timeout = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := v.GetMatrix(ctx, seoul)
	if !errors.Is(err, ErrUpstreamTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout wrapping deadline, got %v", err)
	}
}

func TestValhalla_RejectsSinglePoint(t *testing.T) {
	_, err := testValhalla("http://127.0.0.1:1").GetMatrix(context.Background(), seoul[:1])
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNextBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	if d := nextBackoff(base, time.Second, 1); d != base {
		t.Fatalf("attempt 1: %v", d)
	}
	if d := nextBackoff(base, time.Second, 3); d != 400*time.Millisecond {
		t.Fatalf("attempt 3: %v", d)
	}
	if d := nextBackoff(base, time.Second, 8); d != time.Second {
		t.Fatalf("cap not applied: %v", d)
	}
}

func TestValhallaEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://valhalla:8002":         "http://valhalla:8002/sources_to_targets",
		"http://valhalla:8002/":        "http://valhalla:8002/sources_to_targets",
		"http://proxy:8003/matrix":     "http://proxy:8003/matrix",
		"http://v/sources_to_targets/": "http://v/sources_to_targets",
	}
	for in, want := range cases {
		if got := valhallaEndpoint(in); got != want {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}
}

func TestValhalla_Route(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trip": map[string]any{
				"status":  0,
				"summary": map[string]any{"time": 420.5, "length": 3.2},
				"legs": []any{map[string]any{
					"shape": "abc",
					"maneuvers": []any{
						map[string]any{"instruction": "Drive north.", "length": 3.2, "time": 420.5},
						map[string]any{"instruction": "You have arrived.", "length": 0, "time": 0},
					},
				}},
			},
		})
	}))
	defer srv.Close()

	v := testValhalla(srv.URL)
	v.Language = "ko-KR"
	r, err := v.Route(context.Background(), seoul[0], seoul[1])
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if path != "/route" {
		t.Fatalf("path = %s", path)
	}
	if opts, _ := got["directions_options"].(map[string]any); opts["language"] != "ko-KR" || opts["units"] != "kilometers" {
		t.Fatalf("request = %v", got)
	}
	if r.TimeSeconds != 420.5 || r.LengthKm != 3.2 || r.Shape != "abc" || len(r.Maneuvers) != 2 || r.Maneuvers[0].Instruction != "Drive north." {
		t.Fatalf("route = %+v", r)
	}
}

func TestValhalla_RouteWithoutTrip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	if _, err := testValhalla(srv.URL).Route(context.Background(), seoul[0], seoul[1]); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("missing trip should not be retried, calls=%d", calls.Load())
	}
}

func TestRouteEndpoint(t *testing.T) {
	for in, want := range map[string]string{
		"http://valhalla:8002":                    "http://valhalla:8002/route",
		"http://valhalla:8002/":                   "http://valhalla:8002/route",
		"http://valhalla:8002/sources_to_targets": "http://valhalla:8002/route",
		"http://valhalla:8002/matrix":             "http://valhalla:8002/route",
	} {
		if got := routeEndpoint(in); got != want {
			t.Fatalf("routeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStraightLineRoute(t *testing.T) {
	r, err := StraightLine{SpeedKph: 36}.Route(context.Background(), seoul[0], seoul[1])
	if err != nil {
		t.Fatal(err)
	}
	if d := r.TimeSeconds - r.LengthKm*100; r.LengthKm <= 0 || d > 1e-6 || d < -1e-6 || len(r.Maneuvers) == 0 {
		t.Fatalf("route = %+v", r)
	}
	if _, err := (StraightLine{}).Route(context.Background(), seoul[0], model.GeoPoint{Lat: 95}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
