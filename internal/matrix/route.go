package matrix

import (
	"context"
	"encoding/json"
	"fmt"

	"courierdispatch/internal/geo"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/model"
)

// Route is turn-by-turn guidance between two points.
type Route struct {
	TimeSeconds float64    `json:"timeSeconds"`
	LengthKm    float64    `json:"lengthKm"`
	Shape       string     `json:"shape,omitempty"` // encoded polyline, precision 6
	Maneuvers   []Maneuver `json:"maneuvers"`
}

type Maneuver struct {
	Instruction string  `json:"instruction"`
	LengthKm    float64 `json:"lengthKm"`
	TimeSeconds float64 `json:"timeSeconds"`
}

// Router computes a single route from one point to another.
type Router interface {
	Route(ctx context.Context, from, to model.GeoPoint) (*Route, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, from, to model.GeoPoint) (*Route, error)

func (f RouterFunc) Route(ctx context.Context, from, to model.GeoPoint) (*Route, error) {
	return f(ctx, from, to)
}

type valhallaRouteRequest struct {
	Locations         []valhallaLocation `json:"locations"`
	Costing           string             `json:"costing"`
	DirectionsOptions directionsOptions  `json:"directions_options"`
}

type directionsOptions struct {
	Units    string `json:"units"`
	Language string `json:"language,omitempty"`
}

type valhallaRouteResponse struct {
	Trip *struct {
		Status  int `json:"status"`
		Summary struct {
			Time   float64 `json:"time"`
			Length float64 `json:"length"`
		} `json:"summary"`
		Legs []struct {
			Shape     string `json:"shape"`
			Maneuvers []struct {
				Instruction string  `json:"instruction"`
				Length      float64 `json:"length"`
				Time        float64 `json:"time"`
			} `json:"maneuvers"`
		} `json:"legs"`
	} `json:"trip"`
}

// Route asks the engine for directions from -> to, with the same retry and
// rate limiting as matrix requests.
func (v *Valhalla) Route(ctx context.Context, from, to model.GeoPoint) (*Route, error) {
	if err := validatePoints([]model.GeoPoint{from, to}); err != nil {
		return nil, err
	}
	body, err := json.Marshal(valhallaRouteRequest{
		Locations:         []valhallaLocation{{Lat: from.Lat, Lon: from.Lng}, {Lat: to.Lat, Lon: to.Lng}},
		Costing:           v.Costing,
		DirectionsOptions: directionsOptions{Units: "kilometers", Language: v.Language},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var r *Route
	err = v.post(ctx, "route", v.RouteEndpoint, body, metrics.RouteRequests, func(raw []byte) error {
		var out valhallaRouteResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return &upstreamError{kind: ErrUpstreamUnavailable, detail: "decode route: " + err.Error()}
		}
		r, err = buildRoute(out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func buildRoute(resp valhallaRouteResponse) (*Route, error) {
	if resp.Trip == nil || len(resp.Trip.Legs) == 0 {
		return nil, &upstreamError{kind: ErrUpstreamUnavailable, detail: "response has no trip"}
	}
	t := resp.Trip
	r := &Route{TimeSeconds: t.Summary.Time, LengthKm: t.Summary.Length, Shape: t.Legs[0].Shape, Maneuvers: []Maneuver{}}
	for _, leg := range t.Legs {
		for _, m := range leg.Maneuvers {
			r.Maneuvers = append(r.Maneuvers, Maneuver{Instruction: m.Instruction, LengthKm: m.Length, TimeSeconds: m.Time})
		}
	}
	return r, nil
}

// Route returns a single straight leg at the configured speed.
func (s StraightLine) Route(ctx context.Context, from, to model.GeoPoint) (*Route, error) {
	if err := validatePoints([]model.GeoPoint{from, to}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx)
	}
	km := geo.HaversineMeters(from, to) / 1000
	secs := km / s.speed() * 3600
	return &Route{
		TimeSeconds: secs,
		LengthKm:    km,
		Maneuvers: []Maneuver{
			{Instruction: "Head to the destination.", LengthKm: km, TimeSeconds: secs},
			{Instruction: "You have arrived at your destination."},
		},
	}, nil
}
