package dispatch

import (
	"context"
	"errors"
	"testing"

	"courierdispatch/internal/matrix"
	"courierdispatch/internal/model"
)

func TestNextDestinationRoutesFromDriverLocation(t *testing.T) {
	var from, to model.GeoPoint
	opts := testOptions()
	opts.Router = matrix.RouterFunc(func(ctx context.Context, a, b model.GeoPoint) (*matrix.Route, error) {
		from, to = a, b
		return &matrix.Route{TimeSeconds: 60, LengthKm: 1, Maneuvers: []matrix.Maneuver{{Instruction: "Drive north."}}}, nil
	})
	o, _ := newTestOrchestrator(t, unitMatrix(), reverseSolver(), opts)
	ctx := context.Background()
	admit(t, o, 37.51, 127.01)
	admit(t, o, 37.52, 127.02)
	if _, err := o.Optimize(ctx, "Z", "D1"); err != nil {
		t.Fatal(err)
	}

	d, err := o.NextDestination(ctx, "Z", "D1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Pickup == nil || d.Pickup.Status != model.PickupInProgress || d.Remaining != 1 || d.IsLast || d.ToHub {
		t.Fatalf("destination = %+v", d)
	}
	if from != (model.GeoPoint{Lat: 37.50, Lng: 127.00}) || to != d.Pickup.Location {
		t.Fatalf("routed %v -> %v", from, to)
	}
	if d.Route == nil || d.Route.Maneuvers[0].Instruction != "Drive north." {
		t.Fatalf("route = %+v", d.Route)
	}
}

func TestNextDestinationRouteFailureKeepsClaim(t *testing.T) {
	opts := testOptions()
	opts.Router = matrix.RouterFunc(func(ctx context.Context, a, b model.GeoPoint) (*matrix.Route, error) {
		return nil, matrix.ErrUpstreamUnavailable
	})
	o, _ := newTestOrchestrator(t, unitMatrix(), reverseSolver(), opts)
	ctx := context.Background()
	p := admit(t, o, 37.51, 127.01)
	if _, err := o.Optimize(ctx, "Z", "D1"); err != nil {
		t.Fatal(err)
	}
	d, err := o.NextDestination(ctx, "Z", "D1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Pickup == nil || d.Pickup.ID != p.ID || d.Route != nil || d.RouteError == "" || !d.IsLast {
		t.Fatalf("destination = %+v", d)
	}
	q, _ := o.Queue("Z", "D1")
	if q.Stops[0].Status != model.PickupInProgress {
		t.Fatalf("claim lost: %+v", q.Stops[0])
	}
}

func TestNextDestinationEmptyQueue(t *testing.T) {
	o, _ := newTestOrchestrator(t, unitMatrix(), reverseSolver(), testOptions())
	if _, err := o.NextDestination(context.Background(), "Z", "D1"); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue without a hub, got %v", err)
	}

	hub := model.GeoPoint{Lat: 37.5299, Lng: 126.9648}
	opts := testOptions()
	opts.Hub = &hub
	o, _ = newTestOrchestrator(t, unitMatrix(), reverseSolver(), opts)
	d, err := o.NextDestination(context.Background(), "Z", "D2")
	if err != nil {
		t.Fatal(err)
	}
	if !d.ToHub || !d.IsLast || d.Pickup != nil || d.Location != hub || d.Remaining != 0 {
		t.Fatalf("destination = %+v", d)
	}
}
