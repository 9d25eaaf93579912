package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"courierdispatch/internal/model"
)

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	if err := m.SaveZone(ctx, "Z"); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveDriver(ctx, model.Driver{ID: "D1", ZoneID: "Z", Location: model.GeoPoint{Lat: 37.5, Lng: 127}}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"p1", "p2"} {
		p := model.Pickup{ID: id, ZoneID: "Z", Status: model.PickupPending, CreatedAt: time.Now()}
		if err := m.CreatePickup(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func intp(v int) *int { return &v }

func TestMemory_CommitAndLoad(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()
	d := model.Driver{ID: "D1", ZoneID: "Z", Status: model.DriverIdle, Queue: []string{"p2", "p1"}, Version: 1}
	err := m.Commit(ctx, Commit{
		Driver:        &d,
		ExpectVersion: 0,
		Pickups: []model.Pickup{
			{ID: "p2", ZoneID: "Z", Status: model.PickupAssigned, DriverID: "D1", Position: intp(0)},
			{ID: "p1", ZoneID: "Z", Status: model.PickupAssigned, DriverID: "D1", Position: intp(1)},
		},
		Events: []model.DispatchEvent{{ID: "e1", Type: model.EventQueueCommitted, ZoneID: "Z", DriverID: "D1", Version: 1}},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	snap, err := m.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Drivers) != 1 || snap.Drivers[0].Version != 1 || snap.Drivers[0].Queue[0] != "p2" {
		t.Fatalf("drivers = %+v", snap.Drivers)
	}
	p, _ := m.GetPickup(ctx, "p1")
	if p.Status != model.PickupAssigned || *p.Position != 1 {
		t.Fatalf("pickup = %+v", p)
	}
	evs, _ := m.ListEvents(ctx, "Z", "D1", 10)
	if len(evs) != 1 || evs[0].Type != model.EventQueueCommitted {
		t.Fatalf("events = %+v", evs)
	}
}

func TestMemory_VersionConflictWritesNothing(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()
	d := model.Driver{ID: "D1", ZoneID: "Z", Queue: []string{"p1"}, Version: 5}
	err := m.Commit(ctx, Commit{
		Driver:        &d,
		ExpectVersion: 4,
		Pickups:       []model.Pickup{{ID: "p1", ZoneID: "Z", Status: model.PickupAssigned, DriverID: "D1", Position: intp(0)}},
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	p, _ := m.GetPickup(ctx, "p1")
	if p.Status != model.PickupPending {
		t.Fatalf("pickup written despite conflict: %+v", p)
	}
}

func TestMemory_UnknownPickupAbortsCommit(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()
	err := m.Commit(ctx, Commit{Pickups: []model.Pickup{
		{ID: "p1", Status: model.PickupCancelled},
		{ID: "ghost", Status: model.PickupCancelled},
	}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if p, _ := m.GetPickup(ctx, "p1"); p.Status != model.PickupPending {
		t.Fatalf("partial commit: %+v", p)
	}
}

func TestMemory_LoadSkipsTerminalPickups(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()
	now := time.Now()
	if err := m.Commit(ctx, Commit{Pickups: []model.Pickup{{ID: "p1", ZoneID: "Z", Status: model.PickupCompleted, CompletedAt: &now}}}); err != nil {
		t.Fatal(err)
	}
	snap, _ := m.Load(ctx)
	if len(snap.Pickups) != 1 || snap.Pickups[0].ID != "p2" {
		t.Fatalf("pickups = %+v", snap.Pickups)
	}
}

func TestMemory_CreatePickupChecks(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()
	if err := m.CreatePickup(ctx, model.Pickup{ID: "p1", ZoneID: "Z"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := m.CreatePickup(ctx, model.Pickup{ID: "x", ZoneID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown zone, got %v", err)
	}
	if _, err := m.GetPickup(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_SaveDriverKeepsQueue(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()
	d := model.Driver{ID: "D1", ZoneID: "Z", Queue: []string{"p1"}, Version: 1, Status: model.DriverEnRoute}
	if err := m.Commit(ctx, Commit{Driver: &d}); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveDriver(ctx, model.Driver{ID: "D1", ZoneID: "Z", Location: model.GeoPoint{Lat: 1, Lng: 2}}); err != nil {
		t.Fatal(err)
	}
	snap, _ := m.Load(ctx)
	got := snap.Drivers[0]
	if got.Version != 1 || len(got.Queue) != 1 || got.Status != model.DriverEnRoute || got.Location.Lat != 1 {
		t.Fatalf("driver = %+v", got)
	}
}
