//go:build postgres_integration

package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"courierdispatch/internal/model"
)

func TestPostgresCommitAndLoad(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	ctx := t.Context()
	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// second run is a no-op
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}

	suffix := uuid.NewString()[:8]
	zone, driver := "Z-"+suffix, "D-"+suffix
	if err := p.SaveZone(ctx, zone); err != nil {
		t.Fatal(err)
	}
	if err := p.SaveDriver(ctx, model.Driver{ID: driver, ZoneID: zone, Location: model.GeoPoint{Lat: 37.5, Lng: 127}}); err != nil {
		t.Fatal(err)
	}
	ids := []string{uuid.NewString(), uuid.NewString()}
	for _, id := range ids {
		if err := p.CreatePickup(ctx, model.Pickup{ID: id, ZoneID: zone, Status: model.PickupPending, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.CreatePickup(ctx, model.Pickup{ID: ids[0], ZoneID: zone, Status: model.PickupPending, CreatedAt: time.Now()}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	zero, one := 0, 1
	d := model.Driver{ID: driver, ZoneID: zone, Location: model.GeoPoint{Lat: 37.5, Lng: 127}, Status: model.DriverIdle, Queue: []string{ids[1], ids[0]}, Version: 1, UpdatedAt: time.Now()}
	err = p.Commit(ctx, Commit{
		Driver:        &d,
		ExpectVersion: 0,
		Pickups: []model.Pickup{
			{ID: ids[1], Status: model.PickupAssigned, DriverID: driver, Position: &zero},
			{ID: ids[0], Status: model.PickupAssigned, DriverID: driver, Position: &one},
		},
		Events: []model.DispatchEvent{{ID: uuid.NewString(), Type: model.EventQueueCommitted, ZoneID: zone, DriverID: driver, Version: 1, TS: time.Now(), Data: map[string]any{"queue": d.Queue}}},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.Commit(ctx, Commit{Driver: &d, ExpectVersion: 0}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	snap, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var got *model.Driver
	for i := range snap.Drivers {
		if snap.Drivers[i].ID == driver {
			got = &snap.Drivers[i]
		}
	}
	if got == nil || got.Version != 1 || len(got.Queue) != 2 || got.Queue[0] != ids[1] {
		t.Fatalf("driver after load = %+v", got)
	}
	evs, err := p.ListEvents(ctx, zone, driver, 10)
	if err != nil || len(evs) != 1 {
		t.Fatalf("events = %+v err=%v", evs, err)
	}
}
