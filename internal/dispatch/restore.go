package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"courierdispatch/internal/config"
	"courierdispatch/internal/model"
	"courierdispatch/internal/store"
)

// Restore rebuilds zones, driver queues and pending pools from the store.
// It must run before the orchestrator serves requests.
func (o *Orchestrator) Restore(ctx context.Context) error {
	snap, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load dispatch state: %w", err)
	}
	for _, z := range snap.Zones {
		o.reg.AddZone(z)
	}
	pickups := make(map[string]model.Pickup, len(snap.Pickups))
	for _, p := range snap.Pickups {
		pickups[p.ID] = p
	}
	queued := map[string]struct{}{}
	for _, d := range snap.Drivers {
		if err := o.reg.AddDriver(d.ZoneID, d.ID); err != nil {
			return fmt.Errorf("restore driver %s: %w", d.ID, err)
		}
		ds := newDriverState(d)
		for _, id := range d.Queue {
			p, ok := pickups[id]
			if !ok {
				return fmt.Errorf("restore driver %s: queued pickup %s missing", d.ID, id)
			}
			ds.stops[id] = p
			queued[id] = struct{}{}
		}
		ds.publish()
		o.mu.Lock()
		o.drivers[d.ID] = ds
		o.mu.Unlock()
	}
	pending := 0
	for _, p := range snap.Pickups {
		if _, ok := queued[p.ID]; ok || p.Status != model.PickupPending {
			continue
		}
		if err := o.reg.AdmitPickup(p); err != nil {
			return fmt.Errorf("restore pickup %s: %w", p.ID, err)
		}
		pending++
	}
	log.Printf("dispatch: restored zones=%d drivers=%d pending=%d", len(snap.Zones), len(snap.Drivers), pending)
	return nil
}

// EnsureTopology persists and registers configured zones and drivers that
// are not known yet. Existing drivers keep their stored queue and location.
func (o *Orchestrator) EnsureTopology(ctx context.Context, zones []config.ZoneConfig) error {
	for _, z := range zones {
		if err := o.AddZone(ctx, z.ID); err != nil {
			return err
		}
		for _, dc := range z.Drivers {
			if err := o.AddDriver(ctx, z.ID, dc.ID, dc.Location); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddZone persists and registers a zone; adding a known zone is a no-op.
func (o *Orchestrator) AddZone(ctx context.Context, zoneID string) error {
	if zoneID == "" || strings.Contains(zoneID, "/") {
		return fmt.Errorf("%w: zone id is required and may not contain '/'", ErrValidation)
	}
	if err := o.store.SaveZone(ctx, zoneID); err != nil {
		return fmt.Errorf("save zone %s: %w", zoneID, err)
	}
	o.reg.AddZone(zoneID)
	return nil
}

// AddDriver registers a driver in a zone. Registering a known driver is a
// no-op; moving a driver between zones is rejected.
func (o *Orchestrator) AddDriver(ctx context.Context, zoneID, driverID string, at model.GeoPoint) error {
	o.mu.RLock()
	ds, ok := o.drivers[driverID]
	o.mu.RUnlock()
	if ok {
		if ds.zoneID != zoneID {
			return fmt.Errorf("%w: driver %s already belongs to zone %s", ErrConflict, driverID, ds.zoneID)
		}
		return nil
	}
	if err := validLocation(at); err != nil {
		return err
	}
	if _, err := o.reg.PendingCount(zoneID); err != nil {
		return err
	}
	d := model.Driver{ID: driverID, ZoneID: zoneID, Location: at, Status: model.DriverIdle, UpdatedAt: o.now().UTC()}
	if err := o.store.SaveDriver(ctx, d); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("save driver %s: %w", driverID, err)
	}
	if err := o.reg.AddDriver(zoneID, driverID); err != nil {
		return err
	}
	o.mu.Lock()
	if _, ok := o.drivers[driverID]; !ok {
		o.drivers[driverID] = newDriverState(d)
	}
	o.mu.Unlock()
	return nil
}
