package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"courierdispatch/internal/geo"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/model"
	"courierdispatch/internal/store"
)

func validLocation(p model.GeoPoint) error {
	if !geo.Valid(p) {
		return fmt.Errorf("%w: location out of range (lat=%v lng=%v)", ErrValidation, p.Lat, p.Lng)
	}
	return nil
}

// Admit validates and persists a new pending pickup and adds it to its zone.
// It never optimizes; see AdmitAndMaybeTrigger.
func (o *Orchestrator) Admit(ctx context.Context, req model.PickupRequest) (model.Pickup, error) {
	zoneID := strings.TrimSpace(req.ZoneID)
	if zoneID == "" {
		return model.Pickup{}, fmt.Errorf("%w: zone is required", ErrValidation)
	}
	if req.Location == nil {
		return model.Pickup{}, fmt.Errorf("%w: location is required", ErrValidation)
	}
	if err := validLocation(*req.Location); err != nil {
		return model.Pickup{}, err
	}
	if _, err := o.reg.PendingCount(zoneID); err != nil {
		return model.Pickup{}, err
	}
	p := model.Pickup{
		ID:        o.newID(),
		ZoneID:    zoneID,
		Location:  *req.Location,
		Label:     req.Label,
		Status:    model.PickupPending,
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.CreatePickup(ctx, p); err != nil {
		return model.Pickup{}, fmt.Errorf("store pickup: %w", err)
	}
	if err := o.reg.AdmitPickup(p); err != nil {
		return model.Pickup{}, err
	}
	ev := model.DispatchEvent{ID: o.newID(), Type: model.EventPickupAdmitted, ZoneID: zoneID, PickupID: p.ID, TS: p.CreatedAt,
		Data: map[string]any{"location": p.Location}}
	if err := o.store.Commit(ctx, store.Commit{Events: []model.DispatchEvent{ev}}); err != nil {
		log.Printf("dispatch: audit admit failed pickup=%s err=%v", p.ID, err)
	}
	o.notify.Notify(ev)
	return p, nil
}

// AdmitAndMaybeTrigger admits the pickup and, when the trigger policy
// selects a driver, starts an optimization for it in the background. The
// returned pickup is always the admitted one; triggered work never fails
// the admission.
func (o *Orchestrator) AdmitAndMaybeTrigger(ctx context.Context, req model.PickupRequest) (model.Pickup, error) {
	p, err := o.Admit(ctx, req)
	if err != nil {
		return p, err
	}
	o.maybeTrigger(p.ZoneID)
	return p, nil
}

type triggerCandidate struct {
	id     string
	length int
	status model.DriverStatus
}

// maybeTrigger picks the least loaded idle driver of the zone, falling back
// to the least loaded en_route driver when none is idle.
func (o *Orchestrator) maybeTrigger(zoneID string) {
	pol := o.opts.Trigger
	if !pol.Enabled || o.baseCtx.Err() != nil {
		return
	}
	ids, err := o.reg.ListDrivers(zoneID)
	if err != nil {
		return
	}
	now := o.now()
	var cands []triggerCandidate
	for _, id := range ids {
		ds, err := o.state(zoneID, id)
		if err != nil || ds.optimizing.Load() {
			continue
		}
		v := ds.view.Load()
		if v.Status == model.DriverOffline || len(v.Stops) >= pol.QueueBelow {
			continue
		}
		if last := ds.lastOptimized.Load(); last > 0 && now.Sub(time.Unix(0, last)) < pol.MinInterval {
			continue
		}
		cands = append(cands, triggerCandidate{id: id, length: len(v.Stops), status: v.Status})
	}
	if len(cands) == 0 {
		metrics.TriggeredOptimizations.WithLabelValues("skipped").Inc()
		return
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if (a.status == model.DriverIdle) != (b.status == model.DriverIdle) {
			return a.status == model.DriverIdle
		}
		if a.length != b.length {
			return a.length < b.length
		}
		return a.id < b.id
	})
	if !o.triggerSem.TryAcquire(1) {
		metrics.TriggeredOptimizations.WithLabelValues("saturated").Inc()
		return
	}
	driverID := cands[0].id
	metrics.TriggeredOptimizations.WithLabelValues("started").Inc()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.triggerSem.Release(1)
		if _, err := o.Optimize(o.baseCtx, zoneID, driverID); err != nil && !errors.Is(err, ErrOptimizationInProgress) {
			log.Printf("dispatch: triggered optimize zone=%s driver=%s err=%v", zoneID, driverID, err)
		}
	}()
}
