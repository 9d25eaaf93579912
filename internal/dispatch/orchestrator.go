// Package dispatch owns driver queues: it admits pickups, runs the
// optimize-and-commit cycle against the matrix provider and the tour solver,
// and serves next/complete for drivers.
//
// Locking: each zone's pending set is guarded inside the registry, each
// driver by its own weighted semaphore. Optimize holds the driver semaphore
// for its whole duration and the zone lock only while claiming.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"courierdispatch/internal/config"
	"courierdispatch/internal/matrix"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/model"
	"courierdispatch/internal/registry"
	"courierdispatch/internal/solver"
	"courierdispatch/internal/store"
)

// commitReserve is kept out of the solver budget for the store commit.
const commitReserve = 100 * time.Millisecond

// Notifier receives every committed dispatch event.
type Notifier interface {
	Notify(e model.DispatchEvent)
}

type NotifierFunc func(e model.DispatchEvent)

func (f NotifierFunc) Notify(e model.DispatchEvent) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(model.DispatchEvent) {}

// Options tune the orchestrator.
type Options struct {
	OptimizeTimeout time.Duration
	SolverBudget    time.Duration
	ClaimLimit      int
	Trigger         config.TriggerConfig

	// Router, when set, adds directions to NextDestination.
	Router       matrix.Router
	RouteTimeout time.Duration
	Hub          *model.GeoPoint
}

// OptionsFrom extracts orchestrator options from service configuration.
func OptionsFrom(c *config.Config) Options {
	return Options{
		OptimizeTimeout: c.Dispatch.OptimizeTimeout,
		SolverBudget:    c.Solver.Budget,
		ClaimLimit:      c.Dispatch.ClaimLimit,
		Trigger:         c.Dispatch.Trigger,
		RouteTimeout:    c.Matrix.Timeout,
		Hub:             c.Dispatch.Hub,
	}
}

type driverState struct {
	lock       *semaphore.Weighted // exclusive over driver, stops
	optimizing atomic.Bool
	zoneID     string

	driver        model.Driver
	stops         map[string]model.Pickup // queue members by id
	lastOptimized atomic.Int64            // unix nanos

	view atomic.Pointer[model.DriverQueue]
}

func newDriverState(d model.Driver) *driverState {
	if d.Queue == nil {
		d.Queue = []string{}
	}
	ds := &driverState{lock: semaphore.NewWeighted(1), zoneID: d.ZoneID, driver: d, stops: map[string]model.Pickup{}}
	ds.publish()
	return ds
}

// publish stores an immutable read view; callers hold ds.lock.
func (ds *driverState) publish() {
	v := &model.DriverQueue{
		DriverID: ds.driver.ID,
		ZoneID:   ds.driver.ZoneID,
		Status:   ds.driver.Status,
		Version:  ds.driver.Version,
		Location: ds.driver.Location,
		Stops:    make([]model.Pickup, 0, len(ds.driver.Queue)),
	}
	for _, id := range ds.driver.Queue {
		v.Stops = append(v.Stops, ds.stops[id].Clone())
	}
	if ns := ds.lastOptimized.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		v.LastOptimizedAt = &t
	}
	ds.view.Store(v)
}

// snapshot returns the current view with its live optimization state.
func (ds *driverState) snapshot() model.DriverQueue {
	v := ds.settled()
	if ds.optimizing.Load() {
		v.State = model.QueueOptimizing
	}
	return v
}

// settled is the committed view, ignoring an optimization in flight.
func (ds *driverState) settled() model.DriverQueue {
	v := *ds.view.Load()
	v.Stops = append([]model.Pickup(nil), v.Stops...)
	switch {
	case len(v.Stops) > 0:
		v.State = model.QueueCommitted
	default:
		v.State = model.QueueIdle
	}
	return v
}

// Orchestrator is the single writer of driver queues and pickup status.
type Orchestrator struct {
	reg    *registry.Registry
	store  store.Store
	matrix matrix.Provider
	solver solver.Solver
	notify Notifier
	opts   Options

	mu      sync.RWMutex
	drivers map[string]*driverState // driver id -> state

	triggerSem *semaphore.Weighted
	wg         sync.WaitGroup
	baseCtx    context.Context
	cancel     context.CancelFunc

	now   func() time.Time
	newID func() string
}

// New wires an orchestrator. A zero OptimizeTimeout is a configuration error.
func New(reg *registry.Registry, st store.Store, mp matrix.Provider, sv solver.Solver, n Notifier, opts Options) (*Orchestrator, error) {
	if opts.OptimizeTimeout <= 0 {
		return nil, fmt.Errorf("%w: optimize timeout must be > 0", config.ErrInvalid)
	}
	if opts.SolverBudget <= 0 {
		return nil, fmt.Errorf("%w: solver budget must be > 0", config.ErrInvalid)
	}
	if n == nil {
		n = nopNotifier{}
	}
	maxTriggered := int64(opts.Trigger.MaxConcurrent)
	if maxTriggered <= 0 {
		maxTriggered = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		reg:        reg,
		store:      st,
		matrix:     mp,
		solver:     sv,
		notify:     n,
		opts:       opts,
		drivers:    map[string]*driverState{},
		triggerSem: semaphore.NewWeighted(maxTriggered),
		baseCtx:    ctx,
		cancel:     cancel,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// Close stops accepting triggered work and waits for running optimizations.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Registry exposes the zone registry for read-only callers.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

func (o *Orchestrator) state(zoneID, driverID string) (*driverState, error) {
	if err := o.reg.HasDriver(zoneID, driverID); err != nil {
		return nil, err
	}
	o.mu.RLock()
	ds, ok := o.drivers[driverID]
	o.mu.RUnlock()
	if !ok || ds.zoneID != zoneID {
		return nil, fmt.Errorf("%w: %s in zone %s", registry.ErrUnknownDriver, driverID, zoneID)
	}
	return ds, nil
}

func (o *Orchestrator) event(typ string, d model.Driver, pickupID string, data map[string]any) model.DispatchEvent {
	return model.DispatchEvent{
		ID:       o.newID(),
		Type:     typ,
		ZoneID:   d.ZoneID,
		DriverID: d.ID,
		PickupID: pickupID,
		Version:  d.Version,
		TS:       o.now().UTC(),
		Data:     data,
	}
}

// Optimize claims the zone's pending pickups for driverID, orders them
// together with the driver's assigned stops and commits the new queue
// atomically. Any failure leaves queue, version and pickup status unchanged.
func (o *Orchestrator) Optimize(ctx context.Context, zoneID, driverID string) (q model.DriverQueue, err error) {
	ds, err := o.state(zoneID, driverID)
	if err != nil {
		return q, err
	}
	if !ds.optimizing.CompareAndSwap(false, true) {
		metrics.Optimizations.WithLabelValues(outcome(ErrOptimizationInProgress)).Inc()
		return q, ErrOptimizationInProgress
	}
	defer ds.optimizing.Store(false)

	start := o.now()
	result := "noop"
	defer func() {
		if err != nil {
			result = outcome(err)
			log.Printf("dispatch: optimize aborted zone=%s driver=%s outcome=%s err=%v", zoneID, driverID, result, err)
		}
		metrics.Optimizations.WithLabelValues(result).Inc()
		metrics.OptimizeDuration.WithLabelValues(result).Observe(o.now().Sub(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, o.opts.OptimizeTimeout)
	defer cancel()
	if err := ds.lock.Acquire(ctx, 1); err != nil {
		return q, fmt.Errorf("waiting for driver %s: %w", driverID, err)
	}
	defer ds.lock.Release(1)

	claimed, err := o.reg.Claim(zoneID, driverID, o.opts.ClaimLimit)
	if err != nil {
		return q, err
	}
	if len(claimed) == 0 {
		return ds.settled(), nil
	}
	claimedIDs := make([]string, len(claimed))
	for i, p := range claimed {
		claimedIDs[i] = p.ID
	}
	committed := false
	defer func() {
		if !committed {
			o.reg.Release(zoneID, claimedIDs)
		}
	}()

	var head *model.Pickup
	candidates := make([]model.Pickup, 0, len(ds.driver.Queue)+len(claimed))
	for _, id := range ds.driver.Queue {
		p := ds.stops[id]
		if p.Status == model.PickupInProgress {
			h := p.Clone()
			head = &h
			continue
		}
		candidates = append(candidates, p.Clone())
	}
	candidates = append(candidates, claimed...)

	order, planned, err := o.plan(ctx, ds.driver.Location, head, candidates)
	if err != nil {
		return q, err
	}
	if err := ctx.Err(); err != nil {
		return q, err
	}

	now := o.now().UTC()
	next := ds.driver.Clone()
	next.Queue = make([]string, 0, len(candidates)+1)
	next.Version++
	next.UpdatedAt = now
	updated := make([]model.Pickup, 0, len(candidates)+1)
	if head != nil {
		h := head.Clone()
		h.Position = intPtr(0)
		next.Queue = append(next.Queue, h.ID)
		updated = append(updated, h)
	}
	for _, idx := range order {
		p := candidates[idx].Clone()
		p.Status = model.PickupAssigned
		p.DriverID = driverID
		p.Position = intPtr(len(next.Queue))
		next.Queue = append(next.Queue, p.ID)
		updated = append(updated, p)
	}
	ev := o.event(model.EventQueueCommitted, next, "", map[string]any{
		"queue":          next.Queue,
		"claimed":        claimedIDs,
		"plannedSeconds": planned,
	})
	if err := o.store.Commit(ctx, store.Commit{Driver: &next, ExpectVersion: ds.driver.Version, Pickups: updated, Events: []model.DispatchEvent{ev}}); err != nil {
		return q, fmt.Errorf("commit queue: %w", err)
	}
	committed = true
	o.reg.Confirm(zoneID, claimedIDs)

	ds.driver = next
	ds.stops = make(map[string]model.Pickup, len(updated))
	for _, p := range updated {
		ds.stops[p.ID] = p
	}
	ds.lastOptimized.Store(now.UnixNano())
	ds.publish()
	o.notify.Notify(ev)

	result = "committed"
	log.Printf("dispatch: committed zone=%s driver=%s version=%d stops=%d claimed=%d took=%s",
		zoneID, driverID, next.Version, len(next.Queue), len(claimed), o.now().Sub(start).Round(time.Millisecond))
	return ds.settled(), nil
}

// plan returns the visiting order of candidates (indices into candidates)
// and the planned travel seconds. A head in progress is always visited
// first, so ordering starts from it.
func (o *Orchestrator) plan(ctx context.Context, from model.GeoPoint, head *model.Pickup, candidates []model.Pickup) ([]int, float64, error) {
	if len(candidates) == 1 {
		return []int{0}, 0, nil
	}
	points := make([]model.GeoPoint, 0, len(candidates)+2)
	points = append(points, from)
	offset := 1
	if head != nil {
		points = append(points, head.Location)
		offset = 2
	}
	for _, p := range candidates {
		points = append(points, p.Location)
	}
	m, err := o.matrix.GetMatrix(ctx, points)
	if err != nil {
		return nil, 0, fmt.Errorf("travel matrix: %w", err)
	}
	if err := m.Check(len(points)); err != nil {
		return nil, 0, fmt.Errorf("travel matrix: %w", err)
	}

	// solve on the sub-matrix that starts at the fixed first node
	first := offset - 1
	sub := make([][]float64, len(points)-first)
	for i := range sub {
		sub[i] = append([]float64(nil), m.Durations[first+i][first:]...)
	}
	budget := o.opts.SolverBudget
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl) - commitReserve; left < budget {
			budget = left
		}
	}
	if budget <= 0 {
		return nil, 0, fmt.Errorf("%w: no time left before optimize deadline", solver.ErrTimeout)
	}
	order, err := o.solver.Solve(ctx, sub, 0, budget)
	if err != nil {
		return nil, 0, fmt.Errorf("tour solver: %w", err)
	}
	if err := solver.ValidateOrder(order, len(sub), 0); err != nil {
		return nil, 0, fmt.Errorf("tour solver: %w", err)
	}
	planned := solver.PathCost(sub, 0, order)
	if head != nil {
		planned += m.Durations[0][1]
	}
	out := make([]int, len(order))
	for i, idx := range order {
		out[i] = idx - 1
	}
	return out, planned, nil
}

// ClaimNext returns the head of the driver's queue and marks it in progress.
// Repeated calls while the head is in progress return the same pickup.
func (o *Orchestrator) ClaimNext(ctx context.Context, zoneID, driverID string) (model.Pickup, error) {
	ds, err := o.state(zoneID, driverID)
	if err != nil {
		return model.Pickup{}, err
	}
	// served from the committed view, also while an optimization runs
	if v := ds.view.Load(); v != nil && len(v.Stops) > 0 && v.Stops[0].Status == model.PickupInProgress {
		return v.Stops[0].Clone(), nil
	}
	if err := ds.lock.Acquire(ctx, 1); err != nil {
		return model.Pickup{}, err
	}
	defer ds.lock.Release(1)

	if len(ds.driver.Queue) == 0 {
		return model.Pickup{}, ErrEmptyQueue
	}
	head := ds.stops[ds.driver.Queue[0]].Clone()
	if head.Status == model.PickupInProgress {
		return head, nil
	}
	head.Status = model.PickupInProgress
	next := ds.driver.Clone()
	next.Status = model.DriverEnRoute
	next.UpdatedAt = o.now().UTC()
	ev := o.event(model.EventStopClaimed, next, head.ID, nil)
	if err := o.store.Commit(ctx, store.Commit{Driver: &next, ExpectVersion: ds.driver.Version, Pickups: []model.Pickup{head}, Events: []model.DispatchEvent{ev}}); err != nil {
		return model.Pickup{}, fmt.Errorf("commit claim: %w", err)
	}
	ds.driver = next
	ds.stops[head.ID] = head
	ds.publish()
	o.notify.Notify(ev)
	return head.Clone(), nil
}

// CompleteResult is the outcome of CompleteCurrent.
type CompleteResult struct {
	Completed model.Pickup  `json:"completed"`
	Next      *model.Pickup `json:"next,omitempty"`
}

// CompleteCurrent completes the in-progress head and advances the queue.
// The next stop stays assigned until claimed.
func (o *Orchestrator) CompleteCurrent(ctx context.Context, zoneID, driverID string) (CompleteResult, error) {
	ds, err := o.state(zoneID, driverID)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := ds.lock.Acquire(ctx, 1); err != nil {
		return CompleteResult{}, err
	}
	defer ds.lock.Release(1)

	if len(ds.driver.Queue) == 0 || ds.stops[ds.driver.Queue[0]].Status != model.PickupInProgress {
		return CompleteResult{}, ErrNoActiveStop
	}
	now := o.now().UTC()
	done := ds.stops[ds.driver.Queue[0]].Clone()
	done.Status = model.PickupCompleted
	done.Position = nil
	done.CompletedAt = &now

	next := ds.driver.Clone()
	next.Queue = next.Queue[1:]
	next.Location = done.Location
	next.Status = model.DriverIdle
	next.UpdatedAt = now
	updated := []model.Pickup{done}
	for i, id := range next.Queue {
		p := ds.stops[id].Clone()
		p.Position = intPtr(i)
		updated = append(updated, p)
	}
	ev := o.event(model.EventStopCompleted, next, done.ID, map[string]any{"remaining": len(next.Queue)})
	if err := o.store.Commit(ctx, store.Commit{Driver: &next, ExpectVersion: ds.driver.Version, Pickups: updated, Events: []model.DispatchEvent{ev}}); err != nil {
		return CompleteResult{}, fmt.Errorf("commit completion: %w", err)
	}
	ds.driver = next
	delete(ds.stops, done.ID)
	for _, p := range updated[1:] {
		ds.stops[p.ID] = p
	}
	ds.publish()
	o.notify.Notify(ev)

	res := CompleteResult{Completed: done}
	if len(updated) > 1 {
		n := updated[1].Clone()
		res.Next = &n
	}
	return res, nil
}

// Cancel cancels a pending or assigned pickup. A pickup held by an optimize
// in flight is a conflict; in-progress and finished pickups are not cancellable.
func (o *Orchestrator) Cancel(ctx context.Context, pickupID string) (model.Pickup, error) {
	p, err := o.store.GetPickup(ctx, pickupID)
	if err != nil {
		return model.Pickup{}, err
	}
	switch p.Status {
	case model.PickupPending:
		return o.cancelPending(ctx, p)
	case model.PickupAssigned:
		return o.cancelAssigned(ctx, p)
	default:
		return model.Pickup{}, fmt.Errorf("%w: pickup %s is %s", ErrNotCancellable, p.ID, p.Status)
	}
}

func (o *Orchestrator) cancelPending(ctx context.Context, p model.Pickup) (model.Pickup, error) {
	if err := o.reg.Withdraw(p.ZoneID, p.ID); err != nil {
		return model.Pickup{}, fmt.Errorf("%w: pickup %s: %v", ErrConflict, p.ID, err)
	}
	orig := p.Clone()
	p.Status = model.PickupCancelled
	ev := model.DispatchEvent{ID: o.newID(), Type: model.EventPickupCancelled, ZoneID: p.ZoneID, PickupID: p.ID, TS: o.now().UTC()}
	if err := o.store.Commit(ctx, store.Commit{Pickups: []model.Pickup{p}, Events: []model.DispatchEvent{ev}}); err != nil {
		_ = o.reg.AdmitPickup(orig)
		return model.Pickup{}, fmt.Errorf("commit cancellation: %w", err)
	}
	o.notify.Notify(ev)
	return p, nil
}

func (o *Orchestrator) cancelAssigned(ctx context.Context, p model.Pickup) (model.Pickup, error) {
	ds, err := o.state(p.ZoneID, p.DriverID)
	if err != nil {
		return model.Pickup{}, err
	}
	if err := ds.lock.Acquire(ctx, 1); err != nil {
		return model.Pickup{}, err
	}
	defer ds.lock.Release(1)

	cur, ok := ds.stops[p.ID]
	if !ok {
		return model.Pickup{}, fmt.Errorf("%w: pickup %s left the queue of %s", ErrConflict, p.ID, p.DriverID)
	}
	if cur.Status != model.PickupAssigned {
		return model.Pickup{}, fmt.Errorf("%w: pickup %s is %s", ErrNotCancellable, p.ID, cur.Status)
	}
	cancelled := cur.Clone()
	cancelled.Status = model.PickupCancelled
	cancelled.Position = nil

	next := ds.driver.Clone()
	next.Queue = make([]string, 0, len(ds.driver.Queue))
	next.Version++
	next.UpdatedAt = o.now().UTC()
	updated := []model.Pickup{cancelled}
	for _, id := range ds.driver.Queue {
		if id == cancelled.ID {
			continue
		}
		q := ds.stops[id].Clone()
		q.Position = intPtr(len(next.Queue))
		next.Queue = append(next.Queue, id)
		updated = append(updated, q)
	}
	ev := o.event(model.EventPickupCancelled, next, cancelled.ID, map[string]any{"queue": next.Queue})
	if err := o.store.Commit(ctx, store.Commit{Driver: &next, ExpectVersion: ds.driver.Version, Pickups: updated, Events: []model.DispatchEvent{ev}}); err != nil {
		return model.Pickup{}, fmt.Errorf("commit cancellation: %w", err)
	}
	ds.driver = next
	delete(ds.stops, cancelled.ID)
	for _, q := range updated[1:] {
		ds.stops[q.ID] = q
	}
	ds.publish()
	o.notify.Notify(ev)
	return cancelled, nil
}

// UpdateDriver records a new location and/or status.
func (o *Orchestrator) UpdateDriver(ctx context.Context, zoneID, driverID string, upd model.DriverUpdate) (model.DriverQueue, error) {
	if upd.Location == nil && upd.Status == "" {
		return model.DriverQueue{}, fmt.Errorf("%w: location or status required", ErrValidation)
	}
	if upd.Location != nil {
		if err := validLocation(*upd.Location); err != nil {
			return model.DriverQueue{}, err
		}
	}
	if upd.Status != "" && !upd.Status.Valid() {
		return model.DriverQueue{}, fmt.Errorf("%w: unknown driver status %q", ErrValidation, upd.Status)
	}
	ds, err := o.state(zoneID, driverID)
	if err != nil {
		return model.DriverQueue{}, err
	}
	if err := ds.lock.Acquire(ctx, 1); err != nil {
		return model.DriverQueue{}, err
	}
	defer ds.lock.Release(1)

	next := ds.driver.Clone()
	if upd.Location != nil {
		next.Location = *upd.Location
	}
	if upd.Status != "" {
		next.Status = upd.Status
	}
	next.UpdatedAt = o.now().UTC()
	ev := o.event(model.EventDriverUpdated, next, "", map[string]any{"status": next.Status, "location": next.Location})
	if err := o.store.Commit(ctx, store.Commit{Driver: &next, ExpectVersion: ds.driver.Version, Events: []model.DispatchEvent{ev}}); err != nil {
		return model.DriverQueue{}, fmt.Errorf("commit driver update: %w", err)
	}
	ds.driver = next
	ds.publish()
	o.notify.Notify(ev)
	return ds.snapshot(), nil
}

// Queue returns the driver's committed queue without waiting on its lock.
func (o *Orchestrator) Queue(zoneID, driverID string) (model.DriverQueue, error) {
	ds, err := o.state(zoneID, driverID)
	if err != nil {
		return model.DriverQueue{}, err
	}
	return ds.snapshot(), nil
}

// ZoneStatus summarizes pending work and every driver's queue in a zone.
func (o *Orchestrator) ZoneStatus(zoneID string) (model.ZoneStatus, error) {
	pending, err := o.reg.PendingCount(zoneID)
	if err != nil {
		return model.ZoneStatus{}, err
	}
	ids, err := o.reg.ListDrivers(zoneID)
	if err != nil {
		return model.ZoneStatus{}, err
	}
	st := model.ZoneStatus{ZoneID: zoneID, Pending: pending, Drivers: make([]model.DriverSummary, 0, len(ids))}
	for _, id := range ids {
		ds, err := o.state(zoneID, id)
		if err != nil {
			continue
		}
		v := ds.snapshot()
		sum := model.DriverSummary{DriverID: id, Status: v.Status, State: v.State, QueueLength: len(v.Stops), Version: v.Version}
		if len(v.Stops) > 0 {
			sum.Head = v.Stops[0].ID
		}
		st.Drivers = append(st.Drivers, sum)
	}
	sort.Slice(st.Drivers, func(i, j int) bool { return st.Drivers[i].DriverID < st.Drivers[j].DriverID })
	return st, nil
}

// GetPickup reads a pickup from the store.
func (o *Orchestrator) GetPickup(ctx context.Context, id string) (model.Pickup, error) {
	return o.store.GetPickup(ctx, id)
}

func intPtr(v int) *int { return &v }

// Events returns the audit trail of a zone, or of one driver when driverID is set.
func (o *Orchestrator) Events(ctx context.Context, zoneID, driverID string, limit int) ([]model.DispatchEvent, error) {
	if driverID != "" {
		if _, err := o.state(zoneID, driverID); err != nil {
			return nil, err
		}
	} else if _, err := o.reg.PendingCount(zoneID); err != nil {
		return nil, err
	}
	return o.store.ListEvents(ctx, zoneID, driverID, limit)
}

// Ready reports whether the backing store answers.
func (o *Orchestrator) Ready(ctx context.Context) error {
	return o.store.Ping(ctx)
}
