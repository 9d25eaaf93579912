// Package registry holds the zone to driver topology and each zone's pool of
// unassigned pickups. Each zone has its own lock, so claims in one zone never
// wait on another.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"courierdispatch/internal/metrics"
	"courierdispatch/internal/model"
)

var (
	ErrUnknownZone   = errors.New("unknown zone")
	ErrUnknownDriver = errors.New("unknown driver")
	// ErrClaimed is returned when a pickup is held by an optimize in flight.
	ErrClaimed = errors.New("pickup is claimed by an optimization in progress")
	// ErrNotPending is returned when a pickup is not in the zone's pending set.
	ErrNotPending = errors.New("pickup is not pending")
)

type zone struct {
	mu      sync.Mutex
	id      string
	drivers []string
	members map[string]struct{}
	pending []model.Pickup    // oldest first
	claims  map[string]claim  // pickup id -> claim held by an optimize
	index   map[string]string // pickup id -> "pending" | "claimed"
}

type claim struct {
	pickup   model.Pickup
	driverID string
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	zones map[string]*zone
}

func New() *Registry {
	return &Registry{zones: map[string]*zone{}}
}

// AddZone registers a zone; adding an existing zone is a no-op.
func (r *Registry) AddZone(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.zones[id]; ok {
		return
	}
	r.zones[id] = &zone{
		id:      id,
		members: map[string]struct{}{},
		claims:  map[string]claim{},
		index:   map[string]string{},
	}
	metrics.PendingPickups.WithLabelValues(id).Set(0)
}

func (r *Registry) AddDriver(zoneID, driverID string) error {
	z, err := r.zone(zoneID)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.members[driverID]; ok {
		return nil
	}
	z.members[driverID] = struct{}{}
	z.drivers = append(z.drivers, driverID)
	return nil
}

func (r *Registry) zone(id string) (*zone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.zones[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownZone, id)
	}
	return z, nil
}

// Zones returns zone ids in lexical order.
func (r *Registry) Zones() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.zones))
	for id := range r.zones {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasDriver reports ErrUnknownZone or ErrUnknownDriver for a bad pair.
func (r *Registry) HasDriver(zoneID, driverID string) error {
	z, err := r.zone(zoneID)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.members[driverID]; !ok {
		return fmt.Errorf("%w: %s in zone %s", ErrUnknownDriver, driverID, zoneID)
	}
	return nil
}

// AdmitPickup adds a pending pickup to its zone. Admitting the same id twice
// is a no-op.
func (r *Registry) AdmitPickup(p model.Pickup) error {
	z, err := r.zone(p.ZoneID)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.index[p.ID]; ok {
		return nil
	}
	z.insertPending(p.Clone())
	return nil
}

func (r *Registry) ListDrivers(zoneID string) ([]string, error) {
	z, err := r.zone(zoneID)
	if err != nil {
		return nil, err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]string(nil), z.drivers...), nil
}

// ListPending returns unclaimed pending pickups, oldest first.
func (r *Registry) ListPending(zoneID string) ([]model.Pickup, error) {
	z, err := r.zone(zoneID)
	if err != nil {
		return nil, err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	out := make([]model.Pickup, len(z.pending))
	for i, p := range z.pending {
		out[i] = p.Clone()
	}
	return out, nil
}

func (r *Registry) PendingCount(zoneID string) (int, error) {
	z, err := r.zone(zoneID)
	if err != nil {
		return 0, err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.pending), nil
}

// Claim moves up to limit (0 = all) of the oldest pending pickups into
// claims held by driverID. Claimed pickups are invisible to other claims
// until they are confirmed or released.
func (r *Registry) Claim(zoneID, driverID string, limit int) ([]model.Pickup, error) {
	z, err := r.zone(zoneID)
	if err != nil {
		return nil, err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.members[driverID]; !ok {
		return nil, fmt.Errorf("%w: %s in zone %s", ErrUnknownDriver, driverID, zoneID)
	}
	n := len(z.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Pickup, 0, n)
	for _, p := range z.pending[:n] {
		z.claims[p.ID] = claim{pickup: p, driverID: driverID}
		z.index[p.ID] = "claimed"
		out = append(out, p.Clone())
	}
	z.pending = append([]model.Pickup(nil), z.pending[n:]...)
	z.gauge()
	return out, nil
}

// Release returns claimed pickups to the pending set in admission order.
func (r *Registry) Release(zoneID string, ids []string) {
	z, err := r.zone(zoneID)
	if err != nil {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, id := range ids {
		c, ok := z.claims[id]
		if !ok {
			continue
		}
		delete(z.claims, id)
		z.insertPending(c.pickup)
	}
}

// Confirm drops claims whose pickups were committed to a driver queue.
func (r *Registry) Confirm(zoneID string, ids []string) {
	z, err := r.zone(zoneID)
	if err != nil {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, id := range ids {
		if _, ok := z.claims[id]; ok {
			delete(z.claims, id)
			delete(z.index, id)
		}
	}
}

// Withdraw removes a pending pickup from the zone, e.g. on cancellation.
func (r *Registry) Withdraw(zoneID, pickupID string) error {
	z, err := r.zone(zoneID)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	switch z.index[pickupID] {
	case "claimed":
		return ErrClaimed
	case "pending":
	default:
		return ErrNotPending
	}
	for i, p := range z.pending {
		if p.ID == pickupID {
			z.pending = append(z.pending[:i], z.pending[i+1:]...)
			break
		}
	}
	delete(z.index, pickupID)
	z.gauge()
	return nil
}

// insertPending keeps pending ordered by admission time; z.mu must be held.
func (z *zone) insertPending(p model.Pickup) {
	i := sort.Search(len(z.pending), func(i int) bool {
		q := z.pending[i]
		if q.CreatedAt.Equal(p.CreatedAt) {
			return q.ID > p.ID
		}
		return q.CreatedAt.After(p.CreatedAt)
	})
	z.pending = append(z.pending, model.Pickup{})
	copy(z.pending[i+1:], z.pending[i:])
	z.pending[i] = p
	z.index[p.ID] = "pending"
	z.gauge()
}

func (z *zone) gauge() {
	metrics.PendingPickups.WithLabelValues(z.id).Set(float64(len(z.pending)))
}
