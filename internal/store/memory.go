package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"courierdispatch/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu      sync.Mutex
	zones   map[string]struct{}
	drivers map[string]model.Driver // id -> driver (with queue)
	pickups map[string]model.Pickup // id -> pickup
	events  []model.DispatchEvent   // append-only

	// failCommit, when set, makes Commit fail; tests use it to check atomicity.
	failCommit error
}

func NewMemory() *Memory {
	return &Memory{
		zones:   map[string]struct{}{},
		drivers: map[string]model.Driver{},
		pickups: map[string]model.Pickup{},
	}
}

func (m *Memory) SaveZone(ctx context.Context, zoneID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[zoneID] = struct{}{}
	return nil
}

func (m *Memory) SaveDriver(ctx context.Context, d model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[d.ZoneID]; !ok {
		return fmt.Errorf("zone %s: %w", d.ZoneID, ErrNotFound)
	}
	if cur, ok := m.drivers[d.ID]; ok {
		cur.ZoneID = d.ZoneID
		cur.Location = d.Location
		m.drivers[d.ID] = cur
		return nil
	}
	if d.Status == "" {
		d.Status = model.DriverIdle
	}
	m.drivers[d.ID] = d.Clone()
	return nil
}

func (m *Memory) CreatePickup(ctx context.Context, p model.Pickup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[p.ZoneID]; !ok {
		return fmt.Errorf("zone %s: %w", p.ZoneID, ErrNotFound)
	}
	if _, ok := m.pickups[p.ID]; ok {
		return fmt.Errorf("pickup %s: %w", p.ID, ErrDuplicate)
	}
	m.pickups[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetPickup(ctx context.Context, id string) (model.Pickup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pickups[id]
	if !ok {
		return model.Pickup{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) Commit(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		return m.failCommit
	}
	// validate everything before the first write
	if c.Driver != nil {
		cur, ok := m.drivers[c.Driver.ID]
		if !ok {
			return fmt.Errorf("driver %s: %w", c.Driver.ID, ErrNotFound)
		}
		if cur.Version != c.ExpectVersion {
			return fmt.Errorf("driver %s at version %d, expected %d: %w", c.Driver.ID, cur.Version, c.ExpectVersion, ErrVersionConflict)
		}
	}
	for _, p := range c.Pickups {
		if _, ok := m.pickups[p.ID]; !ok {
			return fmt.Errorf("pickup %s: %w", p.ID, ErrNotFound)
		}
	}
	if c.Driver != nil {
		m.drivers[c.Driver.ID] = c.Driver.Clone()
	}
	for _, p := range c.Pickups {
		m.pickups[p.ID] = p.Clone()
	}
	m.events = append(m.events, c.Events...)
	return nil
}

func (m *Memory) Load(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Snapshot
	for z := range m.zones {
		s.Zones = append(s.Zones, z)
	}
	sort.Strings(s.Zones)
	for _, d := range m.drivers {
		s.Drivers = append(s.Drivers, d.Clone())
	}
	sort.Slice(s.Drivers, func(i, j int) bool { return s.Drivers[i].ID < s.Drivers[j].ID })
	for _, p := range m.pickups {
		if p.Status.Terminal() {
			continue
		}
		s.Pickups = append(s.Pickups, p.Clone())
	}
	sort.Slice(s.Pickups, func(i, j int) bool {
		if s.Pickups[i].CreatedAt.Equal(s.Pickups[j].CreatedAt) {
			return s.Pickups[i].ID < s.Pickups[j].ID
		}
		return s.Pickups[i].CreatedAt.Before(s.Pickups[j].CreatedAt)
	})
	return s, nil
}

func (m *Memory) ListEvents(ctx context.Context, zoneID, driverID string, limit int) ([]model.DispatchEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := []model.DispatchEvent{}
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if e.ZoneID != zoneID || (driverID != "" && e.DriverID != driverID) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// FailCommits makes every later Commit return err (nil restores normal behaviour).
func (m *Memory) FailCommits(err error) {
	m.mu.Lock()
	m.failCommit = err
	m.mu.Unlock()
}
