package store

import (
	"context"
	"errors"

	"courierdispatch/internal/model"
)

// Store is the durable Driver Queue Store. Only the dispatch orchestrator
// writes queue, version and pickup status, always through Commit.
type Store interface {
	// Topology
	SaveZone(ctx context.Context, zoneID string) error
	// SaveDriver creates the driver or updates its zone and location.
	// Queue, version and status of an existing driver are left alone.
	SaveDriver(ctx context.Context, d model.Driver) error

	// Pickups
	CreatePickup(ctx context.Context, p model.Pickup) error
	GetPickup(ctx context.Context, id string) (model.Pickup, error)

	// Commit applies one orchestrator transition atomically: all rows and
	// events are written, or none are.
	Commit(ctx context.Context, c Commit) error

	// Load returns everything needed to rebuild in-memory dispatch state.
	Load(ctx context.Context) (Snapshot, error)

	// Audit trail, newest first.
	ListEvents(ctx context.Context, zoneID, driverID string, limit int) ([]model.DispatchEvent, error)

	Ping(ctx context.Context) error
}

// Commit is one atomic state transition.
type Commit struct {
	// Driver is the new driver row, nil when only pickups change. Its Queue
	// must match the positions written in Pickups.
	Driver *model.Driver
	// ExpectVersion is the version the stored driver must still have.
	ExpectVersion int64
	Pickups       []model.Pickup
	Events        []model.DispatchEvent
}

// Snapshot is the durable state; Pickups excludes completed and cancelled ones.
type Snapshot struct {
	Zones   []string
	Drivers []model.Driver
	Pickups []model.Pickup
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means another writer committed the driver first.
	ErrVersionConflict = errors.New("driver version conflict")
	ErrDuplicate       = errors.New("already exists")
)
