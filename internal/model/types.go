package model

import "time"

// Core dispatch types shared by the registry, orchestrator, store and API.

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

type PickupStatus string

const (
	PickupPending    PickupStatus = "pending"
	PickupAssigned   PickupStatus = "assigned"
	PickupInProgress PickupStatus = "in_progress"
	PickupCompleted  PickupStatus = "completed"
	PickupCancelled  PickupStatus = "cancelled"
)

// Terminal reports whether the pickup left the dispatch lifecycle.
func (s PickupStatus) Terminal() bool {
	return s == PickupCompleted || s == PickupCancelled
}

type Pickup struct {
	ID          string       `json:"id"`
	ZoneID      string       `json:"zoneId"`
	Location    GeoPoint     `json:"location"`
	Label       string       `json:"label,omitempty"`
	Status      PickupStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	DriverID    string       `json:"driverId,omitempty"`
	Position    *int         `json:"position,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Clone returns a copy that shares no pointers with p.
func (p Pickup) Clone() Pickup {
	out := p
	if p.Position != nil {
		v := *p.Position
		out.Position = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

type DriverStatus string

const (
	DriverIdle    DriverStatus = "idle"
	DriverEnRoute DriverStatus = "en_route"
	DriverOffline DriverStatus = "offline"
)

func (s DriverStatus) Valid() bool {
	return s == DriverIdle || s == DriverEnRoute || s == DriverOffline
}

type Driver struct {
	ID        string       `json:"id"`
	ZoneID    string       `json:"zoneId"`
	Location  GeoPoint     `json:"location"`
	Status    DriverStatus `json:"status"`
	Queue     []string     `json:"queue"`
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (d Driver) Clone() Driver {
	out := d
	out.Queue = append([]string(nil), d.Queue...)
	return out
}

type Zone struct {
	ID        string   `json:"id"`
	DriverIDs []string `json:"driverIds"`
	Pending   []string `json:"pending"`
}

// QueueState is the per-driver optimization state.
type QueueState string

const (
	QueueIdle       QueueState = "idle"
	QueueOptimizing QueueState = "optimizing"
	QueueCommitted  QueueState = "committed"
)

// DriverQueue is a read view of one driver's committed stop sequence.
type DriverQueue struct {
	DriverID        string       `json:"driverId"`
	ZoneID          string       `json:"zoneId"`
	Status          DriverStatus `json:"status"`
	State           QueueState   `json:"state"`
	Version         int64        `json:"version"`
	Location        GeoPoint     `json:"location"`
	Stops           []Pickup     `json:"stops"`
	LastOptimizedAt *time.Time   `json:"lastOptimizedAt,omitempty"`
}

type DriverSummary struct {
	DriverID    string       `json:"driverId"`
	Status      DriverStatus `json:"status"`
	State       QueueState   `json:"state"`
	QueueLength int          `json:"queueLength"`
	Version     int64        `json:"version"`
	Head        string       `json:"head,omitempty"`
}

type ZoneStatus struct {
	ZoneID  string          `json:"zoneId"`
	Pending int             `json:"pending"`
	Drivers []DriverSummary `json:"drivers"`
}

// Dispatch event types, persisted for audit and streamed to subscribers.
const (
	EventPickupAdmitted  = "pickup.admitted"
	EventQueueCommitted  = "queue.committed"
	EventStopClaimed     = "stop.claimed"
	EventStopCompleted   = "stop.completed"
	EventPickupCancelled = "pickup.cancelled"
	EventDriverUpdated   = "driver.updated"
)

type DispatchEvent struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	ZoneID   string         `json:"zoneId"`
	DriverID string         `json:"driverId,omitempty"`
	PickupID string         `json:"pickupId,omitempty"`
	Version  int64          `json:"version"`
	TS       time.Time      `json:"ts"`
	Data     map[string]any `json:"data,omitempty"`
}

// PickupRequest is the admission payload.
type PickupRequest struct {
	ZoneID   string    `json:"zone"`
	Location *GeoPoint `json:"location"`
	Label    string    `json:"label,omitempty"`
}

type DriverUpdate struct {
	Location *GeoPoint    `json:"location,omitempty"`
	Status   DriverStatus `json:"status,omitempty"`
}
