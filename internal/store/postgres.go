package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"courierdispatch/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) SaveZone(ctx context.Context, zoneID string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO zones (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, zoneID)
	return err
}

func (p *Postgres) SaveDriver(ctx context.Context, d model.Driver) error {
	status := d.Status
	if status == "" {
		status = model.DriverIdle
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers (id, zone_id, lat, lng, status, version, updated_at)
        VALUES ($1,$2,$3,$4,$5,0,now())
        ON CONFLICT (id) DO UPDATE SET zone_id=EXCLUDED.zone_id, lat=EXCLUDED.lat, lng=EXCLUDED.lng, updated_at=now()`,
		d.ID, d.ZoneID, d.Location.Lat, d.Location.Lng, string(status))
	return err
}

func (p *Postgres) CreatePickup(ctx context.Context, pk model.Pickup) error {
	res, err := p.db.ExecContext(ctx, `INSERT INTO pickups (id, zone_id, lat, lng, label, status, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (id) DO NOTHING`,
		pk.ID, pk.ZoneID, pk.Location.Lat, pk.Location.Lng, nullIfEmpty(pk.Label), string(pk.Status), pk.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pickup %s: %w", pk.ID, ErrDuplicate)
	}
	return nil
}

const pickupColumns = `id, zone_id, lat, lng, label, status, driver_id, position, created_at, completed_at`

func scanPickup(row interface{ Scan(...any) error }) (model.Pickup, error) {
	var pk model.Pickup
	var label, driverID sql.NullString
	var position sql.NullInt64
	var completedAt sql.NullTime
	var status string
	if err := row.Scan(&pk.ID, &pk.ZoneID, &pk.Location.Lat, &pk.Location.Lng, &label, &status, &driverID, &position, &pk.CreatedAt, &completedAt); err != nil {
		return pk, err
	}
	pk.Label = label.String
	pk.Status = model.PickupStatus(status)
	pk.DriverID = driverID.String
	if position.Valid {
		v := int(position.Int64)
		pk.Position = &v
	}
	if completedAt.Valid {
		t := completedAt.Time
		pk.CompletedAt = &t
	}
	return pk, nil
}

func (p *Postgres) GetPickup(ctx context.Context, id string) (model.Pickup, error) {
	pk, err := scanPickup(p.db.QueryRowContext(ctx, `SELECT `+pickupColumns+` FROM pickups WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return pk, ErrNotFound
	}
	return pk, err
}

// Commit writes the driver row (guarded by its version), the pickup rows and
// the audit events in one transaction.
func (p *Postgres) Commit(ctx context.Context, c Commit) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if d := c.Driver; d != nil {
		res, err := tx.ExecContext(ctx, `UPDATE drivers SET lat=$2, lng=$3, status=$4, version=$5, updated_at=$6
            WHERE id=$1 AND version=$7`,
			d.ID, d.Location.Lat, d.Location.Lng, string(d.Status), d.Version, d.UpdatedAt, c.ExpectVersion)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var cur int64
			err := tx.QueryRowContext(ctx, `SELECT version FROM drivers WHERE id=$1`, d.ID).Scan(&cur)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("driver %s: %w", d.ID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("driver %s at version %d, expected %d: %w", d.ID, cur, c.ExpectVersion, ErrVersionConflict)
		}
	}
	for _, pk := range c.Pickups {
		var position any
		if pk.Position != nil {
			position = *pk.Position
		}
		var completedAt any
		if pk.CompletedAt != nil {
			completedAt = *pk.CompletedAt
		}
		res, err := tx.ExecContext(ctx, `UPDATE pickups SET status=$2, driver_id=$3, position=$4, completed_at=$5 WHERE id=$1`,
			pk.ID, string(pk.Status), nullIfEmpty(pk.DriverID), position, completedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pickup %s: %w", pk.ID, ErrNotFound)
		}
	}
	for _, e := range c.Events {
		data, err := toJSON(e.Data)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO dispatch_events (id, type, zone_id, driver_id, pickup_id, version, data, ts)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.ID, e.Type, e.ZoneID, nullIfEmpty(e.DriverID), nullIfEmpty(e.PickupID), e.Version, data, e.TS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) Load(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM zones ORDER BY id`)
	if err != nil {
		return s, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return s, err
		}
		s.Zones = append(s.Zones, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}

	rows, err = p.db.QueryContext(ctx, `SELECT id, zone_id, lat, lng, status, version, updated_at FROM drivers ORDER BY id`)
	if err != nil {
		return s, err
	}
	byID := map[string]int{}
	for rows.Next() {
		var d model.Driver
		var status string
		if err := rows.Scan(&d.ID, &d.ZoneID, &d.Location.Lat, &d.Location.Lng, &status, &d.Version, &d.UpdatedAt); err != nil {
			rows.Close()
			return s, err
		}
		d.Status = model.DriverStatus(status)
		d.Queue = []string{}
		byID[d.ID] = len(s.Drivers)
		s.Drivers = append(s.Drivers, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}

	// queue order comes from positions, so pickups are read per driver in position order
	rows, err = p.db.QueryContext(ctx, `SELECT `+pickupColumns+` FROM pickups
        WHERE status NOT IN ('completed','cancelled')
        ORDER BY driver_id NULLS FIRST, position NULLS FIRST, created_at, id`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		pk, err := scanPickup(rows)
		if err != nil {
			return s, err
		}
		if i, ok := byID[pk.DriverID]; ok && pk.Position != nil {
			s.Drivers[i].Queue = append(s.Drivers[i].Queue, pk.ID)
		}
		s.Pickups = append(s.Pickups, pk)
	}
	return s, rows.Err()
}

func (p *Postgres) ListEvents(ctx context.Context, zoneID, driverID string, limit int) ([]model.DispatchEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if driverID != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id, type, zone_id, driver_id, pickup_id, version, data, ts FROM dispatch_events
            WHERE zone_id=$1 AND driver_id=$2 ORDER BY ts DESC, id DESC LIMIT $3`, zoneID, driverID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id, type, zone_id, driver_id, pickup_id, version, data, ts FROM dispatch_events
            WHERE zone_id=$1 ORDER BY ts DESC, id DESC LIMIT $2`, zoneID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DispatchEvent{}
	for rows.Next() {
		var e model.DispatchEvent
		var drv, pk sql.NullString
		var data []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.ZoneID, &drv, &pk, &e.Version, &data, &e.TS); err != nil {
			return nil, err
		}
		e.DriverID = drv.String
		e.PickupID = pk.String
		if e.Data, err = decodeEventData(data); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeEventData(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	return m, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
