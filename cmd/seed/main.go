// Command seed loads a zone topology into the Postgres store and can add
// demo pickups around each driver.
//
//	DATABASE_URL=postgres://... go run ./cmd/seed -topology zones.yaml -pickups 5
package main

import (
	"context"
	"flag"
	"log"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"courierdispatch/internal/config"
	"courierdispatch/internal/model"
	"courierdispatch/internal/store"
)

func main() {
	topology := flag.String("topology", "", "YAML file with zones and drivers (defaults to DISPATCH_CONFIG)")
	pickups := flag.Int("pickups", 0, "demo pickups to create per driver")
	spread := flag.Float64("spread", 0.02, "max offset in degrees of demo pickups from the driver")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *topology != "" {
		t, err := config.LoadFile(*topology)
		if err != nil {
			log.Fatalf("topology: %v", err)
		}
		cfg.Zones = t.Zones
		if t.Database.URL != "" && cfg.Database.URL == "" {
			cfg.Database.URL = t.Database.URL
		}
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if len(cfg.Zones) == 0 {
		log.Fatal("no zones configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer func() { _ = pg.Close() }()
	if err := pg.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	created := 0
	for _, z := range cfg.Zones {
		if err := pg.SaveZone(ctx, z.ID); err != nil {
			log.Fatalf("zone %s: %v", z.ID, err)
		}
		for _, d := range z.Drivers {
			drv := model.Driver{ID: d.ID, ZoneID: z.ID, Location: d.Location, Status: model.DriverIdle, UpdatedAt: time.Now().UTC()}
			if err := pg.SaveDriver(ctx, drv); err != nil {
				log.Fatalf("driver %s: %v", d.ID, err)
			}
			for range *pickups {
				p := model.Pickup{
					ID:     uuid.NewString(),
					ZoneID: z.ID,
					Location: model.GeoPoint{
						Lat: d.Location.Lat + (rand.Float64()*2-1)*(*spread),
						Lng: d.Location.Lng + (rand.Float64()*2-1)*(*spread),
					},
					Label:     "demo",
					Status:    model.PickupPending,
					CreatedAt: time.Now().UTC(),
				}
				if err := pg.CreatePickup(ctx, p); err != nil {
					log.Fatalf("pickup: %v", err)
				}
				created++
			}
		}
		log.Printf("seeded zone=%s drivers=%d", z.ID, len(z.Drivers))
	}
	log.Printf("seed done zones=%d pickups=%d", len(cfg.Zones), created)
}
