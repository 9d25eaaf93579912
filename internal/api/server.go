package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"courierdispatch/internal/config"
	"courierdispatch/internal/dispatch"
	"courierdispatch/internal/matrix"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/registry"
	"courierdispatch/internal/solver"
	"courierdispatch/internal/store"
)

type Server struct {
	Dispatch *dispatch.Orchestrator
	Broker   EventBroker
	Config   *config.Config

	closers []func() error
}

// New wraps an already wired orchestrator. The orchestrator should notify
// through NewNotifier(b) for the stream endpoints to see its events.
func New(o *dispatch.Orchestrator, b EventBroker, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Defaults()
	}
	return &Server{Dispatch: o, Broker: b, Config: cfg}
}

// NewServer builds the full dependency graph from configuration. Without
// DATABASE_URL it uses the in-memory store; without REDIS_URL the matrix
// cache and event broker are process-local.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	metrics.RegisterDefault()
	s := &Server{Config: cfg}

	var st store.Store
	if cfg.Database.URL == "" {
		st = store.NewMemory()
		log.Printf("store: in-memory (DATABASE_URL unset)")
	} else {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
	}

	var cache matrix.Cache = matrix.NewMemoryCache(0)
	var broker EventBroker = NewBroker()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			_ = s.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		s.closers = append(s.closers, rdb.Close)
		cache = matrix.NewRedisCache(rdb)
		broker = NewRedisBroker(rdb)
	}
	s.Broker = broker

	var provider matrix.Provider
	var router matrix.Router
	if cfg.Matrix.ValhallaURL != "" {
		v := matrix.NewValhalla(cfg.Matrix)
		provider, router = v, v
	} else {
		sl := matrix.StraightLine{SpeedKph: cfg.Matrix.SpeedKph}
		provider, router = sl, sl
		log.Printf("matrix: straight-line at %.0f km/h (VALHALLA_URL unset)", cfg.Matrix.SpeedKph)
	}
	provider = matrix.NewCached(provider, cache, cfg.Matrix.CacheTTL, cfg.Matrix.Precision)

	opts := dispatch.OptionsFrom(cfg)
	if cfg.Dispatch.Directions {
		opts.Router = router
	}
	o, err := dispatch.New(registry.New(), st, provider, newSolver(cfg.Solver), NewNotifier(broker), opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Dispatch = o
	if err := o.Restore(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := o.EnsureTopology(ctx, cfg.Zones); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func newSolver(c config.SolverConfig) solver.Solver {
	switch c.Mode {
	case config.SolverLKH:
		return solver.LKH{Bin: c.LKHBin, Runs: c.Runs, Seed: c.Seed}
	case config.SolverService:
		return solver.Service{URL: c.ServiceURL, HTTP: &http.Client{}}
	default:
		return solver.Local{}
	}
}

// Close stops background optimizations and releases connections.
func (s *Server) Close() error {
	if s.Dispatch != nil {
		s.Dispatch.Close()
	}
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/info", s.DebugJSON)

	// Pickups
	mux.HandleFunc("/pickups", s.PickupsHandler)
	mux.HandleFunc("/pickups/", s.PickupByIDHandler) // includes /cancel

	// Zones and drivers
	mux.HandleFunc("/zones", s.ZonesHandler)
	mux.HandleFunc("/zones/", s.ZoneRouter)
	return mux
}
