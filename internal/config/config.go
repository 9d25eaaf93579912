package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"courierdispatch/internal/geo"
	"courierdispatch/internal/model"
)

// Solver modes.
const (
	SolverLocal   = "local"
	SolverLKH     = "lkh"
	SolverService = "service"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Solver   SolverConfig   `yaml:"solver"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Zones    []ZoneConfig   `yaml:"zones"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url"`     // empty selects the in-memory store
	Migrate bool   `yaml:"migrate"` // apply embedded migrations on startup
}

type RedisConfig struct {
	URL string `yaml:"url"` // empty disables the shared cache and broker
}

// MatrixConfig configures the routing engine client.
type MatrixConfig struct {
	ValhallaURL string        `yaml:"valhallaUrl"` // empty selects the straight-line provider
	Costing     string        `yaml:"costing"`
	Language    string        `yaml:"language"` // maneuver narration, e.g. "ko-KR"
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"maxRetries"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
	CacheTTL    time.Duration `yaml:"cacheTtl"`
	Precision   int           `yaml:"precision"`
	RPS         float64       `yaml:"rps"`
	Burst       int           `yaml:"burst"`
	SpeedKph    float64       `yaml:"speedKph"`
}

type SolverConfig struct {
	Mode       string        `yaml:"mode"`
	LKHBin     string        `yaml:"lkhBin"`
	ServiceURL string        `yaml:"serviceUrl"`
	Budget     time.Duration `yaml:"budget"`
	Runs       int           `yaml:"runs"`
	Seed       int           `yaml:"seed"`
}

type DispatchConfig struct {
	OptimizeTimeout time.Duration `yaml:"optimizeTimeout"`
	ClaimLimit      int           `yaml:"claimLimit"` // pending pickups one optimize may claim, 0 = all
	Trigger         TriggerConfig `yaml:"trigger"`

	// Directions attaches a route to the answer of "next".
	Directions bool            `yaml:"directions"`
	// Hub is where drivers return once their queue is empty; nil keeps
	// "next" on an empty queue an error.
	Hub        *model.GeoPoint `yaml:"hub"`
}

// TriggerConfig is the policy for optimizations started by pickup admission.
type TriggerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	QueueBelow    int           `yaml:"queueBelow"`
	MinInterval   time.Duration `yaml:"minInterval"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
}

// ZoneConfig is one entry of the zone topology.
type ZoneConfig struct {
	ID      string         `yaml:"id"`
	Drivers []DriverConfig `yaml:"drivers"`
}

type DriverConfig struct {
	ID       string         `yaml:"id"`
	Location model.GeoPoint `yaml:"location"`
}

// Defaults returns a configuration usable for local development.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Matrix: MatrixConfig{
			Costing:    "auto",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			Backoff:    200 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			CacheTTL:   2 * time.Minute,
			Precision:  4,
			RPS:        20,
			Burst:      5,
			SpeedKph:   30,
		},
		Solver: SolverConfig{
			Mode:   SolverLocal,
			LKHBin: "LKH",
			Budget: 5 * time.Second,
			Runs:   1,
			Seed:   1,
		},
		Dispatch: DispatchConfig{
			OptimizeTimeout: 30 * time.Second,
			Directions:      true,
			Trigger: TriggerConfig{
				Enabled:       true,
				QueueBelow:    3,
				MinInterval:   15 * time.Second,
				MaxConcurrent: 4,
			},
		},
	}
}

// Load reads .env (optional), the YAML file named by DISPATCH_CONFIG (optional)
// and environment overrides, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := Defaults()
	if path := os.Getenv("DISPATCH_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads only the YAML file at path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Matrix.ValhallaURL = getEnv("VALHALLA_URL", c.Matrix.ValhallaURL)
	c.Matrix.Costing = getEnv("VALHALLA_COSTING", c.Matrix.Costing)
	c.Matrix.Language = getEnv("VALHALLA_LANGUAGE", c.Matrix.Language)
	c.Solver.LKHBin = getEnv("LKH_BIN", c.Solver.LKHBin)
	c.Solver.ServiceURL = getEnv("LKH_SERVICE_URL", c.Solver.ServiceURL)
	c.Solver.Mode = strings.ToLower(getEnv("SOLVER_MODE", c.Solver.Mode))

	var err error
	if c.Database.Migrate, err = getEnvBool("DATABASE_MIGRATE", c.Database.Migrate); err != nil {
		return err
	}
	if c.Matrix.Timeout, err = getEnvDuration("MATRIX_TIMEOUT", c.Matrix.Timeout); err != nil {
		return err
	}
	if c.Matrix.MaxRetries, err = getEnvInt("MATRIX_RETRIES", c.Matrix.MaxRetries); err != nil {
		return err
	}
	if c.Matrix.Backoff, err = getEnvDuration("MATRIX_BACKOFF", c.Matrix.Backoff); err != nil {
		return err
	}
	if c.Matrix.CacheTTL, err = getEnvDuration("MATRIX_CACHE_TTL", c.Matrix.CacheTTL); err != nil {
		return err
	}
	if c.Matrix.RPS, err = getEnvFloat("MATRIX_RPS", c.Matrix.RPS); err != nil {
		return err
	}
	if c.Matrix.Precision, err = getEnvInt("COORD_PRECISION", c.Matrix.Precision); err != nil {
		return err
	}
	if c.Solver.Budget, err = getEnvDuration("SOLVER_BUDGET", c.Solver.Budget); err != nil {
		return err
	}
	if c.Dispatch.OptimizeTimeout, err = getEnvDuration("OPTIMIZE_TIMEOUT", c.Dispatch.OptimizeTimeout); err != nil {
		return err
	}
	if c.Dispatch.ClaimLimit, err = getEnvInt("CLAIM_LIMIT", c.Dispatch.ClaimLimit); err != nil {
		return err
	}
	if c.Dispatch.Trigger.Enabled, err = getEnvBool("TRIGGER_ENABLED", c.Dispatch.Trigger.Enabled); err != nil {
		return err
	}
	if c.Dispatch.Trigger.QueueBelow, err = getEnvInt("TRIGGER_QUEUE_BELOW", c.Dispatch.Trigger.QueueBelow); err != nil {
		return err
	}
	if c.Dispatch.Trigger.MinInterval, err = getEnvDuration("TRIGGER_MIN_INTERVAL", c.Dispatch.Trigger.MinInterval); err != nil {
		return err
	}
	if c.Dispatch.Directions, err = getEnvBool("NEXT_DIRECTIONS", c.Dispatch.Directions); err != nil {
		return err
	}
	if v := getEnv("HUB_LOCATION", ""); v != "" {
		hub, err := parsePoint(v)
		if err != nil {
			return fmt.Errorf("invalid HUB_LOCATION: %w", err)
		}
		c.Dispatch.Hub = &hub
	}
	return nil
}

// parsePoint reads "lat,lng".
func parsePoint(s string) (model.GeoPoint, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return model.GeoPoint{}, fmt.Errorf("want lat,lng, got %q", s)
	}
	var p model.GeoPoint
	var err error
	if p.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return model.GeoPoint{}, err
	}
	if p.Lng, err = strconv.ParseFloat(strings.TrimSpace(lng), 64); err != nil {
		return model.GeoPoint{}, err
	}
	return p, nil
}

// Validate rejects settings that would leave an external call or an
// optimize cycle without a bound.
func (c *Config) Validate() error {
	if c.Matrix.Timeout <= 0 {
		return fmt.Errorf("%w: matrix timeout must be > 0", ErrInvalid)
	}
	if c.Solver.Budget <= 0 {
		return fmt.Errorf("%w: solver budget must be > 0", ErrInvalid)
	}
	if c.Dispatch.OptimizeTimeout <= 0 {
		return fmt.Errorf("%w: optimize timeout must be > 0", ErrInvalid)
	}
	if c.Dispatch.OptimizeTimeout < c.Matrix.Timeout+c.Solver.Budget {
		return fmt.Errorf("%w: optimize timeout %s cannot cover matrix timeout %s plus solver budget %s",
			ErrInvalid, c.Dispatch.OptimizeTimeout, c.Matrix.Timeout, c.Solver.Budget)
	}
	if c.Matrix.MaxRetries < 0 {
		return fmt.Errorf("%w: matrix retries must be >= 0", ErrInvalid)
	}
	if c.Matrix.Precision < 0 || c.Matrix.Precision > 8 {
		return fmt.Errorf("%w: coordinate precision must be in [0,8]", ErrInvalid)
	}
	switch c.Solver.Mode {
	case SolverLocal:
	case SolverLKH:
		if c.Solver.LKHBin == "" {
			return fmt.Errorf("%w: solver mode lkh requires LKH_BIN", ErrInvalid)
		}
	case SolverService:
		if c.Solver.ServiceURL == "" {
			return fmt.Errorf("%w: solver mode service requires LKH_SERVICE_URL", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown solver mode %q", ErrInvalid, c.Solver.Mode)
	}
	if c.Dispatch.ClaimLimit < 0 {
		return fmt.Errorf("%w: claim limit must be >= 0", ErrInvalid)
	}
	if c.Dispatch.Trigger.Enabled && c.Dispatch.Trigger.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: trigger maxConcurrent must be > 0", ErrInvalid)
	}
	if c.Dispatch.Hub != nil && !geo.Valid(*c.Dispatch.Hub) {
		return fmt.Errorf("%w: hub location out of range", ErrInvalid)
	}
	seen := map[string]bool{}
	for _, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("%w: zone without id", ErrInvalid)
		}
		if seen[z.ID] {
			return fmt.Errorf("%w: duplicate zone %s", ErrInvalid, z.ID)
		}
		seen[z.ID] = true
	}
	return nil
}

// String returns a summary safe for logs (credentials are masked).
func (c *Config) String() string {
	db := "memory"
	if c.Database.URL != "" {
		db = "postgres(***)"
	}
	matrix := "straight-line"
	if c.Matrix.ValhallaURL != "" {
		matrix = c.Matrix.ValhallaURL
	}
	return fmt.Sprintf("Config{port=%s store=%s redis=%t matrix=%s solver=%s optimizeTimeout=%s zones=%d}",
		c.Server.Port, db, c.Redis.URL != "", matrix, c.Solver.Mode, c.Dispatch.OptimizeTimeout, len(c.Zones))
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		v, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return v, nil
	}
	return defaultVal, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s: %w", key, err)
		}
		return v, nil
	}
	return defaultVal, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		v, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		return v, nil
	}
	return defaultVal, nil
}

// getEnvDuration accepts Go duration strings ("750ms") or plain seconds ("30").
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}
