package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/skylattice/fleetd/types"
)

// StoreKind selects a backend for the telemetry and event stores.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreSQLite StoreKind = "sqlite"
	StoreRedis  StoreKind = "redis"
)

// Fleet is the daemon configuration, loadable from YAML with env overrides
// applied by the caller.
type Fleet struct {
	Addr string `yaml:"addr"`

	Bounds    types.Bounds   `yaml:"bounds"`
	Endpoint  types.Position `yaml:"endpoint"`
	StepLimit float64        `yaml:"stepLimit"`
	Epsilon   float64        `yaml:"epsilon"`

	TickInterval time.Duration `yaml:"tickInterval"`
	PollInterval time.Duration `yaml:"pollInterval"`

	WindowSize          int   `yaml:"windowSize"`
	RegressionThreshold int64 `yaml:"regressionThreshold"`
	HistoryDepth        int   `yaml:"historyDepth"`

	// IntentTTL, when positive, expires externally issued intents that were
	// never reached. Disabled by default.
	IntentTTL time.Duration `yaml:"intentTTL"`

	Store struct {
		Kind      StoreKind `yaml:"kind"`
		SQLiteDir string    `yaml:"sqliteDir"`
		RedisAddr string    `yaml:"redisAddr"`
		RedisDB   int       `yaml:"redisDB"`
		RedisPass string    `yaml:"redisPassword"`
		KeyPrefix string    `yaml:"keyPrefix"`
	} `yaml:"store"`

	Agents []struct {
		ID    string         `yaml:"id"`
		Start types.Position `yaml:"start"`
	} `yaml:"agents"`

	Hazards []struct {
		Center types.Position `yaml:"center"`
		Radius float64        `yaml:"radius"`
	} `yaml:"hazards"`
}

// DefaultFleet returns a runnable single-process configuration.
func DefaultFleet() Fleet {
	f := Fleet{
		Addr:                "127.0.0.1:8700",
		Bounds:              types.Bounds{MinX: -100, MinY: -100, MaxX: 100, MaxY: 100},
		Endpoint:            types.Position{X: 50, Y: 50},
		StepLimit:           1.0,
		Epsilon:             0.05,
		TickInterval:        200 * time.Millisecond,
		PollInterval:        time.Second,
		WindowSize:          500,
		RegressionThreshold: 50,
		HistoryDepth:        30,
	}
	f.Store.Kind = StoreMemory
	f.Store.SQLiteDir = "./data"
	f.Store.KeyPrefix = "fleetd"
	return f
}

// LoadFleet reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadFleet(path string) (Fleet, error) {
	f := DefaultFleet()
	if strings.TrimSpace(path) == "" {
		return f, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fleet{}, fmt.Errorf("failed to read fleet config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Fleet{}, fmt.Errorf("failed to parse fleet config: %w", err)
	}
	return f, f.validate()
}

func (f Fleet) validate() error {
	switch f.Store.Kind {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown store kind %q", f.Store.Kind)
	}
	if f.Store.Kind == StoreRedis && strings.TrimSpace(f.Store.RedisAddr) == "" {
		return fmt.Errorf("redis store requires store.redisAddr")
	}
	if f.StepLimit <= 0 {
		return fmt.Errorf("stepLimit must be positive")
	}
	if !f.Bounds.IsZero() && !f.Bounds.Contains(f.Endpoint) {
		return fmt.Errorf("endpoint %s is outside the operating bounds", f.Endpoint)
	}
	return nil
}
