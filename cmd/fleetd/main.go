package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/skylattice/fleetd/arbiter"
	"github.com/skylattice/fleetd/eventlog"
	eventmemory "github.com/skylattice/fleetd/eventlog/memory"
	eventredis "github.com/skylattice/fleetd/eventlog/redisstore"
	eventsqlite "github.com/skylattice/fleetd/eventlog/sqlite"
	"github.com/skylattice/fleetd/fusion"
	"github.com/skylattice/fleetd/gateway/api"
	"github.com/skylattice/fleetd/internal/config"
	"github.com/skylattice/fleetd/observe"
	"github.com/skylattice/fleetd/registry"
	"github.com/skylattice/fleetd/stream"
	"github.com/skylattice/fleetd/telemetry"
	telememory "github.com/skylattice/fleetd/telemetry/memory"
	teleredis "github.com/skylattice/fleetd/telemetry/redisstore"
	telesqlite "github.com/skylattice/fleetd/telemetry/sqlite"
	"github.com/skylattice/fleetd/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("FLEETD_CONFIG"), "path to fleet YAML config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadFleet(*configPath)
	if err != nil {
		return err
	}
	applyEnvOverrides(&cfg)

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics, err := observe.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to build metrics: %w", err)
	}

	telemetryStore, eventStore, err := buildStores(cfg, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = telemetryStore.Close() }()
	defer func() { _ = eventStore.Close() }()

	reg := registry.NewInMemory()

	eventSink := eventlog.NewAsyncSink(eventlog.StoreSink(eventStore), 512)
	defer eventSink.Close()

	hazards := buildHazards(cfg)
	loop, err := arbiter.NewLoop(reg, telemetryStore, hazards, arbiter.Config{
		TickInterval: cfg.TickInterval,
		StepLimit:    cfg.StepLimit,
		Epsilon:      cfg.Epsilon,
		Bounds:       cfg.Bounds,
		Endpoint:     cfg.Endpoint,
		IntentTTL:    cfg.IntentTTL,
	},
		arbiter.WithLogger(logger.Named("arbiter")),
		arbiter.WithMetrics(metrics),
		arbiter.WithEventSink(eventSink),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, agent := range cfg.Agents {
		if err := loop.Spawn(ctx, agent.ID, agent.Start); err != nil {
			return fmt.Errorf("failed to spawn agent %s: %w", agent.ID, err)
		}
	}

	gateway, err := stream.NewGateway(telemetryStore, eventStore,
		stream.WithLogger(logger.Named("stream")),
		stream.WithMetrics(metrics),
		stream.WithConfig(stream.Config{
			PollInterval:        cfg.PollInterval,
			WindowSize:          cfg.WindowSize,
			RegressionThreshold: cfg.RegressionThreshold,
		}),
	)
	if err != nil {
		return err
	}

	engine, err := fusion.NewEngine(reg, telemetryStore, eventStore,
		fusion.WithLogger(logger.Named("fusion")),
		fusion.WithMetrics(metrics),
		fusion.WithHistoryDepth(cfg.HistoryDepth),
	)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Config{
		Addr:     cfg.Addr,
		Registry: reg,
		Loop:     loop,
		Fusion:   engine,
		Gateway:  gateway,
		Logger:   logger.Named("api"),
		Health: map[string]func(ctx context.Context) error{
			"telemetry": func(ctx context.Context) error {
				_, err := telemetryStore.Recent(ctx, telemetry.RecentQuery{Limit: 1})
				return err
			},
			"events": func(ctx context.Context) error {
				_, err := eventStore.Query(ctx, eventlog.Query{Limit: 1})
				return err
			},
		},
	})
	if err != nil {
		return err
	}

	if err := loop.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Stop(stopCtx)
	}()

	logger.Info("fleetd started",
		zap.String("addr", cfg.Addr),
		zap.String("store", string(cfg.Store.Kind)),
		zap.Int("agents", len(cfg.Agents)),
		zap.String("producer_run", loop.ProducerRunID()),
	)

	err = server.ListenAndServe(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func applyEnvOverrides(cfg *config.Fleet) {
	if addr := os.Getenv("FLEETD_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if addr := os.Getenv("FLEETD_REDIS_ADDR"); addr != "" {
		cfg.Store.Kind = config.StoreRedis
		cfg.Store.RedisAddr = addr
	}
	cfg.TickInterval = config.ParseDurationEnv("FLEETD_TICK_INTERVAL", cfg.TickInterval)
	cfg.PollInterval = config.ParseDurationEnv("FLEETD_POLL_INTERVAL", cfg.PollInterval)
	cfg.StepLimit = config.ParseFloatEnv("FLEETD_STEP_LIMIT", cfg.StepLimit)
	cfg.HistoryDepth = config.ParseIntEnv("FLEETD_HISTORY_DEPTH", cfg.HistoryDepth)
}

func buildStores(cfg config.Fleet, metrics *observe.Metrics) (telemetry.Store, eventlog.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory:
		return telememory.New(), eventmemory.New(), nil
	case config.StoreSQLite:
		dir := cfg.Store.SQLiteDir
		wal := config.ParseBoolString(os.Getenv("FLEETD_SQLITE_WAL"), true)
		ts, err := telesqlite.New(filepath.Join(dir, "telemetry.db"),
			telesqlite.WithWAL(wal),
			telesqlite.WithMetrics(metrics),
		)
		if err != nil {
			return nil, nil, err
		}
		es, err := eventsqlite.New(filepath.Join(dir, "events.db"),
			eventsqlite.WithMetrics(metrics),
		)
		if err != nil {
			_ = ts.Close()
			return nil, nil, err
		}
		return ts, es, nil
	case config.StoreRedis:
		ts, err := teleredis.New(cfg.Store.RedisAddr,
			teleredis.WithDB(cfg.Store.RedisDB),
			teleredis.WithPassword(cfg.Store.RedisPass),
			teleredis.WithPrefix(cfg.Store.KeyPrefix),
			teleredis.WithMetrics(metrics),
		)
		if err != nil {
			return nil, nil, err
		}
		es, err := eventredis.New(cfg.Store.RedisAddr,
			eventredis.WithDB(cfg.Store.RedisDB),
			eventredis.WithPassword(cfg.Store.RedisPass),
			eventredis.WithPrefix(cfg.Store.KeyPrefix),
			eventredis.WithMetrics(metrics),
		)
		if err != nil {
			_ = ts.Close()
			return nil, nil, err
		}
		return ts, es, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func buildHazards(cfg config.Fleet) arbiter.HazardField {
	if len(cfg.Hazards) == 0 {
		return arbiter.ClearField{}
	}
	zones := make([]arbiter.Zone, 0, len(cfg.Hazards))
	for _, h := range cfg.Hazards {
		zones = append(zones, arbiter.Zone{
			Center: types.Position{X: h.Center.X, Y: h.Center.Y},
			Radius: h.Radius,
		})
	}
	return arbiter.NewZoneField(zones...)
}
