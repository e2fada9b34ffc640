package arbiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/skylattice/fleetd/eventlog"
	eventmem "github.com/skylattice/fleetd/eventlog/memory"
	"github.com/skylattice/fleetd/intent"
	"github.com/skylattice/fleetd/registry"
	"github.com/skylattice/fleetd/telemetry"
	telemem "github.com/skylattice/fleetd/telemetry/memory"
	"github.com/skylattice/fleetd/types"
)

func newTestLoop(t *testing.T, hazards HazardField, cfg Config) (*Loop, *registry.InMemory, *telemem.Store, *eventmem.Store) {
	t.Helper()
	reg := registry.NewInMemory()
	telemetryStore := telemem.New()
	eventStore := eventmem.New()
	if cfg.Seed == 0 {
		cfg.Seed = 7
	}
	l, err := NewLoop(reg, telemetryStore, hazards, cfg,
		WithEventSink(eventlog.StoreSink(eventStore)))
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	return l, reg, telemetryStore, eventStore
}

func mustSpawn(t *testing.T, l *Loop, agentID string, pos types.Position) {
	t.Helper()
	if err := l.Spawn(context.Background(), agentID, pos); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
}

func agentState(t *testing.T, reg *registry.InMemory, agentID string) registry.AgentState {
	t.Helper()
	state, err := reg.Get(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return state
}

func TestDefaultNavigationMovesTowardEndpoint(t *testing.T) {
	l, reg, _, _ := newTestLoop(t, ClearField{}, Config{
		Endpoint:  types.Position{X: 10},
		StepLimit: 1.0,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	l.Tick(ctx)
	state := agentState(t, reg, "agent1")
	if state.Position != (types.Position{X: 1}) {
		t.Fatalf("expected one capped step toward the endpoint, got %v", state.Position)
	}

	l.Tick(ctx)
	state = agentState(t, reg, "agent1")
	if state.Position != (types.Position{X: 2}) {
		t.Fatalf("expected steady progress, got %v", state.Position)
	}
	if state.LastTick != 2 {
		t.Fatalf("tick counter not recorded, got %d", state.LastTick)
	}
}

func TestOverrideOutranksDecisionAgent(t *testing.T) {
	l, reg, _, _ := newTestLoop(t, ClearField{}, Config{
		Endpoint:  types.Position{X: 10},
		StepLimit: 1.0,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	if _, err := l.Command(ctx, "agent1", types.Position{Y: 5}, intent.TierDecisionAgent, "planner"); err != nil {
		t.Fatalf("decision-agent command failed: %v", err)
	}
	if _, err := l.Command(ctx, "agent1", types.Position{Y: -5}, intent.TierOverride, "operator"); err != nil {
		t.Fatalf("override command failed: %v", err)
	}

	l.Tick(ctx)
	state := agentState(t, reg, "agent1")
	if state.Position.Y >= 0 {
		t.Fatalf("override must win arbitration, agent moved to %v", state.Position)
	}
}

func TestRepeatedOverrideIsIdempotent(t *testing.T) {
	l, reg, _, _ := newTestLoop(t, ClearField{}, Config{StepLimit: 1.0})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	target := types.Position{X: 3}
	if _, err := l.Command(ctx, "agent1", target, intent.TierOverride, "operator"); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	l.Tick(ctx)
	posAfterOne := agentState(t, reg, "agent1").Position

	// Re-issuing the same target must not disturb the trajectory.
	if _, err := l.Command(ctx, "agent1", target, intent.TierOverride, "operator"); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	l.Tick(ctx)
	posAfterTwo := agentState(t, reg, "agent1").Position
	if posAfterTwo.X <= posAfterOne.X {
		t.Fatalf("trajectory disturbed by re-issued command: %v then %v", posAfterOne, posAfterTwo)
	}
}

func TestArrivalClearsIntentAndFallsThrough(t *testing.T) {
	l, reg, _, eventStore := newTestLoop(t, ClearField{}, Config{
		Endpoint:  types.Position{X: 10},
		StepLimit: 1.0,
		Epsilon:   0.05,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	if _, err := l.Command(ctx, "agent1", types.Position{Y: 5}, intent.TierDecisionAgent, "planner"); err != nil {
		t.Fatalf("decision-agent command failed: %v", err)
	}
	if _, err := l.Command(ctx, "agent1", types.Position{X: 1}, intent.TierOverride, "operator"); err != nil {
		t.Fatalf("override command failed: %v", err)
	}

	// One tick reaches the override target exactly.
	l.Tick(ctx)
	state := agentState(t, reg, "agent1")
	if state.Position != (types.Position{X: 1}) {
		t.Fatalf("expected arrival at the override target, got %v", state.Position)
	}

	// Next tick the cleared override is gone and the decision-agent intent
	// takes over on its own.
	l.Tick(ctx)
	state = agentState(t, reg, "agent1")
	if state.Position.Y <= 0 {
		t.Fatalf("expected fall-through to the decision-agent target, got %v", state.Position)
	}

	records, err := eventStore.Query(ctx, eventlog.Query{Category: eventlog.CategoryResponse})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(records) != 1 || !strings.Contains(records[0].Text, "reached") {
		t.Fatalf("expected an arrival response event, got %#v", records)
	}
}

func TestOutOfBoundsCommandRejected(t *testing.T) {
	bounds := types.Bounds{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}
	l, reg, _, eventStore := newTestLoop(t, ClearField{}, Config{
		Bounds:    bounds,
		StepLimit: 1.0,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	if _, err := l.Command(ctx, "agent1", types.Position{X: 3}, intent.TierOverride, "operator"); err != nil {
		t.Fatalf("in-bounds command failed: %v", err)
	}

	var oob *intent.OutOfBoundsError
	_, err := l.Command(ctx, "agent1", types.Position{X: 50}, intent.TierOverride, "operator")
	if !errors.As(err, &oob) {
		t.Fatalf("expected OutOfBoundsError, got %v", err)
	}

	// The earlier command stays in force.
	l.Tick(ctx)
	state := agentState(t, reg, "agent1")
	if state.Position != (types.Position{X: 1}) {
		t.Fatalf("previous intent should remain active, got %v", state.Position)
	}

	records, queryErr := eventStore.Query(ctx, eventlog.Query{Category: eventlog.CategoryError})
	if queryErr != nil {
		t.Fatalf("Query failed: %v", queryErr)
	}
	if len(records) != 1 || !strings.Contains(records[0].Text, "rejected") {
		t.Fatalf("expected a rejection event, got %#v", records)
	}
}

func TestCommandForUnknownAgent(t *testing.T) {
	l, _, _, _ := newTestLoop(t, ClearField{}, Config{})
	if _, err := l.Command(context.Background(), "ghost", types.Position{X: 1}, intent.TierOverride, "operator"); !errors.Is(err, registry.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestRegistryAndTelemetryAgreeAfterTick(t *testing.T) {
	l, reg, telemetryStore, _ := newTestLoop(t, ClearField{}, Config{
		Endpoint:  types.Position{X: 10},
		StepLimit: 1.0,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	l.Tick(ctx)

	state := agentState(t, reg, "agent1")
	samples, err := telemetryStore.Recent(ctx, telemetry.RecentQuery{AgentID: "agent1", Limit: 1})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	// Both stores carry the post-move state for the same tick.
	if samples[0].Position != state.Position {
		t.Fatalf("telemetry lags the registry: %v vs %v", samples[0].Position, state.Position)
	}
	if samples[0].Seq != 1 || samples[0].RunID != l.ProducerRunID() {
		t.Fatalf("unexpected stamping: %#v", samples[0])
	}
}

func TestMotionContinuesWhenTelemetryFails(t *testing.T) {
	l, reg, telemetryStore, _ := newTestLoop(t, ClearField{}, Config{
		Endpoint:  types.Position{X: 10},
		StepLimit: 1.0,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	telemetryStore.FailNext(2)
	l.Tick(ctx)
	l.Tick(ctx)

	state := agentState(t, reg, "agent1")
	if state.Position != (types.Position{X: 2}) {
		t.Fatalf("motion must not stall on telemetry failures, got %v", state.Position)
	}

	// Store back up: appends resume with the producer's next sequence.
	l.Tick(ctx)
	samples, err := telemetryStore.Recent(ctx, telemetry.RecentQuery{AgentID: "agent1", Limit: 5})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(samples) != 1 || samples[0].Seq != 3 {
		t.Fatalf("expected only the post-recovery sample with seq 3, got %#v", samples)
	}
}

func TestRecoveryOutranksDefaultNavigation(t *testing.T) {
	// The direct route to the endpoint passes through a denial zone.
	field := NewZoneField(Zone{Center: types.Position{X: 4}, Radius: 1.5})
	l, reg, _, eventStore := newTestLoop(t, field, Config{
		Endpoint:  types.Position{X: 10},
		StepLimit: 1.0,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	// Walk toward the endpoint until the hazard is entered and recovery
	// engages; the tick that engages it already retreats.
	var sawBacktrack bool
	var before, after types.Position
	for i := 0; i < 10; i++ {
		before = agentState(t, reg, "agent1").Position
		l.Tick(ctx)
		after = agentState(t, reg, "agent1").Position
		if phase, ok := l.RecoveryPhase("agent1"); ok && phase == PhaseBacktracking {
			sawBacktrack = true
			break
		}
	}
	if !sawBacktrack {
		t.Fatal("recovery never engaged on the hazard path")
	}
	if after.X >= before.X {
		t.Fatalf("backtracking should retreat, went %v -> %v", before, after)
	}

	records, err := eventStore.Query(ctx, eventlog.Query{Category: eventlog.CategoryNotification, AgentID: "agent1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var sawTransition bool
	for _, record := range records {
		if strings.Contains(record.Text, "backtracking") {
			sawTransition = true
		}
	}
	if !sawTransition {
		t.Fatalf("expected recovery transition events, got %#v", records)
	}
}

func TestOverrideOutranksRecovery(t *testing.T) {
	// Agent spawns jammed; an operator override still wins.
	field := NewZoneField(Zone{Center: types.Position{}, Radius: 2})
	l, reg, _, _ := newTestLoop(t, field, Config{StepLimit: 1.0})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	if _, err := l.Command(ctx, "agent1", types.Position{X: 5}, intent.TierOverride, "operator"); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	l.Tick(ctx)
	state := agentState(t, reg, "agent1")
	if state.Position.X <= 0 {
		t.Fatalf("override must outrank recovery, got %v", state.Position)
	}
}

func TestSpawnOutsideBoundsRejected(t *testing.T) {
	l, _, _, _ := newTestLoop(t, ClearField{}, Config{
		Bounds: types.Bounds{MinX: -1, MinY: -1, MaxX: 1, MaxY: 1},
	})
	if err := l.Spawn(context.Background(), "agent1", types.Position{X: 5}); err == nil {
		t.Fatal("expected spawn rejection outside bounds")
	}
}

func TestBoundsClampMotion(t *testing.T) {
	bounds := types.Bounds{MinX: -1, MinY: -1, MaxX: 1, MaxY: 1}
	l, reg, _, _ := newTestLoop(t, ClearField{}, Config{
		Bounds:    bounds,
		Endpoint:  types.Position{X: 1},
		StepLimit: 5.0,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	l.Tick(ctx)
	l.Tick(ctx)
	state := agentState(t, reg, "agent1")
	if !bounds.Contains(state.Position) {
		t.Fatalf("agent escaped the operating bounds: %v", state.Position)
	}
}

func TestIntentExpiryFallsThrough(t *testing.T) {
	l, reg, _, _ := newTestLoop(t, ClearField{}, Config{
		Endpoint:  types.Position{X: 10},
		StepLimit: 1.0,
		IntentTTL: 20 * time.Millisecond,
	})
	ctx := context.Background()
	mustSpawn(t, l, "agent1", types.Position{})

	if _, err := l.Command(ctx, "agent1", types.Position{Y: 5}, intent.TierOverride, "operator"); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	l.Tick(ctx)
	if pos := agentState(t, reg, "agent1").Position; pos.Y <= 0 {
		t.Fatalf("override should steer before expiry, got %v", pos)
	}

	// Once the intent ages out, default navigation resumes.
	time.Sleep(30 * time.Millisecond)
	before := agentState(t, reg, "agent1").Position
	l.Tick(ctx)
	after := agentState(t, reg, "agent1").Position
	if after.X <= before.X {
		t.Fatalf("expired intent should yield to the endpoint, went %v -> %v", before, after)
	}
}

func TestStartRejectsDoubleStart(t *testing.T) {
	l, _, _, _ := newTestLoop(t, ClearField{}, Config{})
	ctx := context.Background()

	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	// Stop twice is a no-op.
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}
