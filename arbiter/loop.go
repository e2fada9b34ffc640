// Package arbiter runs the per-tick command arbitration loop. Every tick,
// for every agent, it resolves the single winning command among operator
// override, decision-agent target, jamming-recovery output, and default
// navigation, applies the movement-step limit, writes the live registry,
// and appends a telemetry sample. It is the only writer of agent state.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylattice/fleetd/eventlog"
	"github.com/skylattice/fleetd/intent"
	"github.com/skylattice/fleetd/observe"
	"github.com/skylattice/fleetd/registry"
	"github.com/skylattice/fleetd/telemetry"
	"github.com/skylattice/fleetd/types"
)

const (
	defaultTickInterval = 200 * time.Millisecond
	defaultStepLimit    = 1.0
	defaultEpsilon      = 0.05
	storeTimeout        = 3 * time.Second
)

type Config struct {
	TickInterval time.Duration
	StepLimit    float64
	Epsilon      float64
	Bounds       types.Bounds
	// Endpoint is the mission endpoint agents navigate toward when no
	// higher-priority intent is active.
	Endpoint types.Position
	// IntentTTL, when positive, expires externally issued intents that were
	// never reached. Zero keeps them active until arrival or displacement.
	IntentTTL time.Duration
	// Seed fixes the exploration randomness; zero means time-seeded.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.StepLimit <= 0 {
		c.StepLimit = defaultStepLimit
	}
	if c.Epsilon <= 0 {
		c.Epsilon = defaultEpsilon
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// decision is the resolved outcome of one agent's arbitration for one tick.
type decision struct {
	target types.Position
	tier   intent.Tier
	// winner is set for externally issued intents so arrival can clear them.
	winner *intent.CommandIntent
}

type Loop struct {
	registry  registry.Registry
	telemetry telemetry.Store
	producer  *telemetry.Producer
	events    eventlog.Sink
	hazards   HazardField
	cfg       Config
	logger    *zap.Logger
	metrics   *observe.Metrics
	rng       *rand.Rand

	mu       sync.Mutex
	recovery map[string]*Recovery
	tick     int64
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Loop)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

func WithEventSink(sink eventlog.Sink) Option {
	return func(l *Loop) {
		if sink != nil {
			l.events = sink
		}
	}
}

func NewLoop(reg registry.Registry, telemetryStore telemetry.Store, hazards HazardField, cfg Config, opts ...Option) (*Loop, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if telemetryStore == nil {
		return nil, fmt.Errorf("telemetry store is required")
	}
	if hazards == nil {
		hazards = ClearField{}
	}
	cfg = cfg.withDefaults()
	l := &Loop{
		registry:  reg,
		telemetry: telemetryStore,
		producer:  telemetry.NewProducer(),
		events:    eventlog.NoopSink{},
		hazards:   hazards,
		cfg:       cfg,
		logger:    zap.NewNop(),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		recovery:  map[string]*Recovery{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Spawn registers a new agent with the registry and its recovery machine.
func (l *Loop) Spawn(ctx context.Context, agentID string, position types.Position) error {
	if !l.cfg.Bounds.IsZero() && !l.cfg.Bounds.Contains(position) {
		return fmt.Errorf("spawn position %s is outside operating bounds", position)
	}
	state, err := l.registry.Spawn(ctx, agentID, position)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.recovery[agentID]; !ok {
		rec := NewRecovery(state.Position, l.cfg.StepLimit, l.cfg.Epsilon, l.rng)
		rec.onTransition = l.transitionObserver(agentID)
		l.recovery[agentID] = rec
	}
	return nil
}

// transitionObserver appends a notification event for every recovery phase
// change. Outlives any one request context.
func (l *Loop) transitionObserver(agentID string) func(from, to Phase) {
	return func(from, to Phase) {
		_ = l.events.Emit(context.Background(), eventlog.Record{
			Text:     fmt.Sprintf("recovery %s -> %s", from, to),
			Source:   "recovery",
			Category: eventlog.CategoryNotification,
			AgentID:  agentID,
		})
	}
}

// Command validates and installs an externally issued intent. A rejected
// command leaves any previous active intent in force and returns the reason.
func (l *Loop) Command(ctx context.Context, agentID string, target types.Position, tier intent.Tier, source string) (intent.CommandIntent, error) {
	cmd, err := intent.New(agentID, target, tier, l.cfg.Bounds)
	if err != nil {
		l.metrics.IntentRejected(ctx)
		_ = l.events.Emit(ctx, eventlog.Record{
			Text:     fmt.Sprintf("command rejected: %v", err),
			Source:   source,
			Category: eventlog.CategoryError,
			AgentID:  agentID,
		})
		return intent.CommandIntent{}, err
	}
	cmd.Source = source
	cmd.TTL = l.cfg.IntentTTL
	if err := l.registry.SetIntent(ctx, cmd); err != nil {
		l.metrics.IntentRejected(ctx)
		if errors.Is(err, registry.ErrUnknownAgent) {
			_ = l.events.Emit(ctx, eventlog.Record{
				Text:     fmt.Sprintf("command rejected: unknown agent %s", agentID),
				Source:   source,
				Category: eventlog.CategoryError,
				AgentID:  agentID,
			})
		}
		return intent.CommandIntent{}, err
	}
	l.metrics.IntentAccepted(ctx)
	_ = l.events.Emit(ctx, eventlog.Record{
		Text:     fmt.Sprintf("%s target set to %s", cmd.Tier, cmd.Target),
		Source:   source,
		Category: eventlog.CategoryCommand,
		AgentID:  agentID,
	})
	return cmd, nil
}

// Start runs the tick loop until the context is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("arbitration loop already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.started = true
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				l.Tick(runCtx)
			}
		}
	}()
	return nil
}

func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	done := l.done
	l.started = false
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one full arbitration pass over every agent. One tick runs to
// completion before the next begins; it is also callable directly for
// deterministic tests and simulations.
func (l *Loop) Tick(ctx context.Context) {
	states, err := l.registry.List(ctx)
	if err != nil {
		l.logger.Warn("registry list failed, skipping tick", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.tick++
	tick := l.tick
	l.mu.Unlock()

	now := time.Now().UTC()
	for _, state := range states {
		l.stepAgent(ctx, state, tick, now)
	}
	l.metrics.TickCompleted(ctx)
}

func (l *Loop) stepAgent(ctx context.Context, state registry.AgentState, tick int64, now time.Time) {
	agentID := state.AgentID

	l.mu.Lock()
	rec, ok := l.recovery[agentID]
	l.mu.Unlock()
	if !ok {
		// Agent appeared in the registry without Spawn (remote writer);
		// adopt it with its current position as the safe point.
		rec = NewRecovery(state.Position, l.cfg.StepLimit, l.cfg.Epsilon, l.rng)
		rec.onTransition = l.transitionObserver(agentID)
		l.mu.Lock()
		l.recovery[agentID] = rec
		l.mu.Unlock()
	}

	deniedHere := l.hazards.Denied(state.Position)
	recoveryTarget := rec.Step(state.Position, deniedHere)

	dec := l.arbitrate(ctx, state, recoveryTarget, now)

	newPos := state.Position.StepToward(dec.target, l.cfg.StepLimit)
	if !l.cfg.Bounds.IsZero() {
		newPos = l.cfg.Bounds.Clamp(newPos)
	}
	denied := l.hazards.Denied(newPos)
	signal := l.hazards.SignalQuality(newPos)

	// Arrival clears externally issued intents so later ticks fall through
	// to the next-highest tier on their own.
	if dec.winner != nil && newPos.DistanceTo(dec.winner.Target) <= l.cfg.Epsilon {
		if err := l.registry.ClearIntent(ctx, agentID, dec.winner.Tier); err == nil {
			_ = l.events.Emit(ctx, eventlog.Record{
				Text:     fmt.Sprintf("%s target %s reached", dec.winner.Tier, dec.winner.Target),
				Source:   "arbiter",
				Category: eventlog.CategoryResponse,
				AgentID:  agentID,
			})
		}
	}

	// Registry first, telemetry second, both with post-move state. The
	// reverse order leaves the telemetry store permanently one tick stale.
	if err := l.registry.Update(ctx, agentID, newPos, denied, signal, tick); err != nil {
		l.logger.Warn("registry update failed", zap.String("agent", agentID), zap.Error(err))
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	sample := l.producer.Stamp(telemetry.Sample{
		AgentID:       agentID,
		Position:      newPos,
		Denied:        denied,
		SignalQuality: signal,
	})
	if _, err := l.telemetry.Append(storeCtx, sample); err != nil {
		// Motion correctness outranks audit completeness: log, count, move on.
		l.metrics.SampleDropped(ctx)
		l.metrics.StoreFailure(ctx)
		l.logger.Debug("telemetry append failed", zap.String("agent", agentID), zap.Error(err))
		return
	}
	l.metrics.SampleAppended(ctx)
}

// arbitrate picks the single active intent with the highest priority tier.
// Ties cannot happen: external intents hold one slot per tier, recovery and
// default each contribute exactly one candidate.
func (l *Loop) arbitrate(ctx context.Context, state registry.AgentState, recoveryTarget *types.Position, now time.Time) decision {
	dec := decision{target: l.cfg.Endpoint, tier: intent.TierDefault}

	if recoveryTarget != nil {
		dec = decision{target: *recoveryTarget, tier: intent.TierRecovery}
	}

	active, err := l.registry.ActiveIntents(ctx, state.AgentID, now)
	if err != nil {
		return dec
	}
	for i := range active {
		cmd := active[i]
		if cmd.Tier > dec.tier {
			dec = decision{target: cmd.Target, tier: cmd.Tier, winner: &active[i]}
		}
	}
	return dec
}

// ProducerRunID exposes this run's telemetry producer identity.
func (l *Loop) ProducerRunID() string {
	return l.producer.RunID()
}

// CurrentTick reports the last completed tick number.
func (l *Loop) CurrentTick() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tick
}

// RecoveryPhase reports the recovery phase for one agent, for diagnostics.
func (l *Loop) RecoveryPhase(agentID string) (Phase, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recovery[agentID]
	if !ok {
		return "", false
	}
	return rec.Phase(), true
}
