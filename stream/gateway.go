// Package stream gives every connected observer a gap-free, duplicate-free,
// ever-advancing view of the telemetry and event stores. The stores offer
// no append notification, so each subscriber runs an independent poll loop
// over the most recent records and filters through its own cursor.
package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skylattice/fleetd/eventlog"
	"github.com/skylattice/fleetd/observe"
	"github.com/skylattice/fleetd/telemetry"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultPollLimit    = 100
	defaultBuffer       = 64
)

type Config struct {
	PollInterval        time.Duration
	PollLimit           int
	WindowSize          int
	RegressionThreshold int64
	Buffer              int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollLimit <= 0 {
		c.PollLimit = defaultPollLimit
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.RegressionThreshold <= 0 {
		c.RegressionThreshold = defaultRegressionThreshold
	}
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	return c
}

type Gateway struct {
	telemetry telemetry.Store
	events    eventlog.Store
	cfg       Config
	logger    *zap.Logger
	metrics   *observe.Metrics
}

type Option func(*Gateway)

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg.withDefaults() }
}

func NewGateway(telemetryStore telemetry.Store, eventStore eventlog.Store, opts ...Option) (*Gateway, error) {
	if telemetryStore == nil {
		return nil, fmt.Errorf("telemetry store is required")
	}
	if eventStore == nil {
		return nil, fmt.Errorf("event store is required")
	}
	g := &Gateway{
		telemetry: telemetryStore,
		events:    eventStore,
		cfg:       Config{}.withDefaults(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// TelemetrySubscription is one observer's live telemetry feed. Cancel the
// subscribe context or call Close to end it; other subscribers and the
// stores are unaffected.
type TelemetrySubscription struct {
	ch     chan telemetry.Sample
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *TelemetrySubscription) C() <-chan telemetry.Sample {
	return s.ch
}

func (s *TelemetrySubscription) Close() {
	s.cancel()
	<-s.done
}

// SubscribeTelemetry starts an independent poll loop with a fresh cursor.
// The subscriber joins at the live edge: records already in the store are
// primed into the cursor, not replayed.
func (g *Gateway) SubscribeTelemetry(ctx context.Context) *TelemetrySubscription {
	loopCtx, cancel := context.WithCancel(ctx)
	sub := &TelemetrySubscription{
		ch:     make(chan telemetry.Sample, g.cfg.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	cursor := NewTelemetryCursor(g.cfg.WindowSize, g.cfg.RegressionThreshold)

	// Prime the cursor so subscribe is live-tail, not replay. A failed
	// prime is routine: the loop starts from scratch and may emit a little
	// history instead.
	if batch, err := g.telemetry.Recent(loopCtx, telemetry.RecentQuery{Limit: g.cfg.PollLimit}); err == nil {
		cursor.Advance(batch)
	}

	go g.telemetryLoop(loopCtx, cursor, sub)
	return sub
}

func (g *Gateway) telemetryLoop(ctx context.Context, cursor *TelemetryCursor, sub *TelemetrySubscription) {
	defer close(sub.done)
	defer close(sub.ch)

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch, err := g.telemetry.Recent(ctx, telemetry.RecentQuery{Limit: g.cfg.PollLimit})
		if err != nil {
			// Store unavailability is routine: emit nothing, keep the
			// subscription, retry next interval.
			g.metrics.StoreFailure(ctx)
			g.logger.Debug("telemetry poll failed", zap.Error(err))
			continue
		}

		fresh, reset := cursor.Advance(batch)
		if reset {
			g.metrics.SequenceReset(ctx)
			g.logger.Info("telemetry producer restart detected",
				zap.Int64("watermark", cursor.HighWatermark()))
		}
		g.metrics.DuplicatesSuppressed(ctx, int64(len(batch)-len(fresh)))

		for _, sample := range fresh {
			select {
			case <-ctx.Done():
				return
			case sub.ch <- sample:
			}
		}
	}
}

// EventSubscription is one observer's live event log feed.
type EventSubscription struct {
	ch     chan eventlog.Record
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *EventSubscription) C() <-chan eventlog.Record {
	return s.ch
}

func (s *EventSubscription) Close() {
	s.cancel()
	<-s.done
}

// SubscribeEvents starts a poll loop over the event log using a timestamp
// watermark cursor. Subscribers join at the live edge.
func (g *Gateway) SubscribeEvents(ctx context.Context) *EventSubscription {
	loopCtx, cancel := context.WithCancel(ctx)
	sub := &EventSubscription{
		ch:     make(chan eventlog.Record, g.cfg.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	cursor := NewEventCursor()
	if batch, err := g.events.Query(loopCtx, eventlog.Query{Limit: g.cfg.PollLimit}); err == nil {
		cursor.Advance(batch)
	}

	go g.eventLoop(loopCtx, cursor, sub)
	return sub
}

func (g *Gateway) eventLoop(ctx context.Context, cursor *EventCursor, sub *EventSubscription) {
	defer close(sub.done)
	defer close(sub.ch)

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch, err := g.events.Query(ctx, eventlog.Query{Limit: g.cfg.PollLimit})
		if err != nil {
			g.metrics.StoreFailure(ctx)
			g.logger.Debug("event poll failed", zap.Error(err))
			continue
		}

		for _, record := range cursor.Advance(batch) {
			select {
			case <-ctx.Done():
				return
			case sub.ch <- record:
			}
		}
	}
}
