// Package observe exposes fleet health counters through the OpenTelemetry
// metric API so any OTel-compatible backend can watch streaming, fusion,
// and arbitration behavior. With no meter provider configured every call is
// a no-op.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/skylattice/fleetd"

type Metrics struct {
	samplesAppended      metric.Int64Counter
	samplesDropped       metric.Int64Counter
	duplicatesSuppressed metric.Int64Counter
	sequenceResets       metric.Int64Counter
	degradedSections     metric.Int64Counter
	intentsAccepted      metric.Int64Counter
	intentsRejected      metric.Int64Counter
	ticksCompleted       metric.Int64Counter
	storeFailures        metric.Int64Counter
	malformedRecords     metric.Int64Counter
}

// NewMetrics builds the instrument set. A nil provider yields no-op
// instruments.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	m := &Metrics{}
	var err error
	if m.samplesAppended, err = meter.Int64Counter("fleetd.telemetry.samples_appended"); err != nil {
		return nil, err
	}
	if m.samplesDropped, err = meter.Int64Counter("fleetd.telemetry.samples_dropped"); err != nil {
		return nil, err
	}
	if m.duplicatesSuppressed, err = meter.Int64Counter("fleetd.stream.duplicates_suppressed"); err != nil {
		return nil, err
	}
	if m.sequenceResets, err = meter.Int64Counter("fleetd.stream.sequence_resets"); err != nil {
		return nil, err
	}
	if m.degradedSections, err = meter.Int64Counter("fleetd.fusion.degraded_sections"); err != nil {
		return nil, err
	}
	if m.intentsAccepted, err = meter.Int64Counter("fleetd.intents.accepted"); err != nil {
		return nil, err
	}
	if m.intentsRejected, err = meter.Int64Counter("fleetd.intents.rejected"); err != nil {
		return nil, err
	}
	if m.ticksCompleted, err = meter.Int64Counter("fleetd.arbiter.ticks_completed"); err != nil {
		return nil, err
	}
	if m.storeFailures, err = meter.Int64Counter("fleetd.store.failures"); err != nil {
		return nil, err
	}
	if m.malformedRecords, err = meter.Int64Counter("fleetd.store.malformed_records"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) SampleAppended(ctx context.Context) {
	if m == nil {
		return
	}
	m.samplesAppended.Add(ctx, 1)
}

func (m *Metrics) SampleDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.samplesDropped.Add(ctx, 1)
}

func (m *Metrics) DuplicatesSuppressed(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.duplicatesSuppressed.Add(ctx, n)
}

func (m *Metrics) SequenceReset(ctx context.Context) {
	if m == nil {
		return
	}
	m.sequenceResets.Add(ctx, 1)
}

func (m *Metrics) DegradedSection(ctx context.Context) {
	if m == nil {
		return
	}
	m.degradedSections.Add(ctx, 1)
}

func (m *Metrics) IntentAccepted(ctx context.Context) {
	if m == nil {
		return
	}
	m.intentsAccepted.Add(ctx, 1)
}

func (m *Metrics) IntentRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.intentsRejected.Add(ctx, 1)
}

func (m *Metrics) TickCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ticksCompleted.Add(ctx, 1)
}

func (m *Metrics) StoreFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.storeFailures.Add(ctx, 1)
}

func (m *Metrics) MalformedRecord(ctx context.Context) {
	if m == nil {
		return
	}
	m.malformedRecords.Add(ctx, 1)
}
