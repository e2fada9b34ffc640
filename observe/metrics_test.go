package observe

import (
	"context"
	"testing"
)

func TestNewMetricsNilProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	// No-op instruments must still accept calls.
	ctx := context.Background()
	m.SampleAppended(ctx)
	m.DuplicatesSuppressed(ctx, 3)
	m.StoreFailure(ctx)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.SampleAppended(ctx)
	m.SampleDropped(ctx)
	m.DuplicatesSuppressed(ctx, 1)
	m.SequenceReset(ctx)
	m.DegradedSection(ctx)
	m.IntentAccepted(ctx)
	m.IntentRejected(ctx)
	m.TickCompleted(ctx)
	m.StoreFailure(ctx)
}
