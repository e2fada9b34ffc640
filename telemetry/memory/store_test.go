package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/skylattice/fleetd/telemetry"
	"github.com/skylattice/fleetd/types"
)

func TestAppendAndRecent(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, telemetry.Sample{
			AgentID:  "agent1",
			Position: types.Position{X: float64(i)},
			Seq:      int64(i + 1),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := s.Recent(ctx, telemetry.RecentQuery{Limit: 3})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	// Newest insertion first.
	if got[0].Seq != 5 || got[2].Seq != 3 {
		t.Fatalf("unexpected recency order: %d, %d", got[0].Seq, got[2].Seq)
	}
}

func TestRecentFiltersByAgent(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		agent := fmt.Sprintf("agent%d", i%2)
		if _, err := s.Append(ctx, telemetry.Sample{AgentID: agent, Seq: int64(i)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := s.Recent(ctx, telemetry.RecentQuery{AgentID: "agent0", Limit: 10})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 samples for agent0, got %d", len(got))
	}
	for _, sample := range got {
		if sample.AgentID != "agent0" {
			t.Fatalf("unexpected agent %q", sample.AgentID)
		}
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := New(WithCapacity(3))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := s.Append(ctx, telemetry.Sample{AgentID: "agent1", Seq: int64(i)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := s.Recent(ctx, telemetry.RecentQuery{Limit: 10})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 retained samples, got %d", len(got))
	}
	if got[len(got)-1].Seq != 3 {
		t.Fatalf("expected oldest retained seq 3, got %d", got[len(got)-1].Seq)
	}
}

func TestFailNextReportsUnavailable(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.FailNext(2)
	if _, err := s.Append(ctx, telemetry.Sample{AgentID: "agent1"}); !errors.Is(err, telemetry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.Recent(ctx, telemetry.RecentQuery{}); !errors.Is(err, telemetry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.Append(ctx, telemetry.Sample{AgentID: "agent1"}); err != nil {
		t.Fatalf("expected recovery after failures, got %v", err)
	}
}
