package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skylattice/fleetd/telemetry"
	"github.com/skylattice/fleetd/types"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "fleetd-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithMaxLen(1000))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisAppendAndRecent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := s.Append(ctx, telemetry.Sample{
			AgentID:       "agent1",
			Position:      types.Position{X: float64(i)},
			SignalQuality: 1.0,
			Seq:           int64(i),
			RunID:         "run-a",
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := s.Recent(ctx, telemetry.RecentQuery{Limit: 2})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0].Seq != 3 {
		t.Fatalf("expected newest first, got seq %d", got[0].Seq)
	}
}

func TestRedisRecentByAgent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, telemetry.Sample{AgentID: "agent1", Seq: 1}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := s.Append(ctx, telemetry.Sample{AgentID: "agent2", Seq: 7}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := s.Recent(ctx, telemetry.RecentQuery{AgentID: "agent2", Limit: 10})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 7 {
		t.Fatalf("unexpected per-agent result: %#v", got)
	}
}

func TestRedisRecentEmptyStream(t *testing.T) {
	s := newTestRedisStore(t)

	got, err := s.Recent(context.Background(), telemetry.RecentQuery{Limit: 5})
	if err != nil {
		t.Fatalf("Recent on empty stream failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}
