// Package telemetry defines the append-only sample store written by the
// arbitration loop and tailed by streaming subscribers.
//
// Samples carry a per-producer-run monotonic sequence number. Wall-clock
// timestamps are stored for display only; consumers that need ordering or
// liveness decisions must use the sequence number and sample identity,
// because data from multiple runs can interleave with arbitrary clock skew.
package telemetry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skylattice/fleetd/types"
)

// ErrUnavailable marks a store that cannot currently be reached. Callers
// treat this as routine: retry on the next cycle, never abort.
var ErrUnavailable = errors.New("telemetry: store unavailable")

// Sample is one immutable per-agent telemetry record.
type Sample struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agentId"`
	Position      types.Position `json:"position"`
	Denied        bool           `json:"denied"`
	SignalQuality float64        `json:"signalQuality"`
	Seq           int64          `json:"seq"`
	RecordedAt    time.Time      `json:"recordedAt"`
	RunID         string         `json:"runId"`
}

func (s *Sample) Normalize() {
	if s == nil {
		return
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.RecordedAt.IsZero() {
		s.RecordedAt = time.Now().UTC()
	}
	if s.SignalQuality < 0 {
		s.SignalQuality = 0
	}
	if s.SignalQuality > 1 {
		s.SignalQuality = 1
	}
}

// RecentQuery selects the most recently inserted samples, optionally for a
// single agent. Results come back newest-insertion-first; callers re-sort by
// Seq when they need producer order.
type RecentQuery struct {
	AgentID string
	Limit   int
}

type Store interface {
	Append(ctx context.Context, sample Sample) (string, error)
	Recent(ctx context.Context, query RecentQuery) ([]Sample, error)
	Close() error
}

// Producer stamps samples with this run's identity and sequence numbers.
// One Producer corresponds to one producer run; restarting the process
// restarts the sequence at 1, which downstream reset detection relies on.
type Producer struct {
	runID string
	seq   atomic.Int64
}

func NewProducer() *Producer {
	return &Producer{runID: uuid.NewString()}
}

func (p *Producer) RunID() string {
	return p.runID
}

// Stamp assigns identity, run id, and the next sequence number.
func (p *Producer) Stamp(sample Sample) Sample {
	sample.Normalize()
	sample.RunID = p.runID
	sample.Seq = p.seq.Add(1)
	return sample
}

// SortBySeq orders samples by sequence number ascending, in place. Samples
// with a missing sequence number sort as zero rather than failing.
func SortBySeq(samples []Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Seq < samples[j].Seq
	})
}

// ValidateAgentID guards queries that require an agent identity.
func ValidateAgentID(agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("agent id is required")
	}
	return nil
}
