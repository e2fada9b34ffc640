// Package memory provides an in-process telemetry store for single-process
// deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/skylattice/fleetd/telemetry"
)

const defaultCapacity = 10000

type Store struct {
	mu       sync.RWMutex
	samples  []telemetry.Sample
	capacity int

	// failNext, when positive, makes that many subsequent calls return
	// telemetry.ErrUnavailable. Used to exercise degraded paths in tests.
	failNext int
}

type Option func(*Store)

// WithCapacity bounds how many samples are retained. Older samples are
// discarded once the bound is exceeded.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next n store operations report unavailability.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Store) takeFailure() bool {
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

func (s *Store) Append(ctx context.Context, sample telemetry.Sample) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sample.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return "", telemetry.ErrUnavailable
	}
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.capacity {
		s.samples = s.samples[len(s.samples)-s.capacity:]
	}
	return sample.ID, nil
}

func (s *Store) Recent(ctx context.Context, query telemetry.RecentQuery) ([]telemetry.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, telemetry.ErrUnavailable
	}
	out := make([]telemetry.Sample, 0, limit)
	for i := len(s.samples) - 1; i >= 0 && len(out) < limit; i-- {
		if query.AgentID != "" && s.samples[i].AgentID != query.AgentID {
			continue
		}
		out = append(out, s.samples[i])
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
