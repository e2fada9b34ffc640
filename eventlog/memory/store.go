// Package memory provides an in-process event log store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/skylattice/fleetd/eventlog"
)

const defaultCapacity = 10000

type Store struct {
	mu       sync.Mutex
	records  []eventlog.Record
	capacity int
	failNext int
}

type Option func(*Store)

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

func (s *Store) Append(ctx context.Context, record eventlog.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	record.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return "", eventlog.ErrUnavailable
	}
	s.records = append(s.records, record)
	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity:]
	}
	return record.ID, nil
}

func (s *Store) Query(ctx context.Context, query eventlog.Query) ([]eventlog.Record, error) {
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
		return nil, eventlog.ErrUnavailable
	}

	matched := make([]eventlog.Record, 0, limit)
	for _, record := range s.records {
		if query.Category != "" && record.Category != query.Category {
			continue
		}
		if query.AgentID != "" && record.AgentID != query.AgentID {
			continue
		}
		if query.Since != nil && record.RecordedAt.Before(*query.Since) {
			continue
		}
		matched = append(matched, record)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].RecordedAt.After(matched[j].RecordedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) Close() error {
	return nil
}
