package eventlog

import (
	"context"
	"sync"
)

// Sink accepts event records without promising durable storage. The
// arbitration loop writes through a Sink so a slow or down store can never
// stall agent motion.
type Sink interface {
	Emit(ctx context.Context, record Record) error
}

type SinkFunc func(ctx context.Context, record Record) error

func (f SinkFunc) Emit(ctx context.Context, record Record) error {
	if f == nil {
		return nil
	}
	return f(ctx, record)
}

type NoopSink struct{}

func (NoopSink) Emit(ctx context.Context, record Record) error {
	_ = ctx
	_ = record
	return nil
}

// StoreSink forwards records to a Store.
func StoreSink(store Store) Sink {
	return SinkFunc(func(ctx context.Context, record Record) error {
		if store == nil {
			return nil
		}
		_, err := store.Append(ctx, record)
		return err
	})
}

type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) == 0 {
		return NoopSink{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

func (m *MultiSink) Emit(ctx context.Context, record Record) error {
	if m == nil {
		return nil
	}
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// AsyncSink decouples producers from store latency via a buffered queue.
type AsyncSink struct {
	downstream Sink
	queue      chan Record
	mu         sync.Mutex
	closed     bool
	wg         sync.WaitGroup
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Record, buffer),
	}
	as.wg.Add(1)
	go as.loop()
	return as
}

func (s *AsyncSink) Emit(ctx context.Context, record Record) error {
	if s == nil {
		return nil
	}
	record.Normalize()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.queue <- record:
		return nil
	default:
		// Drop on pressure to avoid blocking the arbitration hot path.
		return nil
	}
}

// Close drains queued records before returning. Emit calls after Close are
// silently dropped.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AsyncSink) loop() {
	defer s.wg.Done()
	for record := range s.queue {
		_ = s.downstream.Emit(context.Background(), record)
	}
}
