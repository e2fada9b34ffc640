package stream

import (
	"time"

	"github.com/skylattice/fleetd/eventlog"
	"github.com/skylattice/fleetd/telemetry"
)

const (
	defaultWindowSize          = 500
	defaultRegressionThreshold = 50
)

// TelemetryCursor is one subscriber's position in the telemetry stream.
// Liveness is decided by record identity plus the per-run sequence number;
// wall-clock timestamps play no part because multiple producer runs can
// interleave with arbitrary clock skew.
type TelemetryCursor struct {
	window              *seenWindow
	highWatermark       int64
	runIDSeen           string
	regressionThreshold int64

	resets     int64
	duplicates int64
}

func NewTelemetryCursor(windowSize int, regressionThreshold int64) *TelemetryCursor {
	if regressionThreshold <= 0 {
		regressionThreshold = defaultRegressionThreshold
	}
	return &TelemetryCursor{
		window:              newSeenWindow(windowSize),
		regressionThreshold: regressionThreshold,
	}
}

// Advance takes one poll's batch of recent samples and returns only the
// records this subscriber has not seen.
//
// Reset handling: when the batch's maximum sequence number sits more than
// the regression threshold below the recorded high watermark, the producer
// restarted. The watermark is cleared so legitimately low sequence numbers
// from the new run are accepted; the seen-id window is NOT cleared, so
// stale pre-restart records still inside the store's recency window are
// never re-emitted as new.
func (c *TelemetryCursor) Advance(batch []telemetry.Sample) (fresh []telemetry.Sample, reset bool) {
	if len(batch) == 0 {
		return nil, false
	}

	var maxSeq int64
	var runID string
	for _, sample := range batch {
		if sample.Seq > maxSeq {
			maxSeq = sample.Seq
			runID = sample.RunID
		}
	}

	if c.highWatermark > 0 && maxSeq < c.highWatermark-c.regressionThreshold {
		c.highWatermark = 0
		c.resets++
		reset = true
	}

	fresh = make([]telemetry.Sample, 0, len(batch))
	for _, sample := range batch {
		if c.window.Contains(sample.ID) {
			c.duplicates++
			continue
		}
		c.window.Add(sample.ID)
		fresh = append(fresh, sample)
	}

	if maxSeq > c.highWatermark {
		c.highWatermark = maxSeq
		if runID != "" {
			c.runIDSeen = runID
		}
	}
	return fresh, reset
}

// HighWatermark reports the largest sequence number observed since the last
// reset.
func (c *TelemetryCursor) HighWatermark() int64 {
	return c.highWatermark
}

// Stats returns cumulative reset and duplicate counts for this cursor.
func (c *TelemetryCursor) Stats() (resets, duplicates int64) {
	return c.resets, c.duplicates
}

// EventCursor tails the event log with a plain timestamp watermark. The
// event store's clock is trustworthy and defines its ordering, so identity
// tracking is unnecessary here.
type EventCursor struct {
	watermark time.Time
}

func NewEventCursor() *EventCursor {
	return &EventCursor{}
}

// Advance returns the records newer than the watermark, oldest first, and
// moves the watermark forward.
func (c *EventCursor) Advance(batch []eventlog.Record) []eventlog.Record {
	fresh := make([]eventlog.Record, 0, len(batch))
	newest := c.watermark
	// Batches arrive newest-first; emit oldest-first.
	for i := len(batch) - 1; i >= 0; i-- {
		record := batch[i]
		if !record.RecordedAt.After(c.watermark) {
			continue
		}
		fresh = append(fresh, record)
		if record.RecordedAt.After(newest) {
			newest = record.RecordedAt
		}
	}
	c.watermark = newest
	return fresh
}
