// Package eventlog defines the structured event store: discrete commands,
// responses, notifications, and errors with attribution. Unlike telemetry,
// this store's timestamps are trustworthy and define its ordering.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrUnavailable = errors.New("eventlog: store unavailable")

type Category string

const (
	CategoryCommand      Category = "command"
	CategoryResponse     Category = "response"
	CategoryNotification Category = "notification"
	CategoryError        Category = "error"
)

// Record is one immutable event log entry.
type Record struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Source     string    `json:"source"`
	Category   Category  `json:"category"`
	AgentID    string    `json:"agentId,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (r *Record) Normalize() {
	if r == nil {
		return
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	if r.Category == "" {
		r.Category = CategoryNotification
	}
	if r.Source == "" {
		r.Source = "unknown"
	}
}

// Query filters events; results are ordered by RecordedAt descending.
type Query struct {
	Category Category
	AgentID  string
	Since    *time.Time
	Limit    int
}

type Store interface {
	Append(ctx context.Context, record Record) (string, error)
	Query(ctx context.Context, query Query) ([]Record, error)
	Close() error
}
