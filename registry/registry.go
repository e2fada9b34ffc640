// Package registry holds the authoritative live state of every agent. It is
// the only source that is never stale: the arbitration loop writes it
// synchronously as agents move, and every other component only reads it.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/skylattice/fleetd/intent"
	"github.com/skylattice/fleetd/types"
)

var (
	ErrUnknownAgent = errors.New("registry: unknown agent")
	ErrUnavailable  = errors.New("registry: unavailable")
)

// AgentState is the current, mutable row for one agent. Mutated exactly once
// per tick by the arbitration loop; never read-modified concurrently.
type AgentState struct {
	AgentID       string         `json:"agentId"`
	Position      types.Position `json:"position"`
	Denied        bool           `json:"denied"`
	SignalQuality float64        `json:"signalQuality"`
	LastTick      int64          `json:"lastTick"`
	UpdatedAt     time.Time      `json:"updatedAt"`

	// ExternalIntents are the standing externally issued commands, at most
	// one per tier. Arbitration picks the winner each tick.
	ExternalIntents []intent.CommandIntent `json:"externalIntents,omitempty"`
}

// Reader is the read-only view consumed by fusion and the gateway. A remote
// deployment satisfies it over HTTP; absence of a response is routine and
// surfaces as ErrUnavailable.
type Reader interface {
	Get(ctx context.Context, agentID string) (AgentState, error)
	List(ctx context.Context) ([]AgentState, error)
}

// Registry is the full interface: the Reader view plus the single-writer
// mutation surface used by the arbitration loop and the intent endpoints.
type Registry interface {
	Reader

	// Spawn creates the row for a new agent. Returns the created state.
	Spawn(ctx context.Context, agentID string, position types.Position) (AgentState, error)

	// Update replaces the motion fields for one agent. Only the arbitration
	// loop calls this.
	Update(ctx context.Context, agentID string, position types.Position, denied bool, signalQuality float64, tick int64) error

	// SetIntent stores an externally issued intent, replacing any standing
	// intent at the same tier.
	SetIntent(ctx context.Context, cmd intent.CommandIntent) error

	// ClearIntent marks the standing intent at the given tier cleared.
	ClearIntent(ctx context.Context, agentID string, tier intent.Tier) error

	// ActiveIntents returns the agent's currently active external intents.
	ActiveIntents(ctx context.Context, agentID string, now time.Time) ([]intent.CommandIntent, error)
}
