package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skylattice/fleetd/intent"
	"github.com/skylattice/fleetd/types"
)

// InMemory is the in-process registry implementation. The lock only guards
// against readers racing the single writer; it never serializes two writers
// because there is exactly one.
type InMemory struct {
	mu     sync.RWMutex
	agents map[string]*AgentState
}

func NewInMemory() *InMemory {
	return &InMemory{agents: map[string]*AgentState{}}
}

func (r *InMemory) Spawn(ctx context.Context, agentID string, position types.Position) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return AgentState{}, err
	}
	if strings.TrimSpace(agentID) == "" {
		return AgentState{}, fmt.Errorf("agent id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[agentID]; ok {
		return *existing, nil
	}
	state := &AgentState{
		AgentID:       agentID,
		Position:      position,
		SignalQuality: 1.0,
		UpdatedAt:     time.Now().UTC(),
	}
	r.agents[agentID] = state
	return *state, nil
}

func (r *InMemory) Get(ctx context.Context, agentID string) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return AgentState{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.agents[agentID]
	if !ok {
		return AgentState{}, ErrUnknownAgent
	}
	return cloneState(state), nil
}

func (r *InMemory) List(ctx context.Context) ([]AgentState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentState, 0, len(r.agents))
	for _, state := range r.agents {
		out = append(out, cloneState(state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (r *InMemory) Update(ctx context.Context, agentID string, position types.Position, denied bool, signalQuality float64, tick int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	state.Position = position
	state.Denied = denied
	state.SignalQuality = signalQuality
	state.LastTick = tick
	state.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemory) SetIntent(ctx context.Context, cmd intent.CommandIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.agents[cmd.AgentID]
	if !ok {
		return ErrUnknownAgent
	}
	kept := state.ExternalIntents[:0]
	for _, existing := range state.ExternalIntents {
		if existing.Tier != cmd.Tier {
			kept = append(kept, existing)
		}
	}
	state.ExternalIntents = append(kept, cmd)
	return nil
}

func (r *InMemory) ClearIntent(ctx context.Context, agentID string, tier intent.Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	for i := range state.ExternalIntents {
		if state.ExternalIntents[i].Tier == tier {
			state.ExternalIntents[i].Cleared = true
		}
	}
	return nil
}

func (r *InMemory) ActiveIntents(ctx context.Context, agentID string, now time.Time) ([]intent.CommandIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	out := make([]intent.CommandIntent, 0, len(state.ExternalIntents))
	for _, cmd := range state.ExternalIntents {
		if cmd.Active(now) {
			out = append(out, cmd)
		}
	}
	return out, nil
}

func cloneState(state *AgentState) AgentState {
	out := *state
	if len(state.ExternalIntents) > 0 {
		out.ExternalIntents = append([]intent.CommandIntent(nil), state.ExternalIntents...)
	}
	return out
}
