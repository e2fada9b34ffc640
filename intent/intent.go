// Package intent models externally issued movement commands and the
// priority tiers used to arbitrate among them.
package intent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skylattice/fleetd/types"
)

// Tier ranks the authorities that may command an agent. Higher values win
// arbitration.
type Tier int

const (
	TierDefault Tier = iota
	TierRecovery
	TierDecisionAgent
	TierOverride
)

func (t Tier) String() string {
	switch t {
	case TierOverride:
		return "override"
	case TierDecisionAgent:
		return "decision_agent"
	case TierRecovery:
		return "recovery"
	default:
		return "default"
	}
}

// ParseTier maps a caller-supplied role name onto a tier. Only the two
// externally issuable tiers are accepted.
func ParseTier(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "override", "operator":
		return TierOverride, nil
	case "decision_agent", "decision-agent", "agent":
		return TierDecisionAgent, nil
	default:
		return TierDefault, fmt.Errorf("unknown command tier %q", raw)
	}
}

// CommandIntent is one authority's standing instruction for one agent. An
// intent stays active until cleared (arrival at target for externally issued
// tiers) or displaced by a newer intent at the same or higher tier.
type CommandIntent struct {
	ID       string         `json:"id"`
	AgentID  string         `json:"agentId"`
	Target   types.Position `json:"target"`
	Tier     Tier           `json:"tier"`
	Source   string         `json:"source,omitempty"`
	IssuedAt time.Time      `json:"issuedAt"`
	Cleared  bool           `json:"cleared"`

	// TTL, when positive, expires the intent TTL after IssuedAt even if the
	// target was never reached. Zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`
}

// New validates and builds an intent for an externally issued command.
func New(agentID string, target types.Position, tier Tier, bounds types.Bounds) (CommandIntent, error) {
	if strings.TrimSpace(agentID) == "" {
		return CommandIntent{}, fmt.Errorf("agent id is required")
	}
	if tier != TierOverride && tier != TierDecisionAgent {
		return CommandIntent{}, fmt.Errorf("tier %s cannot be issued externally", tier)
	}
	if !bounds.IsZero() && !bounds.Contains(target) {
		return CommandIntent{}, &OutOfBoundsError{Target: target, Bounds: bounds}
	}
	return CommandIntent{
		ID:       uuid.NewString(),
		AgentID:  agentID,
		Target:   target,
		Tier:     tier,
		IssuedAt: time.Now().UTC(),
	}, nil
}

// Active reports whether the intent should still participate in arbitration.
func (c CommandIntent) Active(now time.Time) bool {
	if c.Cleared {
		return false
	}
	if c.TTL > 0 && now.After(c.IssuedAt.Add(c.TTL)) {
		return false
	}
	return true
}

// OutOfBoundsError rejects a target outside the operating area. The previous
// active intent for the agent stays in force.
type OutOfBoundsError struct {
	Target types.Position
	Bounds types.Bounds
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("target %s is outside operating bounds [%.1f,%.1f]x[%.1f,%.1f]",
		e.Target, e.Bounds.MinX, e.Bounds.MaxX, e.Bounds.MinY, e.Bounds.MaxY)
}
