package arbiter

import (
	"math"
	"math/rand"

	"github.com/skylattice/fleetd/types"
)

// Phase is the jamming-recovery state for one agent.
type Phase string

const (
	PhaseClear          Phase = "clear"
	PhaseHazardDetected Phase = "hazard_detected"
	PhaseBacktracking   Phase = "backtracking"
	PhaseExploring      Phase = "exploring"
	PhaseEscaped        Phase = "escaped"
)

// Recovery drives one agent out of a signal-denial zone: back to the last
// position known safe, then randomized exploration until the hazard
// predicate clears. Mutated only by the arbitration loop (single writer).
type Recovery struct {
	phase         Phase
	lastSafe      types.Position
	exploreTarget types.Position
	hasExplore    bool
	attempts      int

	stepLimit float64
	epsilon   float64
	rng       *rand.Rand

	// onTransition, when set, observes every phase change. Used by the
	// arbitration loop to append notification events.
	onTransition func(from, to Phase)
}

func NewRecovery(start types.Position, stepLimit, epsilon float64, rng *rand.Rand) *Recovery {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if stepLimit <= 0 {
		stepLimit = 1.0
	}
	if epsilon <= 0 {
		epsilon = 0.05
	}
	return &Recovery{
		phase:     PhaseClear,
		lastSafe:  start,
		stepLimit: stepLimit,
		epsilon:   epsilon,
		rng:       rng,
	}
}

func (r *Recovery) Phase() Phase {
	return r.phase
}

func (r *Recovery) LastSafe() types.Position {
	return r.lastSafe
}

func (r *Recovery) Attempts() int {
	return r.attempts
}

func (r *Recovery) transition(to Phase) {
	from := r.phase
	if from == to {
		return
	}
	r.phase = to
	if r.onTransition != nil {
		r.onTransition(from, to)
	}
}

// Step advances the state machine one tick using the agent's current
// position and the hazard predicate there. It returns the recovery target
// to feed into arbitration, or nil when recovery has nothing to contribute.
func (r *Recovery) Step(position types.Position, denied bool) *types.Position {
	switch r.phase {
	case PhaseClear:
		if !denied {
			r.lastSafe = position
			return nil
		}
		// Hazard detected; backtracking begins on the same tick.
		r.transition(PhaseHazardDetected)
		r.transition(PhaseBacktracking)
		target := r.lastSafe
		return &target

	case PhaseBacktracking:
		if position.DistanceTo(r.lastSafe) > r.epsilon {
			target := r.lastSafe
			return &target
		}
		if !denied {
			r.escape(position)
			return nil
		}
		// Back at the last safe position but still jammed: the safe spot
		// itself went bad. Probe nearby candidates instead of oscillating.
		r.transition(PhaseExploring)
		return r.explore(position)

	case PhaseExploring:
		if !denied {
			r.escape(position)
			return nil
		}
		if r.hasExplore && position.DistanceTo(r.exploreTarget) > r.epsilon {
			target := r.exploreTarget
			return &target
		}
		return r.explore(position)

	default:
		// Escaped collapses to clear within escape(); any other phase here
		// means corrupted state, so re-enter clear conservatively.
		r.transition(PhaseClear)
		return nil
	}
}

// escape records the hazard as cleared: ESCAPED collapses immediately into
// CLEAR with the current position as the new safe point.
func (r *Recovery) escape(position types.Position) {
	r.transition(PhaseEscaped)
	r.transition(PhaseClear)
	r.lastSafe = position
	r.hasExplore = false
}

// explore picks a randomized candidate within the movement-step limit.
func (r *Recovery) explore(position types.Position) *types.Position {
	angle := r.rng.Float64() * 2 * math.Pi
	dist := r.stepLimit * (0.5 + 0.5*r.rng.Float64())
	r.exploreTarget = types.Position{
		X: position.X + math.Cos(angle)*dist,
		Y: position.Y + math.Sin(angle)*dist,
	}
	r.hasExplore = true
	r.attempts++
	target := r.exploreTarget
	return &target
}
