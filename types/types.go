package types

import (
	"fmt"
	"math"
)

// Position is a 2D point in the operating plane.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func (p Position) DistanceTo(other Position) float64 {
	dx := other.X - p.X
	dy := other.Y - p.Y
	return math.Hypot(dx, dy)
}

// StepToward returns the position reached by moving from p toward target,
// capped at maxStep. Moving onto the target exactly is allowed when the
// remaining distance is within maxStep.
func (p Position) StepToward(target Position, maxStep float64) Position {
	if maxStep <= 0 {
		return p
	}
	dist := p.DistanceTo(target)
	if dist <= maxStep {
		return target
	}
	scale := maxStep / dist
	return Position{
		X: p.X + (target.X-p.X)*scale,
		Y: p.Y + (target.Y-p.Y)*scale,
	}
}

func (p Position) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

// Bounds is the rectangular operating area agents are allowed to occupy.
type Bounds struct {
	MinX float64 `json:"minX" yaml:"minX"`
	MinY float64 `json:"minY" yaml:"minY"`
	MaxX float64 `json:"maxX" yaml:"maxX"`
	MaxY float64 `json:"maxY" yaml:"maxY"`
}

func (b Bounds) Contains(p Position) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

func (b Bounds) IsZero() bool {
	return b.MinX == 0 && b.MinY == 0 && b.MaxX == 0 && b.MaxY == 0
}

// Clamp returns the nearest position inside the bounds.
func (b Bounds) Clamp(p Position) Position {
	return Position{
		X: math.Min(math.Max(p.X, b.MinX), b.MaxX),
		Y: math.Min(math.Max(p.Y, b.MinY), b.MaxY),
	}
}
