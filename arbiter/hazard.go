package arbiter

import (
	"math"

	"github.com/skylattice/fleetd/types"
)

// HazardField answers whether a position sits inside a signal-denial zone
// and what signal quality an agent reports there.
type HazardField interface {
	Denied(p types.Position) bool
	SignalQuality(p types.Position) float64
}

// Zone is one circular signal-denial region.
type Zone struct {
	Center types.Position `json:"center"`
	Radius float64        `json:"radius"`
}

func (z Zone) contains(p types.Position) bool {
	return z.Center.DistanceTo(p) <= z.Radius
}

// ZoneField is a static hazard field of circular zones. Signal quality is
// full outside every zone and falls off linearly toward a zone's center,
// floored so a jammed agent still reports a nonzero reading.
type ZoneField struct {
	zones []Zone
	floor float64
}

func NewZoneField(zones ...Zone) *ZoneField {
	kept := make([]Zone, 0, len(zones))
	for _, z := range zones {
		if z.Radius > 0 {
			kept = append(kept, z)
		}
	}
	return &ZoneField{zones: kept, floor: 0.05}
}

func (f *ZoneField) Denied(p types.Position) bool {
	for _, z := range f.zones {
		if z.contains(p) {
			return true
		}
	}
	return false
}

func (f *ZoneField) SignalQuality(p types.Position) float64 {
	quality := 1.0
	for _, z := range f.zones {
		dist := z.Center.DistanceTo(p)
		if dist > z.Radius {
			continue
		}
		q := dist / z.Radius
		if q < quality {
			quality = q
		}
	}
	return math.Max(quality, f.floor)
}

// ClearField reports no hazards anywhere.
type ClearField struct{}

func (ClearField) Denied(types.Position) bool { return false }

func (ClearField) SignalQuality(types.Position) float64 { return 1.0 }
